// Package dispatcher implements the core queue, scheduler, and
// session registry described in SPEC_FULL.md §4.1: it accepts job
// submissions, hands them to connected builders, and finalizes job
// outcomes as builders report back over the websocket protocol
// (internal/wire). The broadcast-to-all-idle-builders policy and the
// per-builder accumulator pattern follow the Open Question decision
// recorded in DESIGN.md.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ej-framework/ej/internal/ejerr"
	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/storage"
)

// Dispatcher owns the job queue, the connected-builder session registry,
// and the in-flight assignment tracking needed to finalize a job once
// every builder it was sent to has reported back (or timed out).
type Dispatcher struct {
	store        storage.Store
	log          *slog.Logger
	broadcastAll bool
	timeoutGrace time.Duration

	// OnJobUpdate, if set, is called whenever a job's status changes.
	// The dashboard wires this to its SSE broker; nil is a no-op.
	OnJobUpdate func(jobID, kind, status, commitHash string)

	mu          sync.Mutex
	sessions    map[string]*Session       // builder_id -> live session
	pending     []string                  // job ids waiting for an idle builder
	assignments map[string]*jobAssignment // job id -> in-flight tracking
	waiters     map[string]chan struct{}  // job id -> closed when the job reaches a terminal state
}

// jobAssignment tracks, for one dispatched job, which builders it was
// sent to and what each has reported so far. A job is finalized once
// every assigned builder has either reported an outcome or been marked
// lost (disconnect, or deadline elapsed).
type jobAssignment struct {
	jobID     string
	kind      string
	deadline  time.Time
	remaining map[string]bool // builder_id -> still outstanding
	failed    bool            // any builder reported (or was marked) failed
	timer     *time.Timer
}

// notify invokes OnJobUpdate if set.
func (d *Dispatcher) notify(jobID, kind, status, commitHash string) {
	if d.OnJobUpdate != nil {
		d.OnJobUpdate(jobID, kind, status, commitHash)
	}
}

// New constructs a Dispatcher. broadcastAll and timeoutGrace come from
// the daemon's loaded config (internal/config).
func New(store storage.Store, log *slog.Logger, broadcastAll bool, timeoutGrace time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		log:          log,
		broadcastAll: broadcastAll,
		timeoutGrace: timeoutGrace,
		sessions:     make(map[string]*Session),
		assignments:  make(map[string]*jobAssignment),
		waiters:      make(map[string]chan struct{}),
	}
}

// Submit creates a job row, queues it for dispatch to an idle connected
// builder, and then — per SPEC_FULL.md §4.1 — suspends the caller until
// the job reaches a terminal state or ctx is cancelled, whichever comes
// first. The returned JobOutcome carries the collected logs, (for Run)
// results, and success flag; if ctx is cancelled first the job keeps
// running in the background and the best-known (non-terminal) outcome is
// returned alongside ctx's error.
func (d *Dispatcher) Submit(ctx context.Context, kind, commitHash, remoteURL, fetchToken string, timeoutSecs int) (*storage.JobOutcome, error) {
	jobID, err := d.store.CreateJob(kind, commitHash, remoteURL, fetchToken, timeoutSecs)
	if err != nil {
		return nil, err
	}
	d.log.Info("job submitted", "job_id", jobID, "kind", kind, "commit", commitHash)
	d.notify(jobID, kind, models.JobStatusNotStarted, commitHash)

	done := make(chan struct{})
	d.mu.Lock()
	d.waiters[jobID] = done
	d.pending = append(d.pending, jobID)
	d.mu.Unlock()

	d.tryDispatchPending()

	select {
	case <-done:
		return d.store.JobOutcome(jobID)
	case <-ctx.Done():
		outcome, _ := d.store.JobOutcome(jobID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome, ejerr.New(ejerr.Timeout, ctx.Err())
		}
		return outcome, ejerr.New(ejerr.Cancelled, ctx.Err())
	}
}

// signalDone closes and forgets jobID's waiter channel, if Submit is
// (or was) blocked on it. Safe to call for a job nobody is waiting on.
func (d *Dispatcher) signalDone(jobID string) {
	d.mu.Lock()
	ch, ok := d.waiters[jobID]
	if ok {
		delete(d.waiters, jobID)
	}
	d.mu.Unlock()
	if ok {
		close(ch)
	}
}

// RegisterBuilderConfig upserts a builder's announced board/board-config
// set and returns the (stable) board-config ids.
func (d *Dispatcher) RegisterBuilderConfig(builderID string, boards []storage.BoardSpec) ([]string, error) {
	return d.store.UpsertConfig(builderID, boards)
}

// OnBuilderConnect registers sess as the live session for builderID,
// replacing (and closing) any prior session for the same builder — a
// builder reconnecting supersedes its old connection rather than
// running alongside it. Reconnection also retries the pending queue,
// since a builder that dropped mid-assignment and reconnected is idle
// again from the dispatcher's point of view.
func (d *Dispatcher) OnBuilderConnect(builderID string, sess *Session) {
	d.mu.Lock()
	if old, ok := d.sessions[builderID]; ok && old != sess {
		old.Close()
	}
	d.sessions[builderID] = sess
	d.mu.Unlock()

	d.log.Info("builder connected", "builder_id", builderID)
	d.tryDispatchPending()
}

// OnBuilderDisconnect drops builderID's session and, if it was mid-job,
// marks that job's assignment as lost for this builder — which may
// finalize the job as failed if no other builder was assigned, or leave
// it pending the remaining builders' reports otherwise.
func (d *Dispatcher) OnBuilderDisconnect(builderID string) {
	d.mu.Lock()
	delete(d.sessions, builderID)
	var affected []*jobAssignment
	for _, a := range d.assignments {
		if _, ok := a.remaining[builderID]; ok {
			affected = append(affected, a)
		}
	}
	d.mu.Unlock()

	d.log.Info("builder disconnected", "builder_id", builderID)
	for _, a := range affected {
		d.reportOutcome(a.jobID, builderID, false, "builder disconnected before reporting an outcome")
	}
}

// tryDispatchPending walks the pending queue and hands each job to every
// currently idle builder (broadcastAll) or the first one found,
// according to policy. Jobs that find no idle builder stay queued.
func (d *Dispatcher) tryDispatchPending() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var stillPending []string
	for _, jobID := range d.pending {
		idle := d.idleSessionsLocked()
		if len(idle) == 0 {
			stillPending = append(stillPending, jobID)
			continue
		}
		targets := idle
		if !d.broadcastAll {
			targets = idle[:1]
		}
		d.assignLocked(jobID, targets)
	}
	d.pending = stillPending
}

func (d *Dispatcher) idleSessionsLocked() []*Session {
	var idle []*Session
	for _, s := range d.sessions {
		if !s.Busy() {
			idle = append(idle, s)
		}
	}
	return idle
}

// assignLocked sends jobID to every session in targets and records the
// assignment. Must be called with d.mu held.
func (d *Dispatcher) assignLocked(jobID string, targets []*Session) {
	job, err := d.store.JobOutcome(jobID)
	if err != nil {
		d.log.Error("assign: job lookup failed", "job_id", jobID, "error", err)
		return
	}

	remaining := make(map[string]bool, len(targets))
	for _, s := range targets {
		remaining[s.BuilderID] = true
	}

	deadline := time.Now().Add(time.Duration(job.TimeoutSecs) * time.Second)
	a := &jobAssignment{jobID: jobID, kind: job.Kind, remaining: remaining, deadline: deadline}
	d.assignments[jobID] = a
	a.timer = time.AfterFunc(time.Until(deadline), func() { d.onDeadline(jobID) })

	if err := d.store.SetJobStatus(jobID, models.JobStatusRunning, time.Now()); err != nil {
		d.log.Error("assign: set running failed", "job_id", jobID, "error", err)
	}
	d.notify(jobID, job.Kind, models.JobStatusRunning, "")

	for _, s := range targets {
		s.SetKind(job.Kind)
		s.MarkBusy(jobID)
		if err := s.SendJob(jobID); err != nil {
			d.log.Error("assign: send failed", "job_id", jobID, "builder_id", s.BuilderID, "error", err)
			delete(remaining, s.BuilderID)
			s.MarkIdle()
		}
	}

	if len(remaining) == 0 {
		a.timer.Stop()
		d.finalizeLocked(a, false, "no builder accepted the job")
		return
	}
	d.log.Info("job dispatched", "job_id", jobID, "builders", len(remaining))
}

// ReportOutcome is called by the builder-session read loop when a
// BuildOk/BuildErr/RunOk/RunErr message arrives for jobID from builderID.
func (d *Dispatcher) ReportOutcome(jobID, builderID string, success bool, errSummary string) {
	d.reportOutcome(jobID, builderID, success, errSummary)
}

// onDeadline fires when a job's absolute deadline elapses regardless of
// builder session state; it broadcasts Cancel to the builders still
// assigned and, once timeoutGrace has passed, hands the job to expire.
func (d *Dispatcher) onDeadline(jobID string) {
	if err := d.Cancel(jobID); err != nil {
		return // already finalized
	}
	time.AfterFunc(d.timeoutGrace, func() { d.expire(jobID) })
}

// expire finalizes jobID as timed out even if some builders never
// reported back within the grace period after Cancel.
func (d *Dispatcher) expire(jobID string) {
	d.mu.Lock()
	a, ok := d.assignments[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.assignments, jobID)
	for builderID := range a.remaining {
		if sess, ok := d.sessions[builderID]; ok {
			sess.MarkIdle()
		}
	}
	d.mu.Unlock()

	d.log.Warn("job deadline elapsed", "job_id", jobID)
	if err := d.store.SetJobStatus(jobID, models.JobStatusFailed, time.Now()); err != nil {
		d.log.Error("deadline: set status failed", "job_id", jobID, "error", err)
	}
	if err := d.store.SetJobError(jobID, "job exceeded its timeout"); err != nil {
		d.log.Error("deadline: set error failed", "job_id", jobID, "error", err)
	}
	d.notify(jobID, a.kind, models.JobStatusFailed, "")
	d.signalDone(jobID)
	d.tryDispatchPending()
}

func (d *Dispatcher) reportOutcome(jobID, builderID string, success bool, errSummary string) {
	d.mu.Lock()
	a, ok := d.assignments[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(a.remaining, builderID)
	if !success {
		a.failed = true
	}
	if sess, ok := d.sessions[builderID]; ok {
		sess.MarkIdle()
	}
	done := len(a.remaining) == 0
	if done {
		delete(d.assignments, jobID)
		if a.timer != nil {
			a.timer.Stop()
		}
	}
	d.mu.Unlock()

	if done {
		d.finalize(a, !a.failed, errSummary)
		d.tryDispatchPending()
	}
}

func (d *Dispatcher) finalizeLocked(a *jobAssignment, success bool, summary string) {
	delete(d.assignments, a.jobID)
	go d.finalize(a, success, summary)
}

func (d *Dispatcher) finalize(a *jobAssignment, success bool, summary string) {
	status := models.JobStatusFailed
	if success {
		status = models.JobStatusSuccess
	}
	if err := d.store.SetJobStatus(a.jobID, status, time.Now()); err != nil {
		d.log.Error("finalize: set status failed", "job_id", a.jobID, "error", err)
	}
	if summary != "" {
		if err := d.store.SetJobError(a.jobID, summary); err != nil {
			d.log.Error("finalize: set error failed", "job_id", a.jobID, "error", err)
		}
	}
	d.log.Info("job finalized", "job_id", a.jobID, "status", status)
	d.notify(a.jobID, a.kind, status, "")
	d.signalDone(a.jobID)
}

// Outcome reports the current state of jobID, for submitters polling or
// blocking on the local control socket (§4.5).
func (d *Dispatcher) Outcome(jobID string) (*storage.JobOutcome, error) {
	return d.store.JobOutcome(jobID)
}

// Cancel marks jobID cancelled-in-intent and broadcasts a Cancel message
// to every builder currently assigned to it. The job is not finalized
// here: each builder's eventual outcome report (or disconnect) drives
// finalization through the normal path, bounded by timeoutGrace.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	a, ok := d.assignments[jobID]
	if !ok {
		d.mu.Unlock()
		return ejerr.New(ejerr.BadRequest, fmt.Errorf("dispatcher: job %s is not running", jobID))
	}
	var targets []*Session
	for builderID := range a.remaining {
		if s, ok := d.sessions[builderID]; ok {
			targets = append(targets, s)
		}
	}
	d.mu.Unlock()

	for _, s := range targets {
		if err := s.SendCancel(jobID); err != nil {
			d.log.Error("cancel: send failed", "job_id", jobID, "builder_id", s.BuilderID, "error", err)
		}
	}
	return nil
}
