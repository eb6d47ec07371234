package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/storage"
)

// fakeStore is an in-memory storage.Store for exercising dispatcher logic
// without a real database, following the interface-seam the dispatcher
// was given specifically so tests could do this (see storage.Store's
// doc comment).
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	next int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*models.Job)}
}

func (s *fakeStore) CreateJob(kind, commitHash, remoteURL, fetchToken string, timeoutSecs int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("job-%d", s.next)
	s.jobs[id] = &models.Job{
		ID: id, Kind: kind, CommitHash: commitHash, RemoteURL: remoteURL,
		FetchToken: fetchToken, TimeoutSecs: timeoutSecs, Status: models.JobStatusNotStarted,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (s *fakeStore) SetJobStatus(jobID, status string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("no such job %s", jobID)
	}
	j.Status = status
	if status == models.JobStatusRunning && j.DispatchedAt == nil {
		j.DispatchedAt = &now
	}
	if (status == models.JobStatusSuccess || status == models.JobStatusFailed) && j.FinishedAt == nil {
		j.FinishedAt = &now
	}
	return nil
}

func (s *fakeStore) SetJobError(jobID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("no such job %s", jobID)
	}
	j.ErrorSummary = summary
	return nil
}

func (s *fakeStore) UpsertConfig(builderID string, boards []storage.BoardSpec) ([]string, error) {
	var ids []string
	for _, b := range boards {
		for range b.Configs {
			ids = append(ids, "bc-fake")
		}
	}
	return ids, nil
}

func (s *fakeStore) AppendJobLog(jobID, boardConfigID, text string) error    { return nil }
func (s *fakeStore) AppendJobResult(jobID, boardConfigID, text string) error { return nil }
func (s *fakeStore) VerifyBuilderToken(builderID, presentedToken string) bool { return true }

func (s *fakeStore) JobOutcome(jobID string) (*storage.JobOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("no such job %s", jobID)
	}
	return &storage.JobOutcome{
		JobID: j.ID, Kind: j.Kind, TimeoutSecs: j.TimeoutSecs, Status: j.Status,
		Success: j.Status == models.JobStatusSuccess, Summary: j.ErrorSummary,
	}, nil
}

func (s *fakeStore) CreateClient(username, password, role string) (string, error) { return "c1", nil }
func (s *fakeStore) VerifyClient(username, password string) (*models.Client, error) {
	return &models.Client{ID: "c1", Username: username}, nil
}
func (s *fakeStore) CreateBuilder(ownerID, name string) (string, string, error) {
	return "b1", "tok", nil
}
func (s *fakeStore) GetBuilder(builderID string) (*models.Builder, error) {
	return &models.Builder{ID: builderID}, nil
}

func (s *fakeStore) ListBuilders() ([]models.Builder, error) { return nil, nil }

func (s *fakeStore) ListRecentJobs(limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []models.Job
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

// fakeConn records every envelope written to it and never errors, so
// tests can assert on what the dispatcher sent without a real socket.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	failSend bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return fmt.Errorf("send failed")
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func newTestDispatcher(store storage.Store) *Dispatcher {
	return New(store, nil, true, 2*time.Second)
}

// waitUntil polls cond until it reports true or the deadline elapses,
// failing the test in the latter case. Submit now blocks its caller
// until a job terminates, so tests that need to observe an in-flight
// job's intermediate state run Submit in a goroutine and synchronize on
// side effects (messages sent to a builder, queue length) instead.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSubmitQueuesWhenNoBuilders(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := d.Submit(ctx, models.JobKindBuildRun, "abc123", "https://example.com/repo.git", "", 60)
	if err == nil {
		t.Fatalf("Submit: expected the caller's context to expire while no builder is connected")
	}
	if outcome == nil || outcome.Status != models.JobStatusNotStarted {
		t.Errorf("outcome = %+v, want status not_started while no builder is connected", outcome)
	}
}

func TestSubmitDispatchesToIdleBuilder(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store)

	conn := &fakeConn{}
	sess := newSessionWithConn("builder-1", conn)
	d.OnBuilderConnect("builder-1", sess)

	resultCh := make(chan *storage.JobOutcome, 1)
	go func() {
		outcome, err := d.Submit(context.Background(), models.JobKindBuildRun, "abc123", "https://example.com/repo.git", "", 60)
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
		resultCh <- outcome
	}()

	waitUntil(t, func() bool { return conn.sent() == 1 })
	if !sess.Busy() {
		t.Errorf("session not marked busy after dispatch")
	}

	d.ReportOutcome("job-1", "builder-1", true, "")

	outcome := <-resultCh
	if outcome.Status != models.JobStatusSuccess {
		t.Errorf("Status = %q, want success", outcome.Status)
	}
	if sess.Busy() {
		t.Errorf("session still busy after reporting outcome")
	}
}

func TestScriptFailureMarksJobFailed(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store)

	conn := &fakeConn{}
	sess := newSessionWithConn("builder-1", conn)
	d.OnBuilderConnect("builder-1", sess)

	resultCh := make(chan *storage.JobOutcome, 1)
	go func() {
		outcome, err := d.Submit(context.Background(), models.JobKindBuild, "abc123", "https://example.com/repo.git", "", 60)
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
		resultCh <- outcome
	}()

	waitUntil(t, func() bool { return conn.sent() == 1 })
	d.ReportOutcome("job-1", "builder-1", false, "build script exited 1")

	outcome := <-resultCh
	if outcome.Status != models.JobStatusFailed {
		t.Errorf("Status = %q, want failed", outcome.Status)
	}
	if outcome.Summary != "build script exited 1" {
		t.Errorf("Summary = %q", outcome.Summary)
	}
}

func TestBuilderDisconnectMidJobFailsIt(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store)

	conn := &fakeConn{}
	sess := newSessionWithConn("builder-1", conn)
	d.OnBuilderConnect("builder-1", sess)

	resultCh := make(chan *storage.JobOutcome, 1)
	go func() {
		outcome, _ := d.Submit(context.Background(), models.JobKindBuildRun, "abc123", "https://example.com/repo.git", "", 60)
		resultCh <- outcome
	}()

	waitUntil(t, func() bool { return conn.sent() == 1 })
	d.OnBuilderDisconnect("builder-1")

	outcome := <-resultCh
	if outcome.Status != models.JobStatusFailed {
		t.Errorf("Status = %q, want failed after builder disconnect", outcome.Status)
	}
}

func TestReconnectDuringQueuedStateDispatches(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store)

	resultCh := make(chan *storage.JobOutcome, 1)
	go func() {
		outcome, _ := d.Submit(context.Background(), models.JobKindBuildRun, "abc123", "https://example.com/repo.git", "", 60)
		resultCh <- outcome
	}()

	waitUntil(t, func() bool {
		outcome, err := d.Outcome("job-1")
		return err == nil && outcome.Status == models.JobStatusNotStarted
	})

	conn := &fakeConn{}
	sess := newSessionWithConn("builder-1", conn)
	d.OnBuilderConnect("builder-1", sess)

	waitUntil(t, func() bool { return conn.sent() == 1 })
	outcome, _ := d.Outcome("job-1")
	if outcome.Status != models.JobStatusRunning {
		t.Errorf("Status = %q after connect, want running", outcome.Status)
	}

	d.ReportOutcome("job-1", "builder-1", true, "")
	final := <-resultCh
	if final.Status != models.JobStatusSuccess {
		t.Errorf("Status = %q, want success", final.Status)
	}
}

// TestTwoConcurrentSubmittersBothDispatch exercises scenario 5 from §8:
// with a single idle builder connected, two concurrent Run submissions
// are served FIFO — the second's dispatch begins strictly after the
// first terminates — and both submitters receive their own outcome.
func TestTwoConcurrentSubmittersBothDispatch(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store)

	conn := &fakeConn{}
	sess := newSessionWithConn("builder-1", conn)
	d.OnBuilderConnect("builder-1", sess)

	firstDone := make(chan *storage.JobOutcome, 1)
	go func() {
		outcome, err := d.Submit(context.Background(), models.JobKindBuild, "commit-a", "https://example.com/1.git", "", 30)
		if err != nil {
			t.Errorf("Submit A: %v", err)
		}
		firstDone <- outcome
	}()

	waitUntil(t, func() bool { return conn.sent() == 1 })

	secondStarted := make(chan struct{})
	secondDone := make(chan *storage.JobOutcome, 1)
	go func() {
		close(secondStarted)
		outcome, err := d.Submit(context.Background(), models.JobKindBuild, "commit-b", "https://example.com/2.git", "", 30)
		if err != nil {
			t.Errorf("Submit B: %v", err)
		}
		secondDone <- outcome
	}()
	<-secondStarted

	// Give the second submission every chance to (wrongly) dispatch before
	// asserting it hasn't: the one connected builder is still busy with
	// the first job.
	time.Sleep(50 * time.Millisecond)
	if conn.sent() != 1 {
		t.Fatalf("second job must not dispatch while the first is still running; builder received %d messages", conn.sent())
	}

	d.ReportOutcome("job-1", "builder-1", true, "")
	first := <-firstDone
	if first.Status != models.JobStatusSuccess {
		t.Errorf("first job status = %q, want success", first.Status)
	}

	waitUntil(t, func() bool { return conn.sent() == 2 })
	d.ReportOutcome("job-2", "builder-1", true, "")
	second := <-secondDone
	if second.Status != models.JobStatusSuccess {
		t.Errorf("second job status = %q, want success", second.Status)
	}
}

func TestTimeoutFinalizesFailedAfterDeadline(t *testing.T) {
	store := newFakeStore()
	d := New(store, nil, true, 0)

	conn := &fakeConn{}
	sess := newSessionWithConn("builder-1", conn)
	d.OnBuilderConnect("builder-1", sess)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := d.Submit(ctx, models.JobKindBuildRun, "abc123", "https://example.com/repo.git", "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome.Status != models.JobStatusFailed {
		t.Errorf("Status = %q, want failed after deadline", outcome.Status)
	}
	if outcome.Summary == "" {
		t.Errorf("expected a timeout summary")
	}
}
