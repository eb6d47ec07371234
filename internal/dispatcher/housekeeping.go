package dispatcher

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Housekeeping runs the dispatcher's periodic maintenance (SPEC_FULL.md
// §4.8): retrying the pending queue in case a builder became idle
// without triggering a connect event, reaping sessions that have gone
// quiet past the liveness window, and pinging live sessions so that a
// builder answering with Pong is never mistaken for a quiet one.
type Housekeeping struct {
	d       *Dispatcher
	cron    *cron.Cron
	staleAfter time.Duration
}

// NewHousekeeping wires a 30-second cron tick plus a ping every
// staleAfter/2, following the teacher's use of robfig/cron for scheduled
// maintenance.
func NewHousekeeping(d *Dispatcher, staleAfter time.Duration) *Housekeeping {
	h := &Housekeeping{d: d, staleAfter: staleAfter, cron: cron.New()}
	return h
}

// Start schedules the maintenance tick and the ping. It returns an error
// only if a cron spec is malformed, which neither the fixed literal nor
// a formatted time.Duration triggers.
func (h *Housekeeping) Start() error {
	_, err := h.cron.AddFunc("@every 30s", h.tick)
	if err != nil {
		return err
	}
	if _, err := h.cron.AddFunc(fmt.Sprintf("@every %s", h.staleAfter/2), h.ping); err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight tick to finish.
func (h *Housekeeping) Stop() {
	<-h.cron.Stop().Done()
}

func (h *Housekeeping) tick() {
	h.d.tryDispatchPending()
	h.reapStaleSessions()
}

// ping sends a liveness Ping to every live session; the builder's Pong
// touches the session (internal/httpapi) and resets its staleness clock.
func (h *Housekeeping) ping() {
	h.d.mu.Lock()
	sessions := make([]*Session, 0, len(h.d.sessions))
	for _, s := range h.d.sessions {
		sessions = append(sessions, s)
	}
	h.d.mu.Unlock()
	for _, s := range sessions {
		_ = s.SendPing()
	}
}

func (h *Housekeeping) reapStaleSessions() {
	h.d.mu.Lock()
	var stale []*Session
	now := time.Now()
	for _, s := range h.d.sessions {
		if now.Sub(s.LastSeen()) > h.staleAfter {
			stale = append(stale, s)
		}
	}
	h.d.mu.Unlock()

	for _, s := range stale {
		h.d.log.Warn("reaping stale builder session", "builder_id", s.BuilderID)
		s.Close()
		h.d.OnBuilderDisconnect(s.BuilderID)
	}
}
