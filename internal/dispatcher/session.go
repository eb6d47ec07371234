package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/wire"
	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn a Session needs. Tests
// substitute a fake to exercise dispatch logic without a live socket.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session wraps one connected builder's websocket connection. Writes
// are serialized through mu since gorilla/websocket connections are not
// safe for concurrent writers; reads happen on a single goroutine owned
// by the caller (internal/httpapi's upgrade handler).
type Session struct {
	BuilderID string
	Kind      string // the job kind most recently dispatched, for SendJob's Build-vs-Run choice
	conn      wsConn

	mu         sync.Mutex
	busy       bool
	currentJob string
	closed     bool
	lastSeen   time.Time
}

// NewSession wraps an upgraded websocket connection for builderID.
func NewSession(builderID string, conn *websocket.Conn) *Session {
	return &Session{BuilderID: builderID, conn: conn, lastSeen: time.Now()}
}

// newSessionWithConn is used by tests to inject a fake wsConn.
func newSessionWithConn(builderID string, conn wsConn) *Session {
	return &Session{BuilderID: builderID, conn: conn, lastSeen: time.Now()}
}

// Touch records activity from the builder (a Pong, or any inbound
// message), resetting the staleness clock used by housekeeping's reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the last time this session was touched.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Busy reports whether this session is currently assigned a job.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// MarkBusy records that jobID has been assigned to this session.
func (s *Session) MarkBusy(jobID string) {
	s.mu.Lock()
	s.busy = true
	s.currentJob = jobID
	s.mu.Unlock()
}

// MarkIdle clears the current assignment, making the session eligible
// for the next dispatch pass.
func (s *Session) MarkIdle() {
	s.mu.Lock()
	s.busy = false
	s.currentJob = ""
	s.mu.Unlock()
}

// CurrentJob returns the job id this session is working on, if any.
func (s *Session) CurrentJob() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentJob
}

// send writes env to the underlying connection under mu.
func (s *Session) send(env []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("dispatcher: session %s is closed", s.BuilderID)
	}
	return s.conn.WriteMessage(websocket.TextMessage, env)
}

// SendJob encodes and sends a Build or Run message for jobID, keyed by
// the kind recorded in the job row (set via SetKind before dispatch).
func (s *Session) SendJob(jobID string) error {
	kind := s.jobKind()
	var env []byte
	var err error
	switch kind {
	case models.JobKindBuild:
		env, err = wire.Encode(wire.TypeBuild, wire.Build{JobID: jobID})
	default:
		env, err = wire.Encode(wire.TypeRun, wire.Run{JobID: jobID})
	}
	if err != nil {
		return err
	}
	return s.send(env)
}

func (s *Session) jobKind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Kind
}

// SetKind records the job kind of the job about to be sent, so SendJob
// can choose between a Build and a Run envelope.
func (s *Session) SetKind(kind string) {
	s.mu.Lock()
	s.Kind = kind
	s.mu.Unlock()
}

// SendCancel encodes and sends a Cancel message for jobID.
func (s *Session) SendCancel(jobID string) error {
	env, err := wire.Encode(wire.TypeCancel, wire.Cancel{JobID: jobID})
	if err != nil {
		return err
	}
	return s.send(env)
}

// SendPing encodes and sends a liveness Ping.
func (s *Session) SendPing() error {
	env, err := wire.Encode(wire.TypePing, wire.Ping{})
	if err != nil {
		return err
	}
	return s.send(env)
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}
