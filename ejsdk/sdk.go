// Package ejsdk is the client-side Builder SDK: a board-config's build
// or run script links against it (when written in Go rather than shell)
// to read its invocation identity from argv and to be notified when the
// builder wants it to shut down cooperatively, ahead of OS-level
// termination. Grounded on original_source/crates/libs/ej-builder-sdk's
// five-positional-argv contract and its Exit/Ack exchange (SPEC_FULL.md
// §4.4, §6): the builder owns the control socket and pushes Exit to the
// script, which acks it and is expected to clean up and stop.
package ejsdk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ej-framework/ej/internal/control"
)

// SDK is the blocking-initialized handle a script uses for the rest of
// its run. New fails fast if argv doesn't match the fixed contract or
// the control socket can't be reached, since a script with a broken SDK
// handshake cannot usefully continue.
type SDK struct {
	action          string
	configPath      string
	boardName       string
	boardConfigName string

	mu     sync.Mutex
	conn   net.Conn
	onExit func()
}

// New parses os.Args[1:6] per the fixed [action, config_path, board_name,
// board_config_name, socket_path] contract and connects to the control
// socket.
func New() (*SDK, error) {
	return NewFromArgs(os.Args[1:])
}

// NewFromArgs is New with an explicit argument slice, for testing.
func NewFromArgs(args []string) (*SDK, error) {
	if len(args) < 5 {
		return nil, fmt.Errorf("ejsdk: expected 5 arguments [action config_path board_name board_config_name socket_path], got %d", len(args))
	}
	s := &SDK{
		action:          args[0],
		configPath:      args[1],
		boardName:       args[2],
		boardConfigName: args[3],
	}

	conn, err := net.Dial("unix", args[4])
	if err != nil {
		return nil, fmt.Errorf("ejsdk: connect to control socket %s: %w", args[4], err)
	}
	s.conn = conn
	go s.readLoop()
	return s, nil
}

// Action returns the requested action ("build" or "run").
func (s *SDK) Action() string { return s.action }

// ConfigPath returns the path to the builder's TOML config file.
func (s *SDK) ConfigPath() string { return s.configPath }

// BoardName returns the physical board this invocation targets.
func (s *SDK) BoardName() string { return s.boardName }

// BoardConfigName returns the board-config this invocation targets.
func (s *SDK) BoardConfigName() string { return s.boardConfigName }

// OnExit registers the single callback invoked when the builder delivers
// an Exit event on this script's control connection. Scripts should use
// it to stop whatever long-running work they started (kill a remote
// process, release a board lock) ahead of the builder's own grace-period
// escalation to OS-level termination. Registering more than one callback
// is a programming error; the last registration wins.
func (s *SDK) OnExit(cb func()) {
	s.mu.Lock()
	s.onExit = cb
	s.mu.Unlock()
}

func (s *SDK) readLoop() {
	r := bufio.NewReader(s.conn)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			s.handle(line)
		}
		if err != nil {
			return
		}
	}
}

func (s *SDK) handle(line []byte) {
	var env control.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return
	}
	if env.Type != control.MessageExit {
		return
	}
	s.mu.Lock()
	cb := s.onExit
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	s.ack()
}

func (s *SDK) ack() {
	body, err := json.Marshal(control.Envelope{Type: control.MessageAck})
	if err != nil {
		return
	}
	body = append(body, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.conn.Write(body)
}

// Close releases the control socket connection.
func (s *SDK) Close() error {
	return s.conn.Close()
}
