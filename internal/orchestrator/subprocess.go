package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/ej-framework/ej/internal/control"
)

// scriptGraceTimeout is how long a script gets to exit on its own after
// the builder delivers Exit through the control socket, before the
// orchestrator escalates to OS-level termination (SPEC_FULL.md §4.3,
// unchanged from the distilled spec's "fixed (~5s)" grace period).
const scriptGraceTimeout = 5 * time.Second

// scriptResult is what running one board-config's script produced.
type scriptResult struct {
	Log          string
	Success      bool
	ErrorSummary string
}

// runScript invokes scriptPath with the fixed five-argument SDK contract
// (action, configPath, boardName, boardConfigName, socketPath) and
// captures its output. On ctx cancellation it first sends Exit through
// the script's control endpoint, giving it scriptGraceTimeout to clean up
// and exit on its own; only once that grace period elapses does it
// escalate to OS-level termination (SIGTERM via cmd.Cancel, then
// cmd.WaitDelay's forced kill), following the teacher's buildCommand
// pattern in internal/engine/subprocess.go combined with the SDK's
// cooperative-exit contract from original_source/.../ej-builder-sdk.
func runScript(ctx context.Context, scriptPath, action, configPath, boardName, boardConfigName, socketDir, jobID, boardConfigID string) (*scriptResult, error) {
	srv, err := control.New(socketDir, jobID, boardConfigID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: control socket: %w", err)
	}
	defer srv.Close()
	go srv.Serve()

	lw := newLogWriter(nil)
	lw.startFlusher()
	defer lw.Close()

	// killCtx is cancelled only by this function's own escalation logic,
	// never directly by the caller's ctx, so that a cancelled job gets a
	// grace period for its control-socket Exit handler before the script
	// process is forcibly killed.
	killCtx, kill := context.WithCancel(context.Background())
	defer kill()

	cmd := exec.CommandContext(killCtx, scriptPath, action, configPath, boardName, boardConfigName, srv.Path())
	cmd.Stdout = lw
	cmd.Stderr = lw
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		return &scriptResult{Success: false, ErrorSummary: err.Error()}, nil
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- cmd.Wait() }()

	select {
	case err := <-runErrCh:
		if err != nil {
			return &scriptResult{Log: lw.String(), Success: false, ErrorSummary: err.Error()}, nil
		}
		return &scriptResult{Log: lw.String(), Success: true}, nil

	case <-ctx.Done():
		_ = srv.SendExit()
		select {
		case <-runErrCh:
			return &scriptResult{Log: lw.String(), Success: false, ErrorSummary: "cancelled"}, ctx.Err()
		case <-time.After(scriptGraceTimeout):
			kill() // escalates: cmd.Cancel sends SIGTERM, WaitDelay forces a kill if needed
			<-runErrCh
			return &scriptResult{Log: lw.String(), Success: false, ErrorSummary: "cancelled (forced termination after grace period)"}, ctx.Err()
		}
	}
}
