package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ej-framework/ej/internal/builderconfig"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestBuildPhaseStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	okScript := writeScript(t, dir, "ok.sh", "exit 0")
	failScript := writeScript(t, dir, "fail.sh", "exit 1")

	cfg := &builderconfig.Config{Boards: []builderconfig.Board{
		{ID: "board-1", Name: "rpi4", Configs: []builderconfig.BoardConfig{
			{ID: "bc-1", Name: "debug", BuildScript: failScript, RunScript: okScript},
			{ID: "bc-2", Name: "release", BuildScript: okScript, RunScript: okScript},
		}},
	}}

	o := New(cfg, t.TempDir(), t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs, err := o.buildPhase(ctx, "job-1", dir)
	if err != nil {
		t.Fatalf("buildPhase: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1 (stopped at first failure)", len(runs))
	}
	if runs[0].result.Success {
		t.Errorf("first run reported success, want failure")
	}
}

func TestRunAggregatesSuccessAcrossBoards(t *testing.T) {
	dir := t.TempDir()
	resultsPath := filepath.Join(dir, "results.txt")
	okScript := writeScript(t, dir, "ok.sh", "exit 0")
	runScriptPath := writeScript(t, dir, "run.sh", "echo done > "+resultsPath)

	cfg := &builderconfig.Config{Boards: []builderconfig.Board{
		{ID: "board-1", Name: "rpi4", Configs: []builderconfig.BoardConfig{
			{ID: "bc-1", Name: "debug", BuildScript: okScript, RunScript: runScriptPath, ResultsPath: resultsPath},
		}},
	}}

	o := New(cfg, t.TempDir(), t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buildRuns, err := o.buildPhase(ctx, "job-1", dir)
	if err != nil {
		t.Fatalf("buildPhase: %v", err)
	}
	runRuns, err := o.runPhase(ctx, "job-1", dir)
	if err != nil {
		t.Fatalf("runPhase: %v", err)
	}
	outcome := aggregateRun(buildRuns, runRuns, nil)
	if !outcome.Success {
		t.Errorf("Success = false, want true: %s", outcome.ErrorSummary)
	}
	if len(outcome.Results) != 1 || outcome.Results[0].Text == "" {
		t.Errorf("expected one non-empty result entry, got %+v", outcome.Results)
	}
}

func TestRunPreservesPartialOutcomeOnCancellation(t *testing.T) {
	dir := t.TempDir()
	resultsPath := filepath.Join(dir, "results.txt")
	okScript := writeScript(t, dir, "ok.sh", "exit 0")
	runScriptPath := writeScript(t, dir, "run.sh", "echo done > "+resultsPath)
	loopScript := writeScript(t, dir, "loop.sh", "while true; do sleep 1; done")

	cfg := &builderconfig.Config{Boards: []builderconfig.Board{
		{ID: "board-1", Name: "rpi4", Configs: []builderconfig.BoardConfig{
			{ID: "bc-a", Name: "a", BuildScript: okScript, RunScript: runScriptPath, ResultsPath: resultsPath},
			{ID: "bc-loop", Name: "loop", BuildScript: okScript, RunScript: loopScript},
		}},
	}}

	o := New(cfg, t.TempDir(), t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())

	buildRuns, err := o.buildPhase(ctx, "job-1", dir)
	if err != nil {
		t.Fatalf("buildPhase: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	runRuns, runErr := o.runPhase(ctx, "job-1", dir)
	if runErr == nil {
		t.Fatalf("runPhase: expected a cancellation error")
	}

	outcome := aggregateRun(buildRuns, runRuns, runErr)
	if outcome.Success {
		t.Errorf("Success = true, want false on a cancelled run")
	}
	if len(outcome.Logs) == 0 {
		t.Errorf("expected at least the build-phase log entries to survive cancellation")
	}
}
