// Package orchestrator runs a job's build and run phases across a
// builder's configured boards (SPEC_FULL.md §4.3): checkout happens
// once per job, the build phase is strictly sequential across every
// board-config, and the run phase goes parallel across boards while
// staying sequential within a board (so two configs sharing one
// physical board never contend for it).
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ej-framework/ej/internal/builderconfig"
	"github.com/ej-framework/ej/internal/checkout"
	"github.com/ej-framework/ej/internal/ejerr"
	"github.com/ej-framework/ej/internal/models"
	"github.com/ej-framework/ej/internal/wire"
)

// Outcome is the aggregated result of one job across every board-config
// it touched, ready to report back over the websocket as a
// BuildOk/BuildErr/RunOk/RunErr message.
type Outcome struct {
	Success      bool
	Logs         []wire.LogEntry
	Results      []wire.ResultEntry
	ErrorSummary string
}

// Orchestrator runs jobs against a fixed builder configuration.
type Orchestrator struct {
	Config     *builderconfig.Config
	WorkDir    string // base dir for git checkouts
	SocketDir  string // base dir for per-script control sockets
}

// New constructs an Orchestrator bound to cfg.
func New(cfg *builderconfig.Config, workDir, socketDir string) *Orchestrator {
	return &Orchestrator{Config: cfg, WorkDir: workDir, SocketDir: socketDir}
}

// Run executes jobID's kind ("build" or "build_and_run") against every
// board-config in o.Config, checking out req once and reusing the
// checkout across every invocation (deduplicated by LibraryPath would
// only help when multiple configs share a library; here the checkout is
// already per-job and shared by all configs unconditionally).
func (o *Orchestrator) Run(ctx context.Context, jobID string, kind string, req checkout.Request) (*Outcome, error) {
	dir, err := checkout.Checkout(ctx, req, o.WorkDir)
	if err != nil {
		return &Outcome{Success: false, ErrorSummary: err.Error()}, err
	}
	defer os.RemoveAll(dir)

	buildResults, buildErr := o.buildPhase(ctx, jobID, dir)
	if buildErr != nil {
		return aggregateBuild(buildResults, buildErr), buildErr
	}
	if hasFailure(buildResults) {
		return aggregateBuild(buildResults, nil), nil
	}
	if kind == models.JobKindBuild {
		return aggregateBuild(buildResults, nil), nil
	}

	runResults, runErr := o.runPhase(ctx, jobID, dir)
	if runErr != nil {
		return aggregateRun(buildResults, runResults, runErr), runErr
	}
	return aggregateRun(buildResults, runResults, nil), nil
}

type boardConfigRun struct {
	boardConfigID string
	result        *scriptResult
	resultsText   string // contents of the board-config's results_path, run phase only
}

// buildPhase runs every board-config's build script strictly in order,
// so that builds sharing host resources (a flash tool, a single USB bus)
// never overlap.
func (o *Orchestrator) buildPhase(ctx context.Context, jobID, checkoutDir string) ([]boardConfigRun, error) {
	var out []boardConfigRun
	for _, board := range o.Config.Boards {
		for _, bc := range board.Configs {
			res, err := runScript(ctx, bc.BuildScript, "build", checkoutDir, board.Name, bc.Name, o.SocketDir, jobID, bc.ID)
			if err != nil && ctx.Err() != nil {
				return out, ejerr.New(ejerr.Cancelled, err)
			}
			if err != nil {
				return out, ejerr.New(ejerr.ScriptFailed, err)
			}
			out = append(out, boardConfigRun{boardConfigID: bc.ID, result: res})
			if !res.Success {
				return out, nil // stop the build phase at the first failure
			}
		}
	}
	return out, nil
}

// runPhase runs every board's configs sequentially within the board, but
// different boards run concurrently with each other.
func (o *Orchestrator) runPhase(ctx context.Context, jobID, checkoutDir string) ([]boardConfigRun, error) {
	var (
		mu      sync.Mutex
		out     []boardConfigRun
		wg      sync.WaitGroup
		firstErr error
	)

	for _, board := range o.Config.Boards {
		wg.Add(1)
		board := board
		go func() {
			defer wg.Done()
			for _, bc := range board.Configs {
				res, err := runScript(ctx, bc.RunScript, "run", checkoutDir, board.Name, bc.Name, o.SocketDir, jobID, bc.ID)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				resultsText := loadResultsFile(bc.ResultsPath)
				mu.Lock()
				out = append(out, boardConfigRun{boardConfigID: bc.ID, result: res, resultsText: resultsText})
				mu.Unlock()
				if !res.Success {
					return // stop this board's sequence, other boards continue
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		if ctx.Err() != nil {
			return out, ejerr.New(ejerr.Cancelled, firstErr)
		}
		return out, ejerr.New(ejerr.ScriptFailed, firstErr)
	}
	return out, nil
}

func loadResultsFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func hasFailure(runs []boardConfigRun) bool {
	for _, r := range runs {
		if !r.result.Success {
			return true
		}
	}
	return false
}

// aggregateBuild folds every board-config run into an Outcome, including
// whatever was collected before phaseErr (if any) cut the phase short —
// a cancelled or otherwise aborted phase still reports partial logs
// rather than discarding them.
func aggregateBuild(runs []boardConfigRun, phaseErr error) *Outcome {
	o := &Outcome{Success: true}
	for _, r := range runs {
		o.Logs = append(o.Logs, wire.LogEntry{BoardConfigID: r.boardConfigID, Text: r.result.Log})
		if !r.result.Success {
			o.Success = false
			o.ErrorSummary = fmt.Sprintf("board-config %s: %s", r.boardConfigID, r.result.ErrorSummary)
		}
	}
	if phaseErr != nil {
		o.Success = false
		o.ErrorSummary = phaseErr.Error()
	}
	return o
}

func aggregateRun(buildRuns, runRuns []boardConfigRun, phaseErr error) *Outcome {
	o := aggregateBuild(buildRuns, nil)
	for _, r := range runRuns {
		o.Logs = append(o.Logs, wire.LogEntry{BoardConfigID: r.boardConfigID, Text: r.result.Log})
		// A run that left no (or an empty) results file contributes a log
		// entry but no result entry.
		if r.resultsText != "" {
			o.Results = append(o.Results, wire.ResultEntry{BoardConfigID: r.boardConfigID, Text: r.resultsText})
		}
		if !r.result.Success {
			o.Success = false
			o.ErrorSummary = fmt.Sprintf("board-config %s: %s", r.boardConfigID, r.result.ErrorSummary)
		}
	}
	if phaseErr != nil {
		o.Success = false
		o.ErrorSummary = phaseErr.Error()
	}
	return o
}
