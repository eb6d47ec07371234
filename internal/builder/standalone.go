package builder

import (
	"context"

	"github.com/ej-framework/ej/internal/builderconfig"
	"github.com/ej-framework/ej/internal/checkout"
	"github.com/ej-framework/ej/internal/orchestrator"
)

// ParseConfig loads and expands a builder's TOML config file, for
// `ejctl builder parse` to print back as a sanity check.
func ParseConfig(path string) (*builderconfig.Config, error) {
	return builderconfig.LoadFile(path)
}

// Validate loads a builder's TOML config file and returns an error
// describing the first structural problem found, for `ejctl builder
// validate` — ParseConfig already validates, this just names the intent.
func Validate(path string) error {
	_, err := builderconfig.LoadFile(path)
	return err
}

// RunStandalone runs one job against a local config outside of any
// dispatcher connection, under the fixed job id "standalone". No ejctl
// subcommand calls it.
func RunStandalone(ctx context.Context, cfg *builderconfig.Config, workDir, socketDir, kind string, req checkout.Request) (*orchestrator.Outcome, error) {
	o := orchestrator.New(cfg, workDir, socketDir)
	return o.Run(ctx, "standalone", kind, req)
}
