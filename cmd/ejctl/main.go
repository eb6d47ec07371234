// Command ejctl is the single entry point for both halves of the ej
// framework: `ejctl serve` runs the dispatcher daemon, while the other
// subcommands act as a builder or a job-submission client, following
// the teacher's one-subcommand-per-file cmd/ry layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "ejctl",
		Short: "ej framework dispatcher and builder CLI",
	}
	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newBuilderCmd(),
		newDispatchCmd(),
		newUsersCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
