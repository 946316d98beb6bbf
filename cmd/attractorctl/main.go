// attractorctl is the control plane's process entrypoint: it loads the
// server config, wires the postgres-backed store, object store, dispatch
// queue, event bus, and run lifecycle controller together, and exposes
// the whole thing over the httpapi server and a one-shot graph validator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attractorctl",
		Short:         "attractor.run control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}
