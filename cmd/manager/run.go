package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Run executes the crewnet CLI with args and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	root := newRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "crewnet",
		Short:        "crewnet: IRC message fabric for agent teams",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Version = version
	return cmd
}
