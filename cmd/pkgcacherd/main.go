// Command pkgcacherd runs the pkg-cacher caching proxy: a cobra root
// command ("pkgcacherd") with serve, config-check, and version
// subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version and commit are set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pkgcacherd",
		Short: "pkg-cacher: a caching HTTP proxy for Debian/RPM package repositories",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newConfigCheckCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version and commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pkgcacherd %s (%s)\n", version, commit)
			return nil
		},
	}
}
