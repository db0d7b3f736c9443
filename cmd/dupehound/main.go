package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "dupehound",
		Short:   "Find and deduplicate files",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newFindCmd())
	root.AddCommand(newDedupeCmd())

	if err := root.Execute(); err != nil {
		return exitError
	}
	return exitCode
}
