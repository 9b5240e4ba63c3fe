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
		Use:     "scandog",
		Short:   "Catalog large directory trees into a durable file index",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newScanCmd())
	root.AddCommand(newWalkCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newResetCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
