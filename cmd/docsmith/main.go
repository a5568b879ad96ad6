package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "docsmith",
		Short:        "docsmith: document a source tree with a chat completion model",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunCmd(),
		newWatchCmd(),
		newHistoryCmd(),
		newBudgetCmd(),
		newCacheCmd(),
		newModelsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
