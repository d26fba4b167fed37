package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bildutforskaren",
	Short: "Semantic image search and exploration service",
	Long: `bildutforskaren serves semantic search, 2D layouts and tagging over
image datasets. Images are embedded by an external model service and
indexed locally; derived artifacts are cached per dataset on disk.`,
}

func main() {
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
