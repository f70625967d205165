package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	aliasName  string
	verbose    bool
	jsonOut    bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Versioned artifact store with lineage",
	Long: `Strata saves data artifacts under registered roots, records an immutable
snapshot whenever their content changes, and tracks which versions each
artifact was derived from.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $STRATA_CONFIG or ~/.strata/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&aliasName, "alias", "a", "", "Alias owning relative paths (default: configured default alias)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output and JSON logs")
}
