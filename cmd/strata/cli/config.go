package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/strata/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showConfig(cmd.OutOrStdout(), cfg)
	},
}

func showConfig(out io.Writer, cfg *config.Config) error {
	if cfg.Path() != "" {
		fmt.Fprintf(out, "# %s\n", cfg.Path())
	} else {
		fmt.Fprintln(out, "# built-in defaults")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return validateConfig(cmd.OutOrStdout(), cfg)
	},
}

func validateConfig(out io.Writer, cfg *config.Config) error {
	res := cfg.Validate()
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	if !res.Valid {
		return fmt.Errorf("configuration has %d error(s)", len(res.Errors))
	}
	fmt.Fprintln(out, "Configuration is valid")
	return nil
}

var aliasCmd = &cobra.Command{
	Use:   "alias",
	Short: "Inspect registered aliases",
}

var aliasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List aliases and their roots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()
		return listAliases(e)
	},
}

type aliasView struct {
	Name     string `json:"name"`
	Root     string `json:"root"`
	StateDir string `json:"state_dir"`
	Default  bool   `json:"default"`
}

func listAliases(e *env) error {
	reg := e.repo.Registry()
	def, _ := reg.Default()
	var views []aliasView
	for _, a := range reg.List() {
		views = append(views, aliasView{Name: a.Name, Root: a.Root, StateDir: a.StateDir, Default: a.Name == def.Name})
	}
	if e.json {
		return e.printJSON(views)
	}
	w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tROOT\tDEFAULT")
	for _, v := range views {
		mark := ""
		if v.Default {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.Root, mark)
	}
	return w.Flush()
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	RootCmd.AddCommand(aliasCmd)
	aliasCmd.AddCommand(aliasListCmd)
}
