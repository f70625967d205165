package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/strata/internal/backend"
	"github.com/felixgeelhaar/strata/internal/repo"
	"github.com/felixgeelhaar/strata/internal/sanitize"
	"github.com/felixgeelhaar/strata/internal/version"
)

type saveFlags struct {
	from      string
	format    string
	codeFile  string
	codeLabel string
	parents   []string
	attrs     []string
	force     bool
	policy    string
}

var saveOpts saveFlags

var saveCmd = &cobra.Command{
	Use:   "save [path]",
	Short: "Save an artifact and record a version when it changed",
	Long: `Reads a value (JSON or YAML, raw bytes for the bytes format) from --from or
stdin, writes it to path and records a version according to the versioning
policy. Parents are given as [alias:]path[@version].`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()

		in := cmd.InOrStdin()
		if saveOpts.from != "" && saveOpts.from != "-" {
			f, err := os.Open(saveOpts.from)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return runSave(cmd.Context(), e, args[0], in, saveOpts)
	},
}

func runSave(ctx context.Context, e *env, path string, in io.Reader, f saveFlags) error {
	value, err := readValue(in, f.format, path)
	if err != nil {
		return err
	}
	opts := repo.SaveOptions{
		Alias:     e.alias,
		Format:    f.format,
		CodeLabel: f.codeLabel,
		Force:     f.force,
	}
	if f.policy != "" {
		if opts.Policy, err = version.ParsePolicy(f.policy); err != nil {
			return err
		}
	}
	if f.codeFile != "" {
		code, err := os.ReadFile(f.codeFile)
		if err != nil {
			return fmt.Errorf("code file: %w", err)
		}
		opts.Code = string(code)
		if opts.CodeLabel == "" {
			opts.CodeLabel = f.codeFile
		}
	}
	for _, p := range f.parents {
		opts.Parents = append(opts.Parents, parseParent(p))
	}
	if len(f.attrs) > 0 {
		opts.Attrs = make(map[string]any, len(f.attrs))
		for _, kv := range f.attrs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid attribute %q (want key=value)", kv)
			}
			opts.Attrs[k] = v
		}
	}

	res, err := e.repo.Save(ctx, path, value, opts)
	if err != nil {
		return err
	}
	if e.json {
		return e.printJSON(res)
	}
	if res.Committed {
		size := ""
		if res.Sidecar != nil {
			size = " (" + humanize.IBytes(uint64(max(res.Sidecar.SizeBytes, 0))) + ")"
		}
		fmt.Fprintf(e.out, "Saved %s:%s as version %s%s\n", res.Alias, res.Path, res.VersionID, size)
	} else {
		fmt.Fprintf(e.out, "Saved %s:%s, no new version (%s)\n", res.Alias, res.Path, res.Reason)
	}
	return nil
}

// readValue decodes command input. Tables come in as their JSON envelope;
// everything else is JSON or YAML unless the bytes format was asked for.
func readValue(in io.Reader, format, path string) (any, error) {
	b, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if format == "" {
		if found, ok := backend.Default().ForPath(path); ok {
			format = found.Name()
		}
	}
	switch format {
	case backend.FormatBytes:
		return b, nil
	case backend.FormatTable:
		var t sanitize.Table
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("decode table input: %w", err)
		}
		return &t, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v, nil
	}
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("input is neither JSON nor YAML: %w", err)
	}
	return v, nil
}

// parseParent splits [alias:]path[@version]. An '@' is only a separator
// when what follows it reads as a version; otherwise it belongs to the path.
func parseParent(s string) repo.Parent {
	var p repo.Parent
	if i := strings.LastIndex(s, "@"); i >= 0 && isVersionSpec(s[i+1:]) {
		p.Version = s[i+1:]
		s = s[:i]
	}
	if alias, rest, ok := strings.Cut(s, ":"); ok && alias != "" && !strings.ContainsAny(alias, `/\.`) {
		p.Alias = alias
		s = rest
	}
	p.Path = s
	return p
}

func isVersionSpec(s string) bool {
	switch strings.ToLower(s) {
	case "latest", "?", "pick":
		return true
	}
	if _, err := strconv.Atoi(s); err == nil {
		return true
	}
	_, ok := version.IDTime(s)
	return ok
}

var loadVersion string

var loadCmd = &cobra.Command{
	Use:   "load [path]",
	Short: "Print an artifact at a version",
	Long: `Prints the value of path at --version: latest (default), 0, a negative
offset such as -1, an exact version id, or ? to pick interactively.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()
		return runLoad(cmd.Context(), e, args[0], loadVersion)
	},
}

func runLoad(ctx context.Context, e *env, path, spec string) error {
	value, _, err := e.repo.Load(ctx, path, e.alias, version.ParseSpec(spec))
	if err != nil {
		return err
	}
	if b, ok := value.([]byte); ok {
		_, err := e.out.Write(b)
		return err
	}
	return e.printJSON(value)
}

func init() {
	RootCmd.AddCommand(saveCmd)
	RootCmd.AddCommand(loadCmd)

	saveCmd.Flags().StringVarP(&saveOpts.from, "from", "f", "", "Read the value from a file instead of stdin")
	saveCmd.Flags().StringVar(&saveOpts.format, "format", "", "Serialization format (json, yaml, msgpack, json.zst, bytes, table)")
	saveCmd.Flags().StringVar(&saveOpts.codeFile, "code", "", "File holding the producing code; its hash is recorded")
	saveCmd.Flags().StringVar(&saveOpts.codeLabel, "code-label", "", "Human label for the producing code")
	saveCmd.Flags().StringArrayVarP(&saveOpts.parents, "parent", "p", nil, "Parent artifact as [alias:]path[@version] (repeatable)")
	saveCmd.Flags().StringArrayVar(&saveOpts.attrs, "attr", nil, "Sidecar attribute key=value (repeatable)")
	saveCmd.Flags().BoolVar(&saveOpts.force, "force", false, "Record a version even when nothing changed")
	saveCmd.Flags().StringVar(&saveOpts.policy, "policy", "", "Versioning policy for this save (content, timestamp, off)")

	loadCmd.Flags().StringVarP(&loadVersion, "version", "V", "latest", "Version spec")
}
