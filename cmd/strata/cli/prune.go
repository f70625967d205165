package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/strata/internal/repo"
	"github.com/felixgeelhaar/strata/internal/retention"
	"github.com/felixgeelhaar/strata/internal/ui"
)

type pruneFlags struct {
	keep    string
	pattern string
	dryRun  bool
}

var pruneOpts pruneFlags

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old versions according to a retention policy",
	Long: `Deletes versions outside the keep set of every artifact in the alias. The
keep set is the union of the newest N versions and those created within a
duration: --keep 5, --keep 30d, --keep n=5,within=30d. Without --keep the
configured retention policy applies.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer e.Close()
		return runPrune(cmd.Context(), e, pruneOpts)
	},
}

// errPartialPrune makes the command exit non-zero after reporting.
var errPartialPrune = errors.New("some versions could not be deleted")

func runPrune(ctx context.Context, e *env, f pruneFlags) error {
	policy, err := prunePolicy(e, f.keep)
	if err != nil {
		return err
	}

	var progress ui.UI = ui.SilentUI{}
	if !e.json {
		progress = ui.NewConsole(e.out)
	}
	// The bus outlives this call; later events must not reach this console.
	defer func() { progress = ui.SilentUI{} }()
	e.repo.Events().Subscribe(repo.EventVersionPruned, func(ev repo.Event) {
		progress.Log(fmt.Sprintf("removed %s@%v (%v)", ev.Path, ev.Data["version"], ev.Data["status"]))
	})
	e.repo.Events().Subscribe(repo.EventPruneFailed, func(ev repo.Event) {
		progress.Log(fmt.Sprintf("FAILED %s@%v: %v", ev.Path, ev.Data["version"], ev.Data["error"]))
	})

	if f.dryRun {
		progress.UpdateStatus(fmt.Sprintf("Planning prune (%s)", policy))
	} else {
		progress.UpdateStatus(fmt.Sprintf("Pruning (%s)", policy))
	}
	res, err := e.repo.Prune(ctx, e.alias, retention.Request{Policy: policy, Pattern: f.pattern, DryRun: f.dryRun})
	if err != nil {
		return err
	}

	if e.json {
		if res.Candidates == nil {
			res.Candidates = []retention.Candidate{}
		}
		if err := e.printJSON(res); err != nil {
			return err
		}
	} else {
		var total int64
		for _, c := range res.Candidates {
			total += c.SizeBytes
			if res.DryRun {
				progress.Log(fmt.Sprintf("would remove %s@%s (%s, %s)", c.Path, c.VersionID,
					humanize.IBytes(uint64(max(c.SizeBytes, 0))), humanize.Time(c.CreatedAt)))
			}
		}
		if res.DryRun {
			progress.UpdateStatus(fmt.Sprintf("%d versions would be removed, %s", len(res.Candidates), humanize.IBytes(uint64(total))))
		} else {
			progress.UpdateStatus(fmt.Sprintf("%d removed, %d failed", res.Succeeded, res.Failed))
		}
	}
	if res.Err != nil {
		e.obs.Log().Error().Err(res.Err).Msg("prune incomplete")
		return errPartialPrune
	}
	return nil
}

func prunePolicy(e *env, keep string) (retention.Policy, error) {
	if keep != "" {
		return retention.ParsePolicy(keep)
	}
	p, ok, err := e.cfg.RetentionPolicy()
	if err != nil {
		return retention.Policy{}, err
	}
	if !ok {
		return retention.Policy{}, fmt.Errorf("%w: pass --keep or configure retention", retention.ErrInvalidPolicy)
	}
	return p, nil
}

func init() {
	RootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().StringVarP(&pruneOpts.keep, "keep", "k", "", "Retention policy")
	pruneCmd.Flags().StringVar(&pruneOpts.pattern, "match", "", "Only prune artifacts whose path matches this glob (** allowed)")
	pruneCmd.Flags().BoolVarP(&pruneOpts.dryRun, "dry-run", "n", false, "List candidates without deleting")
}
