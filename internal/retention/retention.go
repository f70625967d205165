// Package retention prunes old versions. Every run goes through the same
// steps: plan the candidates, optionally stop for a dry run, delete the
// snapshot directories, then reconcile the catalog with what was actually
// removed.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/felixgeelhaar/strata/internal/catalog"
	"github.com/felixgeelhaar/strata/internal/observe"
	"github.com/felixgeelhaar/strata/internal/version"
)

// ErrDeletionFailed marks a candidate whose snapshot could not be removed.
var ErrDeletionFailed = errors.New("deletion failed")

// Candidate is one version selected for deletion.
type Candidate struct {
	Alias      string    `json:"alias"`
	ArtifactID string    `json:"artifact_id"`
	Path       string    `json:"path"`
	VersionID  string    `json:"version_id"`
	CreatedAt  time.Time `json:"created_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// Status is the outcome of one deletion attempt.
type Status string

const (
	StatusRemoved        Status = "removed"
	StatusAlreadyMissing Status = "already_missing"
	StatusFailed         Status = "failed"
)

// Outcome pairs a candidate with what happened to it.
type Outcome struct {
	Candidate Candidate `json:"candidate"`
	Status    Status    `json:"status"`
	Err       error     `json:"-"`
}

// Succeeded reports whether the snapshot is gone.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusRemoved || o.Status == StatusAlreadyMissing
}

// DeletionError is the per-candidate failure carried in Result.Err.
type DeletionError struct {
	Candidate Candidate
	Err       error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("delete %s@%s: %v", e.Candidate.Path, e.Candidate.VersionID, e.Err)
}

func (e *DeletionError) Unwrap() []error { return []error{ErrDeletionFailed, e.Err} }

// Selector picks the artifacts a prune applies to.
type Selector func(path string) bool

// All selects every artifact.
func All(string) bool { return true }

// Glob selects artifacts whose logical path matches a doublestar pattern.
// An empty pattern selects everything.
func Glob(pattern string) (Selector, error) {
	if pattern == "" {
		return All, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid artifact pattern %q", pattern)
	}
	return func(path string) bool {
		ok, _ := doublestar.Match(pattern, path)
		return ok
	}, nil
}

// Plan selects the deletion candidates of every matching artifact. The keep
// set of an artifact is the union of its N newest versions and the versions
// created within p.Within of now.
func Plan(c *catalog.Catalog, p Policy, sel Selector, now time.Time) []Candidate {
	if sel == nil {
		sel = All
	}
	byArtifact := c.VersionsByArtifact()
	artifacts := append([]catalog.Artifact(nil), c.Artifacts...)
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })

	var out []Candidate
	for _, a := range artifacts {
		if !sel(a.Path) {
			continue
		}
		for i, v := range byArtifact[a.ID] {
			keep := i < p.N
			if p.Within > 0 && !v.CreatedAt.Before(now.Add(-p.Within)) {
				keep = true
			}
			if keep {
				continue
			}
			out = append(out, Candidate{
				ArtifactID: a.ID,
				Path:       a.Path,
				VersionID:  v.ID,
				CreatedAt:  v.CreatedAt,
				SizeBytes:  v.SizeBytes,
			})
		}
	}
	return out
}

// Request is one prune invocation.
type Request struct {
	Policy  Policy
	Pattern string
	DryRun  bool
	// OnOutcome, when set, sees every outcome as it happens.
	OnOutcome func(Outcome)
}

// Result summarizes a prune.
type Result struct {
	DryRun     bool        `json:"dry_run"`
	Candidates []Candidate `json:"candidates"`
	Outcomes   []Outcome   `json:"outcomes,omitempty"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	// Err aggregates every DeletionError; nil when nothing failed.
	Err error `json:"-"`
}

// Engine prunes the versions of one alias.
type Engine struct {
	store *version.Store
	obs   *observe.Observer
	now   func() time.Time
}

// New returns an engine for the alias served by store.
func New(store *version.Store, obs *observe.Observer) *Engine {
	if obs == nil {
		obs = observe.Nop()
	}
	return &Engine{store: store, obs: obs, now: time.Now}
}

// Prune validates the request, plans, and unless DryRun executes and
// reconciles under the alias lock.
func (e *Engine) Prune(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.obs.StartSpan(ctx, "retention.Prune")
	defer span.End()

	if err := req.Policy.Validate(); err != nil {
		return Result{}, err
	}
	sel, err := Glob(req.Pattern)
	if err != nil {
		return Result{}, err
	}

	plan := func() ([]Candidate, error) {
		c, err := e.store.Catalog().Read(ctx)
		if err != nil {
			return nil, err
		}
		cands := Plan(c, req.Policy, sel, e.now())
		for i := range cands {
			cands[i].Alias = e.store.Alias().Name
		}
		return cands, nil
	}

	if req.DryRun {
		cands, err := plan()
		if err != nil {
			return Result{}, err
		}
		return Result{DryRun: true, Candidates: cands}, nil
	}

	var res Result
	err = e.store.Locker().WithLock(ctx, func() error {
		cands, err := plan()
		if err != nil {
			return err
		}
		res.Candidates = cands
		res.Outcomes = e.Execute(cands, req.OnOutcome)
		return e.Reconcile(ctx, res.Outcomes)
	})
	if err != nil {
		return Result{}, err
	}

	var agg *multierror.Error
	for _, o := range res.Outcomes {
		if o.Succeeded() {
			res.Succeeded++
			continue
		}
		res.Failed++
		agg = multierror.Append(agg, &DeletionError{Candidate: o.Candidate, Err: o.Err})
	}
	res.Err = agg.ErrorOrNil()

	e.obs.Log().Info().
		Str("alias", e.store.Alias().Name).
		Str("policy", req.Policy.String()).
		Int("candidates", len(res.Candidates)).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("prune finished")
	return res, nil
}

// Execute removes the snapshot directory of every candidate. Failures are
// recorded and never stop the batch.
func (e *Engine) Execute(cands []Candidate, onOutcome func(Outcome)) []Outcome {
	out := make([]Outcome, 0, len(cands))
	for _, c := range cands {
		o := e.remove(c)
		if o.Status == StatusFailed {
			e.obs.Log().Warn().Str("artifact", c.Path).Str("version", c.VersionID).Err(o.Err).Msg("could not delete version")
		}
		if onOutcome != nil {
			onOutcome(o)
		}
		out = append(out, o)
	}
	return out
}

func (e *Engine) remove(c Candidate) Outcome {
	dir := e.store.SnapshotDir(c.Path, c.VersionID)
	if dir == "" {
		return Outcome{Candidate: c, Status: StatusFailed, Err: fmt.Errorf("cannot resolve snapshot directory of %s@%q", c.Path, c.VersionID)}
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.obs.Log().Warn().Str("artifact", c.Path).Str("version", c.VersionID).
				Msg("snapshot already missing, counting as removed")
			return Outcome{Candidate: c, Status: StatusAlreadyMissing}
		}
		return Outcome{Candidate: c, Status: StatusFailed, Err: err}
	}
	if err := os.RemoveAll(dir); err != nil {
		return Outcome{Candidate: c, Status: StatusFailed, Err: err}
	}
	return Outcome{Candidate: c, Status: StatusRemoved}
}

// Reconcile drops the catalog rows of successful outcomes only.
func (e *Engine) Reconcile(ctx context.Context, outcomes []Outcome) error {
	var keys []catalog.VersionKey
	for _, o := range outcomes {
		if o.Succeeded() {
			keys = append(keys, catalog.VersionKey{ArtifactID: o.Candidate.ArtifactID, VersionID: o.Candidate.VersionID})
		}
	}
	return e.store.Catalog().RemoveVersions(ctx, keys)
}
