package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/felixgeelhaar/strata/internal/config"
	"github.com/felixgeelhaar/strata/internal/observe"
	"github.com/felixgeelhaar/strata/internal/repo"
	"github.com/felixgeelhaar/strata/internal/ui"
	"github.com/felixgeelhaar/strata/internal/ui/tui"
)

// env is what every command runs against.
type env struct {
	repo  *repo.Repo
	cfg   *config.Config
	obs   *observe.Observer
	out   io.Writer
	alias string
	json  bool
}

func (e *env) Close() {
	if err := e.repo.Close(); err != nil {
		e.obs.Log().Warn().Err(err).Msg("closing catalogs")
	}
	_ = e.obs.Close()
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (*config.Config, error) {
	path, explicit := configPath, configPath != ""
	if !explicit {
		path = config.DefaultPath()
		explicit = os.Getenv(config.EnvConfig) != ""
	}
	return config.LoadOrDefault(path, explicit)
}

// newEnv loads the configuration and opens the repo. With no aliases
// configured the working directory becomes the "default" alias.
func newEnv(out io.Writer) (*env, error) {
	var obs *observe.Observer
	if jsonOut {
		obs = observe.NewJSON(os.Stderr, verbose)
	} else {
		obs = observe.New(os.Stderr, verbose)
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if len(cfg.Aliases) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.Aliases["default"] = wd
		cfg.DefaultAlias = "default"
	}
	r, err := openRepo(cfg, obs)
	if err != nil {
		return nil, err
	}
	return &env{repo: r, cfg: cfg, obs: obs, out: out, alias: aliasName, json: jsonOut}, nil
}

func openRepo(cfg *config.Config, obs *observe.Observer) (*repo.Repo, error) {
	reg, err := repo.RegistryFromConfig(cfg, obs)
	if err != nil {
		return nil, err
	}
	opts, err := repo.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Interactive = ui.IsInteractive
	opts.Picker = tui.Pick
	return repo.New(reg, obs, opts), nil
}
