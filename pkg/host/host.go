// Package host assembles the execution modules and state functions for the
// machine archstate runs on. The CLI and archstate-runner both build their
// state registry here.
package host

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/fetch"
	"github.com/openfroyo/archstate/pkg/micro_runner/handlers"
	"github.com/openfroyo/archstate/pkg/modules"
	"github.com/openfroyo/archstate/pkg/runner"
	"github.com/openfroyo/archstate/pkg/states"
	"github.com/openfroyo/archstate/pkg/telemetry"
)

// Host holds everything needed to run states locally.
type Host struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger

	Executor runner.Executor
	Fetcher  *fetch.Fetcher
	Pacman   *modules.PacmanBuild
	AppImage *modules.AppImage
	Makepkg  *modules.Makepkg
	Registry *engine.Registry
}

type options struct {
	executor runner.Executor
	checks   *modules.Checks
	fetchCfg *fetch.Config
}

// Option configures New.
type Option func(*options)

// WithExecutor replaces the build-user runner, mostly for tests.
func WithExecutor(e runner.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithChecks replaces the module availability checks.
func WithChecks(c *modules.Checks) Option {
	return func(o *options) { o.checks = c }
}

// WithFetchConfig overrides the fetch settings derived from the config.
func WithFetchConfig(fc fetch.Config) Option {
	return func(o *options) { o.fetchCfg = &fc }
}

// New wires the modules and registers every state function. tel may be nil.
func New(cfg *config.Config, tel *telemetry.Telemetry, version string, opts ...Option) (*Host, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.Nop()
	component := func(string) zerolog.Logger { return zerolog.Nop() }
	var metrics *telemetry.Metrics
	if tel != nil {
		logger = tel.Logger.Zerolog()
		component = func(name string) zerolog.Logger {
			return tel.Logger.NewComponentLogger(name).Zerolog()
		}
		metrics = tel.Metrics
	}

	exec := o.executor
	if exec == nil {
		exec = runner.New(cfg.BuildUser(), logger, runner.WithMetrics(metrics))
	}

	fc := fetch.ConfigFrom(cfg, version)
	if o.fetchCfg != nil {
		fc = *o.fetchCfg
	}
	fetcher := fetch.New(fc, logger, fetch.WithMetrics(metrics))

	pacman := modules.NewPacmanBuild(exec)
	h := &Host{
		Config:    cfg,
		Telemetry: tel,
		Logger:    logger,
		Executor:  exec,
		Fetcher:   fetcher,
		Pacman:    pacman,
		AppImage:  modules.NewAppImage(fetcher, component("appimage")),
		Makepkg:   modules.NewMakepkg(fetcher, pacman, component("makepkg")),
		Registry:  engine.NewRegistry(),
	}

	checks := o.checks
	if checks == nil {
		checks = modules.NewChecks()
	}
	checks.Register(h.Registry)

	set := states.New(h.AppImage, h.Makepkg, pacman, config.NewSchemaRegistry())
	if err := set.Register(h.Registry); err != nil {
		return nil, fmt.Errorf("failed to register states: %w", err)
	}
	return h, nil
}

// Dispatcher exposes the host to archstate-runner commands.
func (h *Host) Dispatcher() *handlers.Dispatcher {
	return &handlers.Dispatcher{
		Exec: &handlers.ExecHandler{Executor: h.Executor},
		State: &handlers.StateHandler{
			Registry:  h.Registry,
			Logger:    h.Logger,
			Telemetry: h.Telemetry,
		},
		Module: &handlers.ModuleHandler{
			AppImage: h.AppImage,
			Makepkg:  h.Makepkg,
			Pacman:   h.Pacman,
		},
	}
}
