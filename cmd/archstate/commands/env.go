package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/host"
	"github.com/openfroyo/archstate/pkg/policy"
	"github.com/openfroyo/archstate/pkg/stores"
	"github.com/openfroyo/archstate/pkg/telemetry"
)

// hostOptions are passed to every host.New. Tests swap the executor and
// module checks through it.
var hostOptions []host.Option

// env is the configuration and telemetry shared by a command.
type env struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	out    io.Writer
}

// loadEnv reads the config file and sets up telemetry. The global flags and
// then overrides are applied over the file.
func loadEnv(cmd *cobra.Command, overrides ...func(*config.Config)) (*env, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	if testMode {
		cfg.Test = true
	}
	for _, override := range overrides {
		override(cfg)
	}
	return newEnv(cmd, cfg)
}

func newEnv(cmd *cobra.Command, cfg *config.Config) (*env, error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(appVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.StartMetricsServer()

	return &env{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		out:    cmd.OutOrStdout(),
	}, nil
}

// close flushes telemetry.
func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// host wires the local modules and state functions.
func (e *env) host() (*host.Host, error) {
	return host.New(e.cfg, e.tel, appVersion, hostOptions...)
}

// policyEngine builds the policy engine from the policy section of the
// config.
func (e *env) policyEngine(ctx context.Context) (*policy.Engine, error) {
	var opts []policy.Option
	if e.cfg.Policy.DisableBuiltin {
		opts = append(opts, policy.WithoutBuiltins())
	}
	if len(e.cfg.Policy.TrustedHosts) > 0 {
		trusted := make([]interface{}, 0, len(e.cfg.Policy.TrustedHosts))
		for _, h := range e.cfg.Policy.TrustedHosts {
			trusted = append(trusted, h)
		}
		opts = append(opts, policy.WithData(map[string]interface{}{"trusted_hosts": trusted}))
	}

	eng, err := policy.NewEngine(e.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(e.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, e.cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return eng, nil
}

// policyContext describes a run on hostname to the policies.
func (e *env) policyContext(hostname string) policy.PolicyContext {
	username := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return policy.PolicyContext{
		User:      username,
		BuildUser: e.cfg.BuildUser(),
		Hostname:  hostname,
		Test:      e.cfg.Test,
		Timestamp: time.Now(),
	}
}

// openStore opens the run history. It returns nil without error when the
// history is disabled.
func (e *env) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if e.cfg.Store.Path == "" {
		return nil, nil
	}
	return stores.Open(ctx, e.cfg.Store.Path)
}

// apply runs decls against reg with the policy gate and run history, prints
// the report and returns ErrStatesFailed when a state failed or the run was
// denied.
func (e *env) apply(ctx context.Context, source string, decls []engine.StateDecl, reg *engine.Registry, hostname string) (*engine.RunReport, error) {
	eng, err := e.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	opts := []engine.ApplierOption{
		engine.WithPolicyGate(policy.NewGate(eng, e.policyContext(hostname))),
		engine.WithTelemetry(e.tel),
	}

	var recorder *stores.Recorder
	store, err := e.openStore(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", e.cfg.Store.Path).Msg("Run history disabled")
	} else if store != nil {
		defer store.Close()
		recorder = stores.NewRecorder(store, e.logger)
		opts = append(opts, engine.WithRecorder(recorder))
	}

	applier := engine.NewApplier(reg, e.logger, opts...)
	report, err := applier.Apply(ctx, source, decls, e.cfg.Test)

	var denied *engine.PolicyDeniedError
	if errors.As(err, &denied) {
		if recorder != nil {
			deniedRun := &engine.RunReport{
				RunID:     uuid.New().String(),
				Source:    source,
				Test:      e.cfg.Test,
				StartedAt: time.Now(),
			}
			if err := recorder.RunDenied(ctx, deniedRun, denied); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to record denied run")
			}
		}
		if err := printDenied(e.out, denied); err != nil {
			return nil, err
		}
		return nil, ErrStatesFailed
	}
	if err != nil {
		return nil, err
	}

	if err := e.tel.Metrics.WriteTextfile(e.cfg.Telemetry.Metrics.Textfile); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to write metrics textfile")
	}
	if err := printReport(e.out, report); err != nil {
		return report, err
	}
	if report.Failed > 0 {
		return report, ErrStatesFailed
	}
	return report, nil
}

// applyLocal runs decls on this machine.
func (e *env) applyLocal(ctx context.Context, source string, decls []engine.StateDecl) error {
	h, err := e.host()
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	_, err = e.apply(ctx, source, decls, h.Registry, hostname)
	return err
}

// runSingle applies one state given on the command line.
func runSingle(cmd *cobra.Command, function, name string, args map[string]interface{}) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	decl := engine.StateDecl{ID: name, Function: function, Name: name, Args: args}
	return e.applyLocal(cmd.Context(), "cli:"+function, []engine.StateDecl{decl})
}
