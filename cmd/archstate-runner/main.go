// Package main implements archstate-runner, a self-contained binary that
// applies states on the host it runs on. It reads commands as JSON lines on
// stdin, answers on stdout and logs to stderr. It exits when stdin closes or
// its TTL expires, optionally deleting itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/host"
	"github.com/openfroyo/archstate/pkg/micro_runner/server"
)

// Version information (set via ldflags during build)
var Version = "dev"

func main() {
	setupLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := newRootCommand().execute(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Runner failed")
		os.Exit(1)
	}
	os.Exit(code)
}

// setupLogging sends JSON logs to stderr; stdout carries the protocol.
func setupLogging() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "archstate-runner").Logger()

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

type rootCommand struct {
	cmd *cobra.Command

	configPath string
	buildUser  string
	ttl        time.Duration
	selfDelete bool

	exitCode int
}

func newRootCommand() *rootCommand {
	rc := &rootCommand{}
	rc.cmd = &cobra.Command{
		Use:           "archstate-runner",
		Short:         "Apply archstate states on this host over stdio",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          rc.run,
	}
	flags := rc.cmd.Flags()
	flags.StringVarP(&rc.configPath, "config", "c", config.DefaultPath, "config file path")
	flags.StringVar(&rc.buildUser, "build-user", "", "override pacman.nonroot_builder")
	flags.DurationVar(&rc.ttl, "ttl", server.DefaultTTL, "exit after this long")
	flags.BoolVar(&rc.selfDelete, "self-delete", false, "remove the runner binary on exit")
	return rc
}

func (rc *rootCommand) execute(ctx context.Context) (int, error) {
	if err := rc.cmd.ExecuteContext(ctx); err != nil {
		return 1, err
	}
	return rc.exitCode, nil
}

func (rc *rootCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return err
	}
	if rc.buildUser != "" {
		cfg.Pacman.NonrootBuilder = rc.buildUser
	}

	tel, err := newTelemetry(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	h, err := host.New(cfg, tel, Version)
	if err != nil {
		return err
	}

	srv := &server.Server{
		Handler:    h.Dispatcher(),
		Version:    Version,
		TTL:        rc.ttl,
		Logger:     log.Logger,
		SelfDelete: rc.selfDelete,
	}
	if rc.selfDelete {
		if srv.ExecPath, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	exit := srv.Serve(cmd.Context(), os.Stdin, os.Stdout)
	log.Info().
		Str("reason", exit.Reason).
		Int("commands", exit.CommandsTotal).
		Bool("self_deleted", exit.SelfDeleted).
		Msg("Runner exiting")
	rc.exitCode = exit.ExitCode
	return nil
}
