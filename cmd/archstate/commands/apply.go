package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/policy"
)

const watchDebounce = 500 * time.Millisecond

func newApplyCommand() *cobra.Command {
	var (
		watch       bool
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "apply STATEFILE",
		Short: "Apply a state file",
		Long: `Apply every state of a YAML state file on this host.

This command:
  - Validates the file against the state file schema
  - Orders the states by their require lists
  - Checks the states against the policies and stops on a denial
  - Runs each state, skipping states whose requisites failed
  - Records the run in the run history

With --watch the file is applied again whenever it or a policy file changes.`,
		Example: `  # Apply a state file
  archstate apply /srv/archstate/workstation.yaml

  # Show what would change
  archstate --test apply /srv/archstate/workstation.yaml

  # Re-apply on every change and export metrics for node_exporter
  archstate apply workstation.yaml --watch --metrics-file /var/lib/node_exporter/archstate.prom`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, func(cfg *config.Config) {
				if metricsFile != "" {
					cfg.Telemetry.Metrics.Textfile = metricsFile
				}
			})
			if err != nil {
				return err
			}
			defer e.close()

			if watch {
				return watchAndApply(cmd.Context(), e, args[0])
			}
			return applyFile(cmd.Context(), e, args[0])
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-apply when the state file or a policy changes")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write prometheus metrics to this file after each run")

	return cmd
}

func applyFile(ctx context.Context, e *env, path string) error {
	decls, err := config.NewStateFileParser().ParseFile(ctx, path)
	if err != nil {
		return err
	}
	return e.applyLocal(ctx, path, decls)
}

// watchAndApply applies path once and then again after every change to it or
// to the configured policies, until ctx is done.
func watchAndApply(ctx context.Context, e *env, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	run := func() {
		err := applyFile(ctx, e, abs)
		if err != nil && !errors.Is(err, ErrStatesFailed) {
			e.logger.Error().Err(err).Str("file", abs).Msg("Apply failed")
		}
	}
	run()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so the directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	trigger := make(chan struct{}, 1)
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	if len(e.cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(e.logger)
		err := loader.Watch(ctx, e.cfg.Policy.Paths, func([]policy.Policy) error {
			notify()
			return nil
		})
		if err != nil {
			return err
		}
	}

	e.logger.Info().Str("file", abs).Msg("Watching for changes")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, notify)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn().Err(err).Msg("Watcher error")

		case <-trigger:
			e.logger.Info().Str("file", abs).Msg("Change detected, applying again")
			run()
		}
	}
}
