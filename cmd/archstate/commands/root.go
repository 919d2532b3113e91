package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gookit/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	testMode   bool

	appVersion = "dev"
)

// ErrStatesFailed is returned when a run finished with at least one failed
// state or was denied by policy. main maps it to exit status 2.
var ErrStatesFailed = errors.New("one or more states failed")

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	appVersion = version

	rootCmd := &cobra.Command{
		Use:   "archstate",
		Short: "archstate - declarative package state for Arch Linux",
		Long: `archstate brings a host to a declared package state: AppImages,
AUR packages installed through yay, and packages built from PKGBUILDs with
makepkg.

States can be applied one at a time from the command line or from a YAML
state file, locally or on a remote host through archstate-runner. Every
state file run is checked against rego policies and recorded in a local
run history.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			color.Enable = !jsonOutput && cmd.OutOrStdout() == io.Writer(os.Stdout) &&
				term.IsTerminal(int(os.Stdout.Fd()))
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default /etc/archstate/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&testMode, "test", false, "report what would change without changing anything")

	rootCmd.AddCommand(newAppImageCommand())
	rootCmd.AddCommand(newAURCommand())
	rootCmd.AddCommand(newMakepkgCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newRemoteCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
