package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/micro_runner/client"
	"github.com/openfroyo/archstate/pkg/transports/ssh"
)

const runnerBinary = "archstate-runner"

// remoteOptions are the flags of "remote apply".
type remoteOptions struct {
	host     string
	user     string
	port     int
	identity string
	runner   string
	ttl      time.Duration
	local    bool
	insecure bool
}

func newRemoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Apply states on other hosts through archstate-runner",
	}
	cmd.AddCommand(newRemoteApplyCommand())
	return cmd
}

func newRemoteApplyCommand() *cobra.Command {
	var opts remoteOptions

	cmd := &cobra.Command{
		Use:   "apply STATEFILE",
		Short: "Apply a state file on a remote host",
		Long: `Apply a state file on a remote host.

The state file is parsed and checked against the policies here. The
archstate-runner binary is uploaded to the host over SFTP, started over SSH
and removes itself when the run is over. Each state runs on the host; the
results are recorded in the local run history.

--local starts the runner as a child process instead, which is useful to
run states as root from an unprivileged shell with runner.sudo set.`,
		Example: `  # Apply on a host with the ssh agent or default key
  archstate remote apply workstation.yaml --host 10.0.0.12 --user admin

  # Use a specific runner build and key
  archstate remote apply workstation.yaml --host build01 --runner ./bin/archstate-runner -i ~/.ssh/id_ed25519`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.host == "" && !opts.local {
				return fmt.Errorf("either --host or --local is required")
			}

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			return remoteApply(cmd.Context(), e, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "remote host")
	cmd.Flags().StringVar(&opts.user, "user", "", "ssh user (default sftp.user, then $USER)")
	cmd.Flags().IntVar(&opts.port, "port", 22, "ssh port")
	cmd.Flags().StringVarP(&opts.identity, "identity", "i", "", "ssh private key (default sftp.private_key_path)")
	cmd.Flags().StringVar(&opts.runner, "runner", "", "local archstate-runner binary (default runner.path, then next to archstate)")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 2*time.Hour, "lifetime of the remote runner")
	cmd.Flags().BoolVar(&opts.local, "local", false, "start the runner on this machine")
	cmd.Flags().BoolVar(&opts.insecure, "insecure-ignore-host-key", false, "skip host key verification")
	cmd.MarkFlagsMutuallyExclusive("host", "local")

	return cmd
}

func remoteApply(ctx context.Context, e *env, path string, opts remoteOptions) error {
	decls, err := config.NewStateFileParser().ParseFile(ctx, path)
	if err != nil {
		return err
	}

	runnerPath, err := resolveRunner(e.cfg, opts.runner)
	if err != nil {
		return err
	}
	runnerArgs := []string{"--self-delete", "--ttl", opts.ttl.String()}

	var (
		transport client.Transport
		hostname  string
	)
	if opts.local {
		hostname, _ = os.Hostname()
		transport = &client.LocalTransport{Sudo: e.cfg.Runner.Sudo, Args: runnerArgs, Stderr: os.Stderr}
	} else {
		hostname = opts.host
		conn, err := ssh.Dial(ctx, sshConfig(e.cfg, opts), e.logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		rt := ssh.NewRunnerTransport(conn, e.cfg.Runner.Sudo)
		rt.Args = runnerArgs
		transport = rt
	}

	c, err := client.NewClient(client.Config{
		Transport:      transport,
		RunnerPath:     runnerPath,
		RemotePath:     filepath.Join(e.cfg.Runner.RemoteDir, runnerBinary+"-"+uuid.New().String()[:8]),
		CommandTimeout: e.cfg.Runner.CommandTimeout,
		Logger:         e.logger,
	})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runner on %s: %w", hostname, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			e.logger.Warn().Err(err).Str("host", hostname).Msg("Failed to stop runner")
		}
	}()

	reg, err := c.Registry()
	if err != nil {
		return err
	}
	_, err = e.apply(ctx, hostname+":"+path, decls, reg, hostname)
	return err
}

// sshConfig merges the flags over the sftp section of the config.
func sshConfig(cfg *config.Config, opts remoteOptions) *ssh.Config {
	user := opts.user
	if user == "" {
		user = cfg.SFTP.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	sc := ssh.DefaultConfig(opts.host, user)
	sc.Port = opts.port
	key := opts.identity
	if key == "" {
		key = cfg.SFTP.PrivateKeyPath
	}
	if key != "" {
		sc.AuthMethod = ssh.AuthMethodKey
		sc.PrivateKeyPath = key
	}
	if cfg.SFTP.KnownHostsPath != "" {
		sc.KnownHostsPath = cfg.SFTP.KnownHostsPath
	}
	sc.InsecureIgnoreHostKey = opts.insecure || cfg.SFTP.InsecureIgnoreHostKey
	return sc
}

// resolveRunner finds the runner binary: the flag, then runner.path, then
// archstate-runner next to the running executable.
func resolveRunner(cfg *config.Config, flag string) (string, error) {
	path := flag
	if path == "" {
		path = cfg.Runner.Path
	}
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("failed to locate %s: %w", runnerBinary, err)
		}
		path = filepath.Join(filepath.Dir(exe), runnerBinary)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("runner binary not found: %w", err)
	}
	return path, nil
}
