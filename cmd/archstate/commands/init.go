package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		force   bool
		noKeys  bool
		keyName string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize archstate on this host",
		Long: `Initialize archstate with a configuration file, its directories, the run
history database and an SSH key for remote runs.

An existing config file is kept unless --force is given; its paths are then
used for the remaining steps.`,
		Example: `  # Initialize with the default config path
  sudo archstate init

  # Initialize a user-level setup
  archstate init --config ~/.config/archstate/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath
			}
			out := cmd.OutOrStdout()
			log.Info().Str("config", path).Bool("force", force).Msg("Initializing archstate")

			cfg, created, err := initConfig(path, force, noKeys, keyName)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "✓ Created config file: %s\n", path)
			} else {
				fmt.Fprintf(out, "✓ Config file already exists: %s\n", path)
			}

			dirs := append([]string{cfg.CacheDir}, cfg.FileRoots...)
			if cfg.Store.Path != "" {
				dirs = append(dirs, filepath.Dir(cfg.Store.Path))
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			if cfg.Store.Path != "" {
				store, err := stores.Open(cmd.Context(), cfg.Store.Path)
				if err != nil {
					return fmt.Errorf("failed to initialize run history: %w", err)
				}
				if err := store.Close(); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Initialized run history: %s\n", cfg.Store.Path)
			}

			if !noKeys && cfg.SFTP.PrivateKeyPath != "" {
				if err := ensureKeypair(out, cfg.SFTP.PrivateKeyPath); err != nil {
					return err
				}
			}

			if len(cfg.FileRoots) > 0 {
				top := filepath.Join(cfg.FileRoots[0], "top.yaml")
				fmt.Fprintf(out, "\nNext steps:\n")
				fmt.Fprintf(out, "  1. Put state files under %s\n", cfg.FileRoots[0])
				fmt.Fprintf(out, "  2. Check one:  archstate validate %s\n", top)
				fmt.Fprintf(out, "  3. Dry run:    archstate --test apply %s\n", top)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&noKeys, "no-keygen", false, "do not generate an SSH key for remote runs")
	cmd.Flags().StringVar(&keyName, "key-name", "id_ed25519", "file name of the generated SSH key, next to the config file")

	return cmd
}

// initConfig writes the default config to path unless a config already
// exists there, and returns the config in effect.
func initConfig(path string, force, noKeys bool, keyName string) (*config.Config, bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, false, err
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	cfg := config.Default()
	if !noKeys {
		cfg.SFTP.PrivateKeyPath = filepath.Join(filepath.Dir(path), "keys", keyName)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	content := append([]byte("# archstate configuration\n"), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return nil, false, fmt.Errorf("failed to write config file: %w", err)
	}
	return cfg, true, nil
}

// ensureKeypair generates an ed25519 key at keyPath unless one exists.
func ensureKeypair(out io.Writer, keyPath string) error {
	if _, err := os.Stat(keyPath); err == nil {
		fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(keyPath), err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBlock, err := sshpkg.MarshalPrivateKey(privKey, "archstate")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBlock), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
	fmt.Fprintf(out, "  Add %s.pub to authorized_keys on the hosts you run remote apply against\n", keyPath)
	return nil
}
