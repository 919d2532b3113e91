package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/checksum"
)

func newAppImageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appimage",
		Short: "Manage AppImages",
	}
	cmd.AddCommand(newAppImageInstalledCommand())
	cmd.AddCommand(newAppImageRemovedCommand())
	cmd.AddCommand(newAppImageStatusCommand())
	return cmd
}

func newAppImageInstalledCommand() *cobra.Command {
	var (
		source       string
		targetDir    string
		sum          string
		checksumType string
		signature    string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "installed NAME",
		Short: "Ensure an AppImage is installed",
		Long: `Download an AppImage into the target directory and make it executable.

An existing file is left alone unless --force is given or its checksum does
not match --checksum.`,
		Example: `  # Install from a release URL
  archstate appimage installed obsidian --source https://example.com/Obsidian.AppImage

  # Pin the download and see what would happen
  archstate --test appimage installed obsidian --source froyo://apps/Obsidian.AppImage \
    --checksum 3f1c... --checksum-type sha256`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateArgs := map[string]interface{}{"source": source}
			setString(stateArgs, "target_dir", targetDir)
			setString(stateArgs, "checksum", sum)
			setString(stateArgs, "checksum_type", checksumType)
			setString(stateArgs, "signature", signature)
			if force {
				stateArgs["force"] = true
			}
			return runSingle(cmd, "appimage.installed", args[0], stateArgs)
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "AppImage source (http(s)://, froyo://, s3://, sftp:// or a local path)")
	cmd.Flags().StringVar(&targetDir, "target-dir", "", "directory the AppImage is installed into (default /usr/local/bin)")
	cmd.Flags().StringVar(&sum, "checksum", "", `expected checksum of the AppImage, optionally as "type=hex"`)
	cmd.Flags().StringVar(&checksumType, "checksum-type", "",
		fmt.Sprintf("checksum algorithm, one of %s (default %s)", strings.Join(checksum.Types(), ", "), checksum.DefaultType))
	cmd.Flags().StringVar(&signature, "signature", "", "detached OpenPGP signature source")
	cmd.Flags().BoolVar(&force, "force", false, "reinstall even if the file exists")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func newAppImageRemovedCommand() *cobra.Command {
	var targetDir string

	cmd := &cobra.Command{
		Use:   "removed NAME",
		Short: "Ensure an AppImage is absent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateArgs := map[string]interface{}{}
			setString(stateArgs, "target_dir", targetDir)
			return runSingle(cmd, "appimage.removed", args[0], stateArgs)
		},
	}

	cmd.Flags().StringVar(&targetDir, "target-dir", "", "directory the AppImage is installed into (default /usr/local/bin)")
	return cmd
}

func newAppImageStatusCommand() *cobra.Command {
	var targetDir string

	cmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Report whether an AppImage is installed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			h, err := e.host()
			if err != nil {
				return err
			}
			name := args[0]
			installed := h.AppImage.IsInstalled(name, targetDir)

			if jsonOutput {
				return writeJSON(e.out, map[string]interface{}{"name": name, "installed": installed})
			}
			status := "not installed"
			if installed {
				status = "installed"
			}
			_, err = fmt.Fprintf(e.out, "%s: %s\n", name, status)
			return err
		},
	}

	cmd.Flags().StringVar(&targetDir, "target-dir", "", "directory the AppImage is installed into (default /usr/local/bin)")
	return cmd
}

// setString sets args[key] unless value is empty.
func setString(args map[string]interface{}, key, value string) {
	if value != "" {
		args[key] = value
	}
}
