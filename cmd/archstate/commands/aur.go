package commands

import (
	"github.com/spf13/cobra"
)

func newAURCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aur",
		Short: "Manage AUR packages through yay",
	}
	cmd.AddCommand(newAURStateCommand("installed", "aurpkg.installed",
		"Ensure AUR packages are installed",
		`  # Install one package named after the state
  archstate aur installed visual-studio-code-bin

  # Install several packages under one state
  archstate aur installed editors --pkgs neovim-git,helix-git`))
	cmd.AddCommand(newAURStateCommand("check", "aurpkg.check_installed",
		"Check that AUR packages are installed without installing them",
		`  archstate aur check editors --pkgs neovim-git,helix-git`))
	return cmd
}

func newAURStateCommand(use, function, short, example string) *cobra.Command {
	var pkgs []string

	cmd := &cobra.Command{
		Use:     use + " NAME",
		Short:   short,
		Example: example,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateArgs := map[string]interface{}{}
			if len(pkgs) > 0 {
				list := make([]interface{}, 0, len(pkgs))
				for _, p := range pkgs {
					list = append(list, p)
				}
				stateArgs["pkgs"] = list
			}
			return runSingle(cmd, function, args[0], stateArgs)
		},
	}

	cmd.Flags().StringSliceVar(&pkgs, "pkgs", nil, "packages to check (default: NAME)")
	return cmd
}
