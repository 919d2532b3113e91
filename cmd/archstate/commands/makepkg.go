package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/archstate/pkg/fetch"
)

// templateFlags are the flags that render a PKGBUILD before it is used.
type templateFlags struct {
	template      string
	context       map[string]string
	env           string
	contextScript string
}

func (f *templateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.template, "template", "", "render the PKGBUILD with a template engine (go, jinja)")
	cmd.Flags().StringToStringVar(&f.context, "context", nil, "template variables as key=value")
	cmd.Flags().StringVar(&f.env, "env", "", "file_roots environment for froyo:// sources")
	cmd.Flags().StringVar(&f.contextScript, "context-script", "", "Starlark script whose globals become template variables")
}

func (f *templateFlags) apply(args map[string]interface{}) {
	setString(args, "template", f.template)
	setString(args, "env", f.env)
	setString(args, "context_script", f.contextScript)
	if len(f.context) > 0 {
		ctx := make(map[string]interface{}, len(f.context))
		for k, v := range f.context {
			ctx[k] = v
		}
		args["context"] = ctx
	}
}

func newMakepkgCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "makepkg",
		Short: "Build and install packages from PKGBUILDs",
	}
	cmd.AddCommand(newMakepkgInstalledCommand())
	cmd.AddCommand(newMakepkgPkgnameCommand())
	return cmd
}

func newMakepkgInstalledCommand() *cobra.Command {
	var (
		source         string
		upstreamSource string
		patches        []string
		noDeps         bool
		noCheck        bool
		tf             templateFlags
	)

	cmd := &cobra.Command{
		Use:   "installed NAME",
		Short: "Ensure a package built from a PKGBUILD is installed",
		Long: `Build a package with makepkg as the build user and install it.

The PKGBUILD comes from --source, or is downloaded from the AUR with yay
when --upstream-source names a package. Without either, NAME is the
PKGBUILD source. Patches are applied in order before the build.`,
		Example: `  # Build a local PKGBUILD
  archstate makepkg installed froyo://pkgbuilds/dwm/PKGBUILD

  # Build an AUR package with local patches
  archstate makepkg installed st --upstream-source st \
    --patch froyo://patches/st-scrollback.diff --patch froyo://patches/st-alpha.diff

  # Render a templated PKGBUILD
  archstate makepkg installed tool --source froyo://pkgbuilds/tool/PKGBUILD.tmpl \
    --template go --context version=1.2.3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateArgs := map[string]interface{}{}
			setString(stateArgs, "source", source)
			setString(stateArgs, "upstream_source", upstreamSource)
			if len(patches) > 0 {
				list := make([]interface{}, 0, len(patches))
				for _, p := range patches {
					list = append(list, p)
				}
				stateArgs["patches"] = list
			}
			if noDeps {
				stateArgs["install_deps"] = false
			}
			if noCheck {
				stateArgs["check"] = false
			}
			tf.apply(stateArgs)
			return runSingle(cmd, "makepkg.installed", args[0], stateArgs)
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "PKGBUILD source")
	cmd.Flags().StringVar(&upstreamSource, "upstream-source", "", "AUR package whose PKGBUILD is built")
	cmd.Flags().StringArrayVar(&patches, "patch", nil, "patch applied before the build (repeatable)")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "do not install missing dependencies")
	cmd.Flags().BoolVar(&noCheck, "no-check", false, "skip the check() function")
	cmd.MarkFlagsMutuallyExclusive("source", "upstream-source")
	tf.register(cmd)

	return cmd
}

func newMakepkgPkgnameCommand() *cobra.Command {
	var tf templateFlags

	cmd := &cobra.Command{
		Use:   "pkgname SOURCE",
		Short: "Print the package name a PKGBUILD builds",
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

			fileArgs := map[string]interface{}{"source": args[0]}
			tf.apply(fileArgs)
			pkgname, err := h.Makepkg.GetPkgname(cmd.Context(), args[0], fetch.ExtractFileManagedArgs(fileArgs))
			if err != nil {
				return err
			}
			if pkgname == "" {
				return fmt.Errorf("could not parse package name from PKGBUILD at %s", args[0])
			}

			if jsonOutput {
				return writeJSON(e.out, map[string]interface{}{
					"source":    args[0],
					"pkgname":   pkgname,
					"installed": h.Makepkg.IsInstalled(cmd.Context(), pkgname),
				})
			}
			_, err = fmt.Fprintln(e.out, pkgname)
			return err
		},
	}

	tf.register(cmd)
	return cmd
}
