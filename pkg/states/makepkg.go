package states

import (
	"context"
	"fmt"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/fetch"
	"github.com/openfroyo/archstate/pkg/modules"
)

// MakepkgInstalled builds and installs a package from a PKGBUILD. Without
// source or upstream_source the state name is the PKGBUILD source.
func (s *States) MakepkgInstalled(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
	opts := modules.DefaultBuildOptions()
	var err error

	if opts.Source, err = stringArg(args, "source"); err != nil {
		return engine.Fail(name, err.Error())
	}
	if opts.UpstreamSource, err = stringArg(args, "upstream_source"); err != nil {
		return engine.Fail(name, err.Error())
	}
	if opts.Patches, _, err = stringListArg(args, "patches"); err != nil {
		return engine.Fail(name, err.Error())
	}
	if opts.InstallDeps, err = boolArg(args, "install_deps", true); err != nil {
		return engine.Fail(name, err.Error())
	}
	if opts.Check, err = boolArg(args, "check", true); err != nil {
		return engine.Fail(name, err.Error())
	}
	opts.File = fetch.ExtractFileManagedArgs(args)

	if opts.Source != "" && opts.UpstreamSource != "" {
		return engine.Fail(name, "Cannot specify both 'source' and 'upstream_source'")
	}
	if opts.Source == "" && opts.UpstreamSource == "" {
		opts.Source = name
	}

	pkgname := opts.UpstreamSource
	if pkgname == "" {
		pkgname, err = s.makepkg.GetPkgname(ctx, opts.Source, opts.File)
		if err != nil {
			return engine.Fail(name, fmt.Sprintf("Error retrieving PKGBUILD from %s: %s", opts.Source, engine.Comment(err)))
		}
		if pkgname == "" {
			return engine.Fail(name, fmt.Sprintf("Could not parse package name from PKGBUILD at %s", opts.Source))
		}
	}

	installed := s.makepkg.IsInstalled(ctx, pkgname)

	if sc.Test {
		if installed {
			return engine.StateResult{
				Name:    name,
				Result:  engine.ResultTrue,
				Changes: engine.Changes{},
				Comment: fmt.Sprintf("Package %s is already installed", pkgname),
			}
		}
		from := opts.Source
		if from == "" {
			from = "AUR package " + opts.UpstreamSource
		}
		return engine.StateResult{
			Name:    name,
			Result:  engine.ResultNone,
			Changes: engine.OldNew(pkgname+" not installed", pkgname+" installed"),
			Comment: fmt.Sprintf("Would build and install %s from %s", pkgname, from),
		}
	}

	outcome, err := s.makepkg.Installed(ctx, opts)
	if err != nil {
		sc.Logger.Error().Err(err).Str("pkgname", pkgname).Msg("makepkg failed")
		return engine.Fail(name, "Error: "+engine.Comment(err))
	}

	switch outcome.Kind {
	case modules.BuildAlreadyInstalled:
		return engine.StateResult{Name: name, Result: engine.ResultTrue, Changes: engine.Changes{}, Comment: outcome.Message}
	case modules.BuildNewlyInstalled:
		return engine.StateResult{
			Name:    name,
			Result:  engine.ResultTrue,
			Changes: engine.OldNew(pkgname+" not installed", pkgname+" installed"),
			Comment: outcome.Message,
		}
	default:
		return engine.Fail(name, outcome.Message)
	}
}
