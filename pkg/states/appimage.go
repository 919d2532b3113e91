package states

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/fetch"
	"github.com/openfroyo/archstate/pkg/modules"
)

var appImageSuffix = regexp.MustCompile(`(?i)\.AppImage$`)

// ExtractNameFromSource derives an install name from a source URI: the base
// name of its path without a trailing .AppImage.
func ExtractNameFromSource(source string) string {
	p := source
	if strings.HasPrefix(source, fetch.FroyoPrefix) {
		p = strings.TrimPrefix(source, fetch.FroyoPrefix)
	} else if u, err := url.Parse(source); err == nil {
		p = u.Path
	}
	return appImageSuffix.ReplaceAllString(path.Base(p), "")
}

// appImageArgs are the arguments of appimage.installed.
type appImageArgs struct {
	source       string
	targetDir    string
	checksum     string
	checksumType string
	force        bool
	signature    string
	pkgs         []interface{}
	hasPkgs      bool
}

func parseAppImageArgs(args map[string]interface{}) (*appImageArgs, error) {
	a := &appImageArgs{}
	var err error
	if a.source, err = stringArg(args, "source"); err != nil {
		return nil, err
	}
	if a.targetDir, err = stringArg(args, "target_dir"); err != nil {
		return nil, err
	}
	if a.checksum, err = stringArg(args, "checksum"); err != nil {
		return nil, err
	}
	if a.checksumType, err = stringArg(args, "checksum_type"); err != nil {
		return nil, err
	}
	if a.signature, err = stringArg(args, "signature"); err != nil {
		return nil, err
	}
	if a.force, err = boolArg(args, "force", false); err != nil {
		return nil, err
	}
	if a.targetDir == "" {
		a.targetDir = modules.DefaultTargetDir
	}
	if a.checksumType == "" {
		a.checksumType = modules.DefaultChecksumType
	}

	switch pkgs := args["pkgs"].(type) {
	case nil:
	case []interface{}:
		a.pkgs, a.hasPkgs = pkgs, true
	default:
		return nil, fmt.Errorf("'pkgs' must be a list, got %T", pkgs)
	}
	return a, nil
}

// AppImageInstalled ensures one AppImage (source) or several (pkgs) are
// installed.
func (s *States) AppImageInstalled(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
	a, err := parseAppImageArgs(args)
	if err != nil {
		return engine.Fail(name, err.Error())
	}

	if a.hasPkgs {
		return s.installAppImages(ctx, sc, name, a)
	}

	if a.source == "" {
		return engine.Fail(name, "Either 'source' or 'pkgs' parameter must be provided")
	}

	return s.installAppImage(ctx, sc, modules.AppImageInstall{
		Name:         name,
		Source:       a.source,
		TargetDir:    a.targetDir,
		Checksum:     a.checksum,
		ChecksumType: a.checksumType,
		Force:        a.force,
		Signature:    a.signature,
	})
}

func (s *States) installAppImages(ctx context.Context, sc *engine.StateContext, name string, a *appImageArgs) engine.StateResult {
	var results []engine.StateResult
	changes := engine.Changes{}
	comments := make([]string, 0, len(a.pkgs))

	for _, entry := range a.pkgs {
		def, ok := entry.(map[string]interface{})
		if !ok {
			return engine.Fail(name, fmt.Sprintf("Invalid package definition: %v. Must be a dictionary.", entry))
		}
		if _, ok := def["source"]; !ok {
			return engine.Fail(name, "Package definition must include 'source' field")
		}
		if err := s.schemas.ValidateAgainstSchema(ctx, "appimage_pkg", def); err != nil {
			return engine.Fail(name, fmt.Sprintf("Invalid package definition: %v", err))
		}

		opts := modules.AppImageInstall{
			TargetDir:    a.targetDir,
			ChecksumType: a.checksumType,
			Force:        a.force,
		}
		opts.Source, _ = def["source"].(string)
		opts.Name, _ = def["name"].(string)
		if opts.Name == "" {
			opts.Name = ExtractNameFromSource(opts.Source)
		}
		if v, ok := def["target_dir"].(string); ok {
			opts.TargetDir = v
		}
		if v, ok := def["checksum_type"].(string); ok {
			opts.ChecksumType = v
		}
		if v, ok := def["force"].(bool); ok {
			opts.Force = v
		}
		opts.Checksum, _ = def["checksum"].(string)
		opts.Signature, _ = def["signature"].(string)

		res := s.installAppImage(ctx, sc, opts)
		results = append(results, res)
		if len(res.Changes) > 0 {
			changes[opts.Name] = res.Changes
		}
		comments = append(comments, fmt.Sprintf("%s: %s", opts.Name, res.Comment))
	}

	return engine.StateResult{
		Name:    name,
		Result:  aggregate(results),
		Changes: changes,
		Comment: strings.Join(comments, "\n"),
	}
}

// aggregate is False if any result is False, else None if any is None,
// else True.
func aggregate(results []engine.StateResult) engine.Result {
	out := engine.ResultTrue
	for _, r := range results {
		switch r.Result {
		case engine.ResultFalse:
			return engine.ResultFalse
		case engine.ResultNone:
			out = engine.ResultNone
		}
	}
	return out
}

func (s *States) installAppImage(ctx context.Context, sc *engine.StateContext, opts modules.AppImageInstall) engine.StateResult {
	ret := engine.NewStateResult(opts.Name)

	installed := s.appimage.IsInstalled(opts.Name, opts.TargetDir)
	if installed && !opts.Force {
		ret.Comment = fmt.Sprintf("AppImage %s is already installed", opts.Name)
		if sc.Test {
			ret.Result = engine.ResultNone
		}
		return ret
	}

	if sc.Test {
		ret.Result = engine.ResultNone
		old := "not installed"
		ret.Comment = fmt.Sprintf("AppImage %s would be installed", opts.Name)
		if installed {
			old = "installed"
			ret.Comment = fmt.Sprintf("AppImage %s would be reinstalled", opts.Name)
		}
		ret.Changes = engine.OldNew(old, "installed")
		return ret
	}

	res, err := s.appimage.Installed(ctx, opts)
	if err != nil {
		sc.Logger.Error().Err(err).Str("appimage", opts.Name).Msg("AppImage install failed")
		return engine.Fail(opts.Name, fmt.Sprintf("Failed to install AppImage %s: %s", opts.Name, engine.Comment(err)))
	}
	if !res.Result {
		comment := res.Comment
		if comment == "" {
			comment = "Installation failed"
		}
		return engine.Fail(opts.Name, comment)
	}
	ret.Changes = res.Changes
	ret.Comment = res.Comment
	return ret
}

// AppImageRemoved ensures an AppImage is not installed.
func (s *States) AppImageRemoved(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
	targetDir, err := stringArg(args, "target_dir")
	if err != nil {
		return engine.Fail(name, err.Error())
	}
	if targetDir == "" {
		targetDir = modules.DefaultTargetDir
	}

	ret := engine.NewStateResult(name)
	if !s.appimage.IsInstalled(name, targetDir) {
		ret.Comment = fmt.Sprintf("AppImage %s is not installed", name)
		if sc.Test {
			ret.Result = engine.ResultNone
		}
		return ret
	}

	if sc.Test {
		ret.Result = engine.ResultNone
		ret.Comment = fmt.Sprintf("AppImage %s would be removed", name)
		ret.Changes = engine.OldNew("installed", "not installed")
		return ret
	}

	res, err := s.appimage.Removed(name, targetDir)
	if err != nil {
		return engine.Fail(name, fmt.Sprintf("Failed to remove AppImage %s: %s", name, engine.Comment(err)))
	}
	if !res.Result {
		comment := res.Comment
		if comment == "" {
			comment = "Removal failed"
		}
		return engine.Fail(name, comment)
	}
	ret.Changes = res.Changes
	ret.Comment = res.Comment
	return ret
}
