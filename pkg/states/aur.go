package states

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/runner"
)

// aurPackages returns args["pkgs"], or [name] when unset, and the
// human-readable package string.
func aurPackages(name string, args map[string]interface{}) (pkgs []string, pkgsStr string, err error) {
	pkgs, ok, err := stringListArg(args, "pkgs")
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return []string{name}, name, nil
	}
	return pkgs, strings.Join(pkgs, ", "), nil
}

// AURCheckInstalled reports whether all packages are installed.
func (s *States) AURCheckInstalled(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
	pkgs, _, err := aurPackages(name, args)
	if err != nil {
		return engine.Fail(name, err.Error())
	}
	return s.checkAUR(ctx, name, pkgs)
}

func (s *States) checkAUR(ctx context.Context, name string, pkgs []string) engine.StateResult {
	_, err := s.pacman.RunCmd(ctx, "yay --query --info "+strings.Join(pkgs, " "), runner.Options{})
	installed := err == nil

	comment := strings.Join(pkgs, ", ") + " installed"
	if !installed {
		comment = strings.Join(pkgs, ", ") + " not installed"
	}
	return engine.StateResult{
		Name:    name,
		Result:  engine.ResultOf(installed),
		Changes: engine.OldNew("", comment),
		Comment: comment,
	}
}

// AURInstalled installs AUR packages with yay as the build user.
func (s *States) AURInstalled(ctx context.Context, sc *engine.StateContext, name string, args map[string]interface{}) engine.StateResult {
	pkgs, pkgsStr, err := aurPackages(name, args)
	if err != nil {
		return engine.Fail(name, err.Error())
	}

	check := s.checkAUR(ctx, name, pkgs)

	if sc.Test {
		if check.Result == engine.ResultTrue {
			return engine.StateResult{
				Name:    name,
				Result:  engine.ResultTrue,
				Changes: engine.Changes{},
				Comment: pkgsStr + " already installed",
			}
		}
		return engine.StateResult{
			Name:    name,
			Result:  engine.ResultNone,
			Changes: engine.OldNew(pkgsStr+" not installed", pkgsStr+" installed"),
			Comment: "would have installed " + pkgsStr,
		}
	}

	if check.Result == engine.ResultTrue {
		return engine.StateResult{
			Name:    name,
			Result:  engine.ResultTrue,
			Changes: engine.Changes{},
			Comment: "already installed " + pkgsStr,
		}
	}

	list := pyList(pkgs)
	ret := engine.StateResult{
		Name:    name,
		Result:  engine.ResultTrue,
		Changes: engine.OldNew(fmt.Sprintf("not all of %s installed", list), list+" installed"),
		Comment: "installed " + pkgsStr,
	}

	_, err = s.pacman.RunCmd(ctx, "yay --sync --refresh --noconfirm "+strings.Join(pkgs, " "), runner.Options{})
	if err != nil {
		sc.Logger.Error().Err(err).Strs("pkgs", pkgs).Msg("yay install failed")
		ret.Result = engine.ResultFalse
		ret.Changes["new"] = list + " failed to installed"
		ret.Comment = failureDetail(err)
	}
	return ret
}

// failureDetail is the stderr of a failed command, or the error itself.
func failureDetail(err error) string {
	var cmdErr *runner.CommandError
	if errors.As(err, &cmdErr) {
		if msg := strings.TrimSpace(cmdErr.Stderr); msg != "" {
			return msg
		}
	}
	return err.Error()
}
