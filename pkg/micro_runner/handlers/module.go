package handlers

import (
	"context"
	"fmt"

	"github.com/openfroyo/archstate/pkg/fetch"
	"github.com/openfroyo/archstate/pkg/micro_runner/protocol"
	"github.com/openfroyo/archstate/pkg/modules"
)

// ModuleHandler answers module.call for the read-only module functions.
type ModuleHandler struct {
	AppImage *modules.AppImage
	Makepkg  *modules.Makepkg
	Pacman   *modules.PacmanBuild
}

// Functions lists the module functions the handler can serve.
func (h *ModuleHandler) Functions() []string {
	var fns []string
	if h.AppImage != nil {
		fns = append(fns, protocol.ModuleAppImageIsInstalled)
	}
	if h.Makepkg != nil {
		fns = append(fns, protocol.ModuleMakepkgGetPkgname, protocol.ModuleMakepkgIsInstalled)
	}
	if h.Pacman != nil {
		fns = append(fns, protocol.ModulePacmanGetBuildUser)
	}
	return fns
}

// Handle calls the named function.
func (h *ModuleHandler) Handle(ctx context.Context, params *protocol.ModuleCallParams, eventCh chan<- *protocol.EventMessage) (*protocol.ModuleCallResult, error) {
	args := params.Args
	if args == nil {
		args = map[string]interface{}{}
	}

	switch params.Function {
	case protocol.ModuleAppImageIsInstalled:
		if h.AppImage == nil {
			break
		}
		name, err := requiredString(args, "name")
		if err != nil {
			return nil, err
		}
		targetDir, _ := args["target_dir"].(string)
		return &protocol.ModuleCallResult{Value: h.AppImage.IsInstalled(name, targetDir)}, nil

	case protocol.ModuleMakepkgGetPkgname:
		if h.Makepkg == nil {
			break
		}
		source, err := requiredString(args, "source")
		if err != nil {
			return nil, err
		}
		emit(ctx, eventCh, "debug", "reading pkgname from "+source)
		pkgname, err := h.Makepkg.GetPkgname(ctx, source, fetch.ExtractFileManagedArgs(args))
		if err != nil {
			return nil, err
		}
		return &protocol.ModuleCallResult{Value: pkgname}, nil

	case protocol.ModuleMakepkgIsInstalled:
		if h.Makepkg == nil {
			break
		}
		pkgname, err := requiredString(args, "pkgname")
		if err != nil {
			return nil, err
		}
		return &protocol.ModuleCallResult{Value: h.Makepkg.IsInstalled(ctx, pkgname)}, nil

	case protocol.ModulePacmanGetBuildUser:
		if h.Pacman == nil {
			break
		}
		return &protocol.ModuleCallResult{Value: h.Pacman.GetBuildUser()}, nil
	}

	return nil, fmt.Errorf("module function %s is not available", params.Function)
}

func requiredString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("argument %s is required", key)
	}
	return v, nil
}
