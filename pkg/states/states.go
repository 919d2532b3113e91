package states

import (
	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/modules"
)

// States binds state functions to the execution modules they call.
type States struct {
	appimage *modules.AppImage
	makepkg  *modules.Makepkg
	pacman   *modules.PacmanBuild
	schemas  *config.SchemaRegistry
}

// New creates the state set. schemas validates appimage pkgs entries.
func New(appimage *modules.AppImage, makepkg *modules.Makepkg, pacman *modules.PacmanBuild, schemas *config.SchemaRegistry) *States {
	if schemas == nil {
		schemas = config.NewSchemaRegistry()
	}
	return &States{
		appimage: appimage,
		makepkg:  makepkg,
		pacman:   pacman,
		schemas:  schemas,
	}
}

// Register adds every state function to reg.
func (s *States) Register(reg *engine.Registry) error {
	functions := map[string]engine.StateFunc{
		"appimage.installed":     s.AppImageInstalled,
		"appimage.removed":       s.AppImageRemoved,
		"aurpkg.installed":       s.AURInstalled,
		"aurpkg.check_installed": s.AURCheckInstalled,
		"makepkg.installed":      s.MakepkgInstalled,

		// Short aliases accepted in state files.
		"aur.installed":       s.AURInstalled,
		"aur.check_installed": s.AURCheckInstalled,
	}
	for name, fn := range functions {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
