package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/fetch"
	"github.com/openfroyo/archstate/pkg/runner"
)

var pkgnamePattern = regexp.MustCompile(`(?m)^pkgname\s*=\s*["']?([^"')\s]+)["']?`)

// ParsePkgbuildName returns the pkgname declared in a PKGBUILD, or "".
func ParsePkgbuildName(content string) string {
	m := pkgnamePattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

// BuildKind classifies a build outcome.
type BuildKind string

const (
	BuildAlreadyInstalled BuildKind = "already_installed"
	BuildNewlyInstalled   BuildKind = "newly_installed"
	BuildFailed           BuildKind = "failed"
)

// BuildOutcome is the result of Makepkg.Installed.
type BuildOutcome struct {
	Success bool      `json:"success"`
	Pkgname string    `json:"pkgname"`
	Message string    `json:"message"`
	Kind    BuildKind `json:"kind"`
}

// BuildOptions describe a package build. Exactly one of Source and
// UpstreamSource must be set.
type BuildOptions struct {
	// Source is a PKGBUILD URI, rendered with File when it sets a template.
	Source string

	// UpstreamSource is an ABS/AUR package name fetched with yay -Gp.
	UpstreamSource string

	// Patches are applied to the PKGBUILD in order with patch -p0.
	Patches []string

	InstallDeps bool
	Check       bool

	// File carries template, context, defaults and env for Source and
	// every patch.
	File fetch.FileManagedArgs
}

// DefaultBuildOptions installs missing dependencies and runs check().
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{InstallDeps: true, Check: true}
}

// Makepkg builds and installs packages from PKGBUILDs.
type Makepkg struct {
	fetcher *fetch.Fetcher
	pacman  *PacmanBuild
	logger  zerolog.Logger

	// tempDir is where build directories are created.
	tempDir string

	lookupIDs func(username string) (uid, gid int, err error)
	chown     func(path string, uid, gid int) error
}

// NewMakepkg creates the makepkg module.
func NewMakepkg(fetcher *fetch.Fetcher, pacman *PacmanBuild, logger zerolog.Logger) *Makepkg {
	return &Makepkg{
		fetcher:   fetcher,
		pacman:    pacman,
		logger:    logger.With().Str("module", "makepkg").Logger(),
		tempDir:   os.TempDir(),
		lookupIDs: runner.LookupIDs,
		chown:     os.Chown,
	}
}

// GetPkgname fetches the PKGBUILD at source and returns its pkgname, or ""
// when it declares none.
func (m *Makepkg) GetPkgname(ctx context.Context, source string, file fetch.FileManagedArgs) (string, error) {
	content, err := m.fetcher.GetManagedFileContent(ctx, source, file)
	if err != nil {
		return "", err
	}
	return ParsePkgbuildName(content), nil
}

// IsInstalled reports whether pacman knows pkgname.
func (m *Makepkg) IsInstalled(ctx context.Context, pkgname string) bool {
	_, err := m.pacman.RunCmd(ctx, "pacman --query --info "+pkgname, runner.Options{})
	return err == nil
}

// Installed builds and installs the package unless pacman already has it.
// A failed makepkg run is reported in the outcome; errors are returned only
// for bad arguments and failures before the build starts.
func (m *Makepkg) Installed(ctx context.Context, opts BuildOptions) (*BuildOutcome, error) {
	if opts.Source != "" && opts.UpstreamSource != "" {
		return nil, engine.NewInvocationError("Cannot specify both 'source' and 'upstream_source'")
	}
	if opts.Source == "" && opts.UpstreamSource == "" {
		return nil, engine.NewInvocationError("Must specify either 'source' or 'upstream_source'")
	}

	tmpdir, err := os.MkdirTemp(m.tempDir, "makepkg-")
	if err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpdir); err != nil {
			m.logger.Warn().Err(err).Str("dir", tmpdir).Msg("Failed to remove build directory")
		}
	}()

	buildUser := m.pacman.GetBuildUser()
	if buildUser != "" {
		uid, gid, err := m.lookupIDs(buildUser)
		if err != nil {
			return nil, err
		}
		if err := m.chown(tmpdir, uid, gid); err != nil {
			return nil, fmt.Errorf("failed to chown %s: %w", tmpdir, err)
		}
		if err := os.Chmod(tmpdir, 0775); err != nil {
			return nil, fmt.Errorf("failed to chmod %s: %w", tmpdir, err)
		}
	}

	content, err := m.pkgbuild(ctx, opts)
	if err != nil {
		return nil, err
	}

	pkgbuildPath := filepath.Join(tmpdir, "PKGBUILD")
	if err := os.WriteFile(pkgbuildPath, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PKGBUILD: %w", err)
	}

	if len(opts.Patches) > 0 {
		if err := m.applyPatches(ctx, tmpdir, pkgbuildPath, opts); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(pkgbuildPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read patched PKGBUILD: %w", err)
		}
		content = string(data)
	}

	pkgname := ParsePkgbuildName(content)
	if pkgname == "" {
		return nil, engine.NewInvocationError("Could not parse package name from PKGBUILD")
	}

	if m.IsInstalled(ctx, pkgname) {
		return &BuildOutcome{
			Success: true,
			Pkgname: pkgname,
			Message: fmt.Sprintf("Package %s is already installed", pkgname),
			Kind:    BuildAlreadyInstalled,
		}, nil
	}

	args := []string{"makepkg", "--noconfirm", "--install"}
	if opts.InstallDeps {
		args = append(args, "--syncdeps")
	}
	if !opts.Check {
		args = append(args, "--nocheck")
	}

	if buildUser != "" {
		chown := fmt.Sprintf("chown -R %s:%s %s", buildUser, buildUser, tmpdir)
		if _, err := m.pacman.Run(ctx, chown, runner.Options{}); err != nil {
			return nil, engine.NewExecutionError(fmt.Sprintf("Failed to chown %s", tmpdir), err).WithOperation("chown")
		}
	}

	m.logger.Info().Str("pkgname", pkgname).Str("dir", tmpdir).Msg("Building package")
	if _, err := m.pacman.RunCmd(ctx, strings.Join(args, " "), runner.Options{Cwd: tmpdir}); err != nil {
		return &BuildOutcome{
			Success: false,
			Pkgname: pkgname,
			Message: fmt.Sprintf("Failed to build %s: %v", pkgname, err),
			Kind:    BuildFailed,
		}, nil
	}

	return &BuildOutcome{
		Success: true,
		Pkgname: pkgname,
		Message: fmt.Sprintf("Successfully built and installed %s", pkgname),
		Kind:    BuildNewlyInstalled,
	}, nil
}

func (m *Makepkg) pkgbuild(ctx context.Context, opts BuildOptions) (string, error) {
	if opts.Source != "" {
		return m.fetcher.GetManagedFileContent(ctx, opts.Source, opts.File)
	}

	out, err := m.pacman.RunCmd(ctx, "yay -Gp "+opts.UpstreamSource, runner.Options{})
	if err != nil {
		return "", engine.NewInvocationError(
			fmt.Sprintf("Failed to download PKGBUILD for %s: %v", opts.UpstreamSource, err),
		)
	}
	return out, nil
}

func (m *Makepkg) applyPatches(ctx context.Context, tmpdir, pkgbuildPath string, opts BuildOptions) error {
	for i, source := range opts.Patches {
		content, err := m.fetcher.GetManagedFileContent(ctx, source, opts.File)
		if err != nil {
			return err
		}

		patchPath := filepath.Join(tmpdir, fmt.Sprintf("patch_%d.patch", i))
		if err := os.WriteFile(patchPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write patch %s: %w", source, err)
		}

		cmd := fmt.Sprintf("patch -p0 %s < %s", pkgbuildPath, patchPath)
		if _, err := m.pacman.Run(ctx, cmd, runner.Options{Cwd: tmpdir}); err != nil {
			return engine.NewInvocationError(fmt.Sprintf("Failed to apply patch %s: %v", source, err))
		}
		m.logger.Debug().Str("patch", source).Msg("Applied patch")
	}
	return nil
}
