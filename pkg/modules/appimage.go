package modules

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/archstate/pkg/checksum"
	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/fetch"
)

// AppImage defaults.
const (
	DefaultTargetDir    = "/usr/local/bin"
	DefaultChecksumType = checksum.DefaultType
)

// Result is what an execution module returns for a system change.
type Result struct {
	Result  bool           `json:"result"`
	Comment string         `json:"comment"`
	Changes engine.Changes `json:"changes"`
}

// AppImageInstall describes one AppImage to install.
type AppImageInstall struct {
	// Name is the file name under TargetDir.
	Name string `json:"name"`

	// Source is where the AppImage is fetched from.
	Source string `json:"source"`

	TargetDir    string `json:"target_dir,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	ChecksumType string `json:"checksum_type,omitempty"`

	// Force reinstalls even when the target exists.
	Force bool `json:"force,omitempty"`

	// Signature is a detached OpenPGP signature of the download.
	Signature string `json:"signature,omitempty"`
}

func (o *AppImageInstall) setDefaults() {
	if o.TargetDir == "" {
		o.TargetDir = DefaultTargetDir
	}
	if o.ChecksumType == "" {
		o.ChecksumType = DefaultChecksumType
	}
}

// AppImage installs AppImages into a global executable directory.
type AppImage struct {
	fetcher *fetch.Fetcher
	logger  zerolog.Logger

	// stageDir holds HTTP downloads before they are installed.
	stageDir string
}

// NewAppImage creates the appimage module.
func NewAppImage(fetcher *fetch.Fetcher, logger zerolog.Logger) *AppImage {
	return &AppImage{
		fetcher:  fetcher,
		logger:   logger.With().Str("module", "appimage").Logger(),
		stageDir: os.TempDir(),
	}
}

// Installed downloads the AppImage and installs it as TargetDir/Name with
// mode 0755. An existing target is kept unless Force is set or its checksum
// does not match; a replaced target is moved to <target>.bak. Checksum may
// carry its type as "sha512=<hex>", which overrides ChecksumType.
func (a *AppImage) Installed(ctx context.Context, opts AppImageInstall) (*Result, error) {
	opts.setDefaults()
	if opts.Name == "" {
		return nil, engine.NewInvocationError("AppImage name is required")
	}
	if opts.Source == "" {
		return nil, engine.NewInvocationError("AppImage source is required")
	}
	if opts.Checksum != "" {
		var err error
		if opts.ChecksumType, opts.Checksum, err = checksum.ParseSourceHash(opts.Checksum, opts.ChecksumType); err != nil {
			return nil, err
		}
	}

	target := filepath.Join(opts.TargetDir, opts.Name)
	changes := engine.Changes{}

	if exists(target) && !opts.Force {
		if opts.Checksum == "" {
			return &Result{
				Result:  true,
				Comment: fmt.Sprintf("AppImage %s is already installed (use force=True to reinstall)", opts.Name),
				Changes: changes,
			}, nil
		}
		actual, err := checksum.File(target, opts.ChecksumType)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(actual, opts.Checksum) {
			return &Result{
				Result:  true,
				Comment: fmt.Sprintf("AppImage %s is already installed with correct checksum", opts.Name),
				Changes: changes,
			}, nil
		}
		a.logger.Info().Str("target", target).Msg("Checksum differs, reinstalling")
	}

	if !exists(opts.TargetDir) {
		if err := os.MkdirAll(opts.TargetDir, 0755); err != nil {
			return nil, engine.NewExecutionError(fmt.Sprintf("Failed to create directory %s", opts.TargetDir), err).WithOperation("install")
		}
		changes["directory"] = "Created " + opts.TargetDir
	}

	downloaded, err := a.download(ctx, opts.Source, opts.Checksum, opts.ChecksumType)
	if err == nil && opts.Signature != "" {
		err = a.fetcher.VerifySignature(ctx, downloaded, opts.Signature)
	}
	if err != nil {
		return nil, engine.NewExecutionError(fmt.Sprintf("Failed to download AppImage from %s", opts.Source), err).WithOperation("install")
	}
	changes["downloaded"] = opts.Source

	if exists(target) {
		backup := target + ".bak"
		if err := os.Rename(target, backup); err != nil {
			return nil, engine.NewExecutionError(fmt.Sprintf("Failed to install AppImage to %s", target), err).WithOperation("install")
		}
		changes["backup"] = backup
	}

	if err := copyFile(downloaded, target); err != nil {
		return nil, engine.NewExecutionError(fmt.Sprintf("Failed to install AppImage to %s", target), err).WithOperation("install")
	}
	changes["installed"] = target

	if err := os.Chmod(target, 0755); err != nil {
		return nil, engine.NewExecutionError(fmt.Sprintf("Failed to set permissions on %s", target), err).WithOperation("install")
	}
	changes["permissions"] = "755"

	a.logger.Info().Str("name", opts.Name).Str("target", target).Msg("Installed AppImage")
	return &Result{
		Result:  true,
		Comment: fmt.Sprintf("AppImage %s successfully installed to %s", opts.Name, target),
		Changes: changes,
	}, nil
}

// Removed deletes TargetDir/name.
func (a *AppImage) Removed(name, targetDir string) (*Result, error) {
	if targetDir == "" {
		targetDir = DefaultTargetDir
	}
	target := filepath.Join(targetDir, name)

	if !exists(target) {
		return &Result{
			Result:  true,
			Comment: fmt.Sprintf("AppImage %s is not installed", name),
			Changes: engine.Changes{},
		}, nil
	}

	if err := os.Remove(target); err != nil {
		return nil, engine.NewExecutionError(fmt.Sprintf("Failed to remove %s", target), err).WithOperation("remove")
	}
	return &Result{
		Result:  true,
		Comment: fmt.Sprintf("AppImage %s removed from %s", name, target),
		Changes: engine.Changes{"removed": target},
	}, nil
}

// IsInstalled reports whether TargetDir/name exists and is executable.
func (a *AppImage) IsInstalled(name, targetDir string) bool {
	if targetDir == "" {
		targetDir = DefaultTargetDir
	}
	info, err := os.Stat(filepath.Join(targetDir, name))
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

// download returns a local path holding the verified content of source.
// Artifact-store and local sources go through the file cache; remote ones are
// staged under <stageDir>/appimage-<md5(source)>.
func (a *AppImage) download(ctx context.Context, source, expected, checksumType string) (string, error) {
	switch fetch.Scheme(source) {
	case fetch.SchemeFroyo, fetch.SchemeLocal, fetch.SchemeFile:
		cached, err := a.fetcher.CacheFile(ctx, source)
		if err != nil {
			return "", err
		}
		if expected != "" {
			if err := checksum.Verify(cached, expected, checksumType); err != nil {
				return "", err
			}
		}
		return cached, nil
	}

	sum := md5.Sum([]byte(source))
	staged := filepath.Join(a.stageDir, "appimage-"+hex.EncodeToString(sum[:]))
	if err := a.fetcher.Download(ctx, source, staged, expected, checksumType); err != nil {
		return "", err
	}
	return staged, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// copyFile replaces dst with a copy of src.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
