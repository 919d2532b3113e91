package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/openfroyo/archstate/pkg/checksum"
	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/telemetry"
)

// CachePath returns where source is cached: a hash of the source plus its
// base name, without any compression suffix.
func (f *Fetcher) CachePath(source string) string {
	digest, _ := checksum.String(source, "sha256")
	base := filepath.Base(trimCompression(sourcePath(source)))
	if base == "." || base == "/" || base == "" {
		base = "index"
	}
	return filepath.Join(f.cfg.CacheDir, "files", digest[:16]+"-"+base)
}

// CacheFile fetches source into the cache and returns the cached path. Plain
// uncompressed local paths are returned as they are.
func (f *Fetcher) CacheFile(ctx context.Context, source string) (string, error) {
	return f.cacheFileEnv(ctx, source, "")
}

func (f *Fetcher) cacheFileEnv(ctx context.Context, source, env string) (string, error) {
	if Scheme(source) == SchemeLocal && trimCompression(source) == source {
		if _, err := os.Stat(source); err != nil {
			return "", err
		}
		return source, nil
	}

	dest := f.CachePath(source)
	if err := f.fetchTo(ctx, source, env, dest, "", ""); err != nil {
		return "", err
	}
	return dest, nil
}

// Download fetches source to dest. With expected set, the content must hash
// to it or dest is left untouched.
func (f *Fetcher) Download(ctx context.Context, source, dest, expected, checksumType string) error {
	return f.fetchTo(ctx, source, "", dest, expected, checksumType)
}

func (f *Fetcher) fetchTo(ctx context.Context, source, env, dest, expected, checksumType string) error {
	op := telemetry.StartOperation(ctx, "fetch", telemetry.AttrSource.String(source))
	err := f.fetchLocked(op.Ctx, source, env, dest, expected, checksumType)
	op.End(err)
	return err
}

// fetchLocked writes source to a temp file next to dest and renames it into
// place while holding an exclusive lock on dest.lock.
func (f *Fetcher) fetchLocked(ctx context.Context, source, env, dest, expected, checksumType string) (err error) {
	var written int64
	defer func() {
		f.metrics.RecordDownload(Scheme(source), written, err)
	}()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	unlock, err := lockFile(dest + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	rc, err := f.openEnv(ctx, source, env)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	written, err = io.Copy(tmp, rc)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", source, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if expected != "" {
		if checksumType == "" {
			checksumType = checksum.DefaultType
		}
		if err = checksum.Verify(tmpName, expected, checksumType); err != nil {
			return err
		}
	}

	if err = os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dest, err)
	}

	f.logger.Debug().Str("source", source).Str("dest", dest).Int64("bytes", written).Msg("Fetched source")
	return nil
}

// lockFile takes an exclusive flock on path, creating it if needed.
func lockFile(path string) (func(), error) {
	lf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		lf.Close()
		return nil, engine.NewConflictError("failed to acquire cache lock", err).
			WithCode(engine.ErrCodeConflict).
			WithResource(path)
	}
	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
	}, nil
}
