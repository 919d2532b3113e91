package fetch

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// compressionSuffixes are stripped from cached file names.
var compressionSuffixes = []string{".gz", ".xz", ".zst"}

// decompress wraps rc with a decoder chosen by the suffix of name. Other
// names are returned unchanged.
func decompress(name string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		gz, err := pgzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to create gzip reader for %s: %w", name, err)
		}
		return &decodeCloser{Reader: gz, closers: []io.Closer{gz, rc}}, nil

	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to create xz reader for %s: %w", name, err)
		}
		return &decodeCloser{Reader: xr, closers: []io.Closer{rc}}, nil

	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to create zstd reader for %s: %w", name, err)
		}
		return &decodeCloser{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), rc}}, nil
	}
	return rc, nil
}

// trimCompression removes a compression suffix from name.
func trimCompression(name string) string {
	for _, suffix := range compressionSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

type decodeCloser struct {
	io.Reader
	closers []io.Closer
}

func (d *decodeCloser) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
