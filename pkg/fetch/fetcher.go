// Package fetch resolves source URIs (local paths, file://, http(s)://,
// froyo://, s3:// and sftp://), caches them, and renders managed file content.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/openfroyo/archstate/pkg/config"
	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/telemetry"
)

// Scheme names.
const (
	SchemeLocal = "local"
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFroyo = "froyo"
	SchemeS3    = "s3"
	SchemeSFTP  = "sftp"
)

// FroyoPrefix marks sources in the internal artifact store.
const FroyoPrefix = "froyo://"

// Config configures a Fetcher.
type Config struct {
	// CacheDir holds cached sources.
	CacheDir string

	// FileRoots are searched in order for froyo:// sources.
	FileRoots []string

	// UserAgent is sent with HTTP requests.
	UserAgent string

	// Retries is how many times a failed HTTP request is retried.
	Retries int

	// Backoff is the wait before the first retry. It doubles each retry.
	Backoff time.Duration

	// Progress shows a progress bar for large downloads when stderr is a TTY.
	Progress bool

	// ContextScriptTimeout bounds template context scripts.
	ContextScriptTimeout time.Duration

	S3      S3Config
	SFTP    SFTPConfig
	Keyring string
}

// S3Config configures s3:// sources.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SFTPConfig configures sftp:// sources.
type SFTPConfig struct {
	User                  string
	PrivateKeyPath        string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
}

// DefaultConfig returns a Config with the standard retry policy.
func DefaultConfig() Config {
	return Config{
		CacheDir:             filepath.Join(os.TempDir(), "archstate-cache"),
		UserAgent:            "archstate/dev",
		Retries:              3,
		Backoff:              time.Second,
		Progress:             true,
		ContextScriptTimeout: 10 * time.Second,
		S3:                   S3Config{Region: "auto"},
	}
}

// ConfigFrom builds a fetch Config from the archstate configuration.
func ConfigFrom(cfg *config.Config, version string) Config {
	fc := DefaultConfig()
	fc.CacheDir = cfg.CacheDir
	fc.FileRoots = cfg.FileRoots
	fc.UserAgent = "archstate/" + version
	fc.S3 = S3Config{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
	}
	fc.SFTP = SFTPConfig{
		User:                  cfg.SFTP.User,
		PrivateKeyPath:        cfg.SFTP.PrivateKeyPath,
		KnownHostsPath:        cfg.SFTP.KnownHostsPath,
		InsecureIgnoreHostKey: cfg.SFTP.InsecureIgnoreHostKey,
	}
	fc.Keyring = cfg.Signing.Keyring
	return fc
}

// Fetcher resolves sources.
type Fetcher struct {
	cfg      Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	client   *http.Client
	starlark *config.StarlarkEvaluator
	isTTY    func() bool

	s3Once   sync.Once
	s3Client *s3.Client
	s3Err    error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMetrics records downloads.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// New creates a Fetcher.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:      cfg,
		logger:   logger.With().Str("component", "fetch").Logger(),
		client:   &http.Client{Timeout: 30 * time.Minute},
		starlark: config.NewStarlarkEvaluator(cfg.ContextScriptTimeout),
		isTTY:    func() bool { return term.IsTerminal(int(os.Stderr.Fd())) },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the fetcher's configuration.
func (f *Fetcher) Config() Config {
	return f.cfg
}

// Scheme returns the scheme of source, or SchemeLocal for plain paths.
func Scheme(source string) string {
	if strings.HasPrefix(source, FroyoPrefix) {
		return SchemeFroyo
	}
	scheme, _, ok := strings.Cut(source, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, "/.") {
		return SchemeLocal
	}
	return strings.ToLower(scheme)
}

// Open returns the content of source, decompressed according to its suffix.
func (f *Fetcher) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	return f.openEnv(ctx, source, "")
}

func (f *Fetcher) openEnv(ctx context.Context, source, env string) (io.ReadCloser, error) {
	rc, _, err := f.openRaw(ctx, source, env)
	if err != nil {
		return nil, err
	}
	return decompress(sourcePath(source), rc)
}

// openRaw opens source without decompression. size is -1 when unknown.
func (f *Fetcher) openRaw(ctx context.Context, source, env string) (io.ReadCloser, int64, error) {
	switch scheme := Scheme(source); scheme {
	case SchemeLocal:
		return openLocal(source)
	case SchemeFile:
		u, err := url.Parse(source)
		if err != nil {
			return nil, 0, engine.NewInvocationError(fmt.Sprintf("Invalid source %s: %v", source, err))
		}
		return openLocal(u.Path)
	case SchemeFroyo:
		path, err := f.ResolveFroyo(source, env)
		if err != nil {
			return nil, 0, err
		}
		return openLocal(path)
	case SchemeHTTP, SchemeHTTPS:
		return f.openHTTP(ctx, source)
	case SchemeS3:
		return f.openS3(ctx, source)
	case SchemeSFTP:
		return f.openSFTP(ctx, source)
	default:
		return nil, 0, engine.NewInvocationError(fmt.Sprintf("Unsupported source scheme: %s", scheme))
	}
}

// GetString returns the content of source.
func (f *Fetcher) GetString(ctx context.Context, source string) (string, error) {
	rc, err := f.Open(ctx, source)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", source, err)
	}
	return string(data), nil
}

// ResolveFroyo maps a froyo:// source to the first file root containing it.
// With env set, <root>/<env> is searched before <root>.
func (f *Fetcher) ResolveFroyo(source, env string) (string, error) {
	rel := strings.TrimPrefix(source, FroyoPrefix)
	rel = filepath.Clean("/" + rel)[1:]
	if rel == "" {
		return "", engine.NewInvocationError(fmt.Sprintf("Invalid source %s: empty path", source))
	}
	if len(f.cfg.FileRoots) == 0 {
		return "", engine.NewInvocationError(fmt.Sprintf("Cannot resolve %s: no file_roots configured", source))
	}

	for _, root := range f.cfg.FileRoots {
		candidates := []string{filepath.Join(root, rel)}
		if env != "" && env != "base" {
			candidates = append([]string{filepath.Join(root, env, rel)}, candidates...)
		}
		for _, candidate := range candidates {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	return "", engine.NewPermanentError(
		fmt.Sprintf("%s not found in file_roots", source), nil,
	).WithCode(engine.ErrCodeNotFound)
}

func openLocal(path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	return file, info.Size(), nil
}

// sourcePath returns the path part of source, without query or fragment.
func sourcePath(source string) string {
	switch Scheme(source) {
	case SchemeLocal:
		return source
	case SchemeFroyo:
		return strings.TrimPrefix(source, FroyoPrefix)
	}
	if u, err := url.Parse(source); err == nil {
		return u.Path
	}
	return source
}
