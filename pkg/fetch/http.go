package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/openfroyo/archstate/pkg/engine"
)

// progressThreshold is the smallest download that gets a progress bar.
const progressThreshold = 1 << 20

// openHTTP GETs source, retrying transport errors and 5xx/429 responses with
// exponential backoff. Other 4xx responses fail at once.
func (f *Fetcher) openHTTP(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	var lastErr *engine.EngineError
	backoff := f.cfg.Backoff
	attempts := max(f.cfg.Retries+1, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			f.logger.Warn().
				Err(lastErr).
				Str("source", source).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying download")

			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, 0, engine.NewInvocationError(fmt.Sprintf("Invalid source %s: %v", source, err))
		}
		if f.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", f.cfg.UserAgent)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = engine.NewTransientError(fmt.Sprintf("failed to download %s", source), err).
				WithCode(engine.ErrCodeFetchFailed)
		} else if resp.StatusCode == http.StatusOK {
			f.logger.Debug().Str("source", source).Int64("size", resp.ContentLength).Msg("Downloading")
			return f.withProgress(resp.Body, resp.ContentLength, path.Base(req.URL.Path)), resp.ContentLength, nil
		} else {
			resp.Body.Close()
			lastErr = statusError(source, resp)
		}

		lastErr.WithOperation("download").WithDetail("attempts", attempt)
		if !engine.IsRetryable(lastErr) {
			break
		}
	}

	return nil, 0, lastErr
}

// statusError classifies a non-200 response: 429 is throttled, 5xx is
// transient, anything else is permanent.
func statusError(source string, resp *http.Response) *engine.EngineError {
	message := fmt.Sprintf("failed to download %s", source)
	cause := fmt.Errorf("unexpected status %s", resp.Status)

	var e *engine.EngineError
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e = engine.NewThrottledError(message, cause).WithCode(engine.ErrCodeRateLimited)
	case resp.StatusCode >= 500:
		e = engine.NewTransientError(message, cause).WithCode(engine.ErrCodeFetchFailed)
	default:
		e = engine.NewPermanentError(message, cause).WithCode(engine.ErrCodeFetchFailed)
	}
	return e.WithDetail("status", resp.StatusCode)
}

// withProgress wraps body with a progress bar on interactive terminals.
func (f *Fetcher) withProgress(body io.ReadCloser, size int64, name string) io.ReadCloser {
	if !f.cfg.Progress || size < progressThreshold || !f.isTTY() {
		return body
	}

	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &progressReader{Reader: io.TeeReader(body, bar), body: body, bar: bar}
}

type progressReader struct {
	io.Reader
	body io.Closer
	bar  *progressbar.ProgressBar
}

func (r *progressReader) Close() error {
	_ = r.bar.Finish()
	return r.body.Close()
}
