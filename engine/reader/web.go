package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tesserai/tessera/pkg/fn"
)

// StatusError reports a non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reader: fetch %s: status %d", e.URL, e.Code)
}

// Fetcher is a rate-limited HTTP client for page and asset
// retrieval. Transient failures are retried with backoff.
type Fetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	retry    fn.RetryOpts
	ua       string
	maxBytes int64
	log      *slog.Logger
}

// FetcherOpts configures a Fetcher.
type FetcherOpts struct {
	ReqPerSec  float64
	TimeoutSec int
	MaxBytes   int64
	UserAgent  string
	Retry      fn.RetryOpts
	Log        *slog.Logger
}

// NewFetcher builds a Fetcher. Zero options get conservative
// defaults.
func NewFetcher(opts FetcherOpts) *Fetcher {
	if opts.ReqPerSec <= 0 {
		opts.ReqPerSec = 2
	}
	if opts.TimeoutSec <= 0 {
		opts.TimeoutSec = 30
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 32 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tessera/0.1"
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Jitter:      true,
		}
	}
	if opts.Retry.RetryIf == nil {
		opts.Retry.RetryIf = transientFetch
	}
	return &Fetcher{
		client:   &http.Client{Timeout: time.Duration(opts.TimeoutSec) * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(opts.ReqPerSec), 1),
		retry:    opts.Retry,
		ua:       opts.UserAgent,
		maxBytes: opts.MaxBytes,
		log:      opts.Log,
	}
}

type fetched struct {
	body   []byte
	header http.Header
}

// Get fetches a URL, honoring the rate limit and the byte cap.
// Transport errors and server-side statuses are retried; client
// errors are not.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, http.Header, error) {
	res := fn.Retry(ctx, f.retry, func(ctx context.Context) fn.Result[fetched] {
		return f.fetchOnce(ctx, rawURL)
	})
	v, err := res.Unwrap()
	if err != nil {
		return nil, nil, err
	}
	return v.body, v.header, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) fn.Result[fetched] {
	// Waiting inside the attempt keeps retries paced like first tries.
	if err := f.limiter.Wait(ctx); err != nil {
		return fn.Err[fetched](fmt.Errorf("reader: rate wait: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fn.Err[fetched](fmt.Errorf("reader: build request %s: %w", rawURL, err))
	}
	req.Header.Set("User-Agent", f.ua)

	resp, err := f.client.Do(req)
	if err != nil {
		return fn.Err[fetched](fmt.Errorf("reader: fetch %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fn.Err[fetched](&StatusError{URL: rawURL, Code: resp.StatusCode})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return fn.Err[fetched](fmt.Errorf("reader: read %s: %w", rawURL, err))
	}
	if int64(len(body)) > f.maxBytes {
		return fn.Err[fetched](fmt.Errorf("reader: %s: %w", rawURL, ErrAssetTooLarge))
	}
	return fn.Ok(fetched{body: body, header: resp.Header})
}

// transientFetch separates failures worth another attempt from final
// ones: rejected client requests and the byte cap stay final, server
// statuses and transport errors retry.
func transientFetch(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrAssetTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Download fetches a URL into dir under a deterministic name and
// returns the path and byte count. Responses served as text/html are
// rejected: an asset URL answering with a page is a soft 404 or a
// login wall, not the asset.
func (f *Fetcher) Download(ctx context.Context, rawURL, dir string) (string, int64, error) {
	body, header, err := f.Get(ctx, rawURL)
	if err != nil {
		return "", 0, err
	}
	if ct := strings.ToLower(header.Get("Content-Type")); strings.HasPrefix(ct, "text/html") {
		return "", 0, fmt.Errorf("reader: %s: %w", rawURL, ErrNotAsset)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("reader: mkdir %s: %w", dir, err)
	}
	dst := TempPath(dir, rawURL, urlExt(rawURL))
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", 0, fmt.Errorf("reader: write %s: %w", dst, err)
	}
	return dst, int64(len(body)), nil
}

// lastModified parses the Last-Modified header, zero when absent or
// malformed. Fetch time would poison fingerprints, so absence maps
// to zero.
func lastModified(h http.Header) int64 {
	v := h.Get("Last-Modified")
	if v == "" {
		return 0
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func urlExt(rawURL string) string {
	clean := rawURL
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	ext := strings.ToLower(path.Ext(path.Base(clean)))
	if ext == "" || len(ext) > 8 {
		return ""
	}
	return ext
}
