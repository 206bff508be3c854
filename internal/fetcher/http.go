package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-sync/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Accept       string
	Timeout      time.Duration
	RateLimiters map[string]*rate.Limiter
}

// HTTPFetcher implements Fetcher with per-host rate limiting. Each call makes
// exactly one request: failures that may clear up on a later run (network
// errors, 429, 5xx) come back as *resilience.TransientError and are left to
// the caller.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters map[string]*rate.Limiter
}

// DefaultRateLimiters returns the per-host limits Scryfall asks clients to honor
// (roughly ten requests per second against the API host).
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"api.scryfall.com": rate.NewLimiter(10, 10),
		"data.scryfall.io": rate.NewLimiter(10, 10),
	}
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "catalog-sync/1.0"
	}
	if opts.Accept == "" {
		opts.Accept = "application/json"
	}
	limiters := make(map[string]*rate.Limiter)
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: limiters,
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if lim, ok := f.limiters[u.Host]; ok {
		return lim
	}
	return rate.NewLimiter(rate.Inf, 0)
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", f.opts.Accept)

	if err := f.limiterFor(rawURL).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		zap.L().Warn("fetcher: request failed", zap.String("url", rawURL), zap.Error(err))
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: GET %s", rawURL), 0)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		statusErr := eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	return resp.Body, nil
}
