// Package archive submits links to public web archive mirrors.
//
// A Resolver walks a fixed, ordered list of mirror submit endpoints. A mirror
// answering 429 is retried after an exponentially growing delay until its
// retry budget runs out; any other failure moves straight on to the next
// mirror. The first mirror that answers successfully wins and the URL the
// request was finally redirected to is returned as the archived link.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultMirrors are the archive.today submit endpoints in the order they are tried
var DefaultMirrors = []string{
	"https://archive.today/submit/?url=",
	"https://archive.fo/submit/?url=",
	"https://archive.is/submit/?url=",
	"https://archive.li/submit/?url=",
	"https://archive.md/submit/?url=",
	"https://archive.ph/submit/?url=",
	"https://archive.vn/submit/?url=",
}

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = time.Second
	DefaultUserAgent  = "rssarchive/1.0"

	// Keeps BaseDelay << MaxRetries well inside time.Duration
	maxRetriesLimit = 16

	// Response bodies are drained, never parsed, so connections can be reused
	drainLimit = 64 << 10
)

// HTTPClient is the capability the resolver needs to reach mirrors.
// *http.Client satisfies it; redirects must be followed by the client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config is the static configuration of a Resolver
type Config struct {
	// Mirrors are URL templates the percent-encoded target URL is appended to
	Mirrors []string

	// MaxRetries is how many times a rate limited mirror is retried
	MaxRetries int

	// BaseDelay is the backoff unit: retry n waits 2^n * BaseDelay
	BaseDelay time.Duration

	// Timeout bounds a whole Resolve call. Zero means no bound besides the
	// caller's context.
	Timeout time.Duration

	// UserAgent sent to the mirrors
	UserAgent string
}

// DefaultConfig returns the mirror list and retry policy used when nothing is configured
func DefaultConfig() Config {
	mirrors := make([]string, len(DefaultMirrors))
	copy(mirrors, DefaultMirrors)
	return Config{
		Mirrors:    mirrors,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		UserAgent:  DefaultUserAgent,
	}
}

// Validate checks the configuration can drive a Resolver
func (c Config) Validate() error {
	if len(c.Mirrors) == 0 {
		return errors.New("at least one archive mirror is required")
	}
	for _, mirror := range c.Mirrors {
		u, err := url.Parse(mirror)
		if err != nil {
			return fmt.Errorf("invalid mirror %q: %w", mirror, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid mirror %q: unsupported scheme %q", mirror, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid mirror %q: host is required", mirror)
		}
	}
	if c.MaxRetries < 0 || c.MaxRetries > maxRetriesLimit {
		return fmt.Errorf("max retries must be between 0 and %d, got %d", maxRetriesLimit, c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", c.BaseDelay)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

// WorstCaseBackoff is the longest a Resolve call can spend sleeping: every
// mirror rate limits every attempt, so each one waits
// BaseDelay * (2 + 4 + ... + 2^MaxRetries). Network time comes on top, at
// most len(Mirrors) * (MaxRetries+1) requests.
func (c Config) WorstCaseBackoff() time.Duration {
	perMirror := c.BaseDelay * time.Duration((1<<(c.MaxRetries+1))-2)
	return perMirror * time.Duration(len(c.Mirrors))
}

// Resolver submits links to archive mirrors. It is safe for concurrent use,
// every Resolve call keeps its own attempt state.
type Resolver struct {
	mirrors    []string
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	userAgent  string
	client     HTTPClient

	// newTimer overrides the timer backoff sleeps on, nil uses a real one
	newTimer func() backoff.Timer
}

// NewResolver creates a Resolver. A nil client gets a default *http.Client.
func NewResolver(config Config, client HTTPClient) (*Resolver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}

	mirrors := make([]string, len(config.Mirrors))
	copy(mirrors, config.Mirrors)

	return &Resolver{
		mirrors:    mirrors,
		maxRetries: config.MaxRetries,
		baseDelay:  config.BaseDelay,
		timeout:    config.Timeout,
		userAgent:  config.UserAgent,
		client:     client,
	}, nil
}

// NewHTTPClient returns a client with a per-request timeout that follows
// redirects, which is how mirrors hand back the archived location.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
		},
	}
}

// Mirrors returns a copy of the configured mirror templates in try order
func (r *Resolver) Mirrors() []string {
	mirrors := make([]string, len(r.mirrors))
	copy(mirrors, r.mirrors)
	return mirrors
}

// Resolve submits targetURL to each mirror in turn and returns the archived
// URL reported by the first one that succeeds. When no mirror succeeds the
// error is ErrAllMirrorsFailed; per-mirror causes are only logged.
func (r *Resolver) Resolve(ctx context.Context, targetURL string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		resolveDuration.Observe(time.Since(start).Seconds())
	}()

	logger := log.WithFields(log.Fields{
		"resolution": uuid.NewString(),
		"url":        targetURL,
	})

	escaped := url.QueryEscape(targetURL)

	for i, mirror := range r.mirrors {
		archived, err := r.tryMirror(ctx, logger.WithField("mirror", mirror), mirror, mirror+escaped)
		if err == nil {
			resolutions.WithLabelValues(resultArchived).Inc()
			logger.WithFields(log.Fields{
				"mirror":   mirror,
				"archived": archived,
				"latency":  time.Since(start),
			}).Info("Archived url")
			return archived, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			resolutions.WithLabelValues(resultFailed).Inc()
			logger.WithFields(log.Fields{
				"mirror": mirror,
				"error":  ctxErr,
			}).Warn("Archiving stopped before all mirrors were tried")
			return "", fmt.Errorf("%w: %w", ErrAllMirrorsFailed, ctxErr)
		}

		logger.WithFields(log.Fields{
			"mirror":    mirror,
			"error":     err,
			"remaining": len(r.mirrors) - i - 1,
		}).Warn("Mirror failed, moving to next mirror")
	}

	resolutions.WithLabelValues(resultFailed).Inc()
	logger.WithField("latency", time.Since(start)).Error("All archive services failed")
	return "", ErrAllMirrorsFailed
}

// tryMirror runs the retry loop for one mirror. Only rate limiting is
// retried, everything else is made permanent so the loop ends at once.
func (r *Resolver) tryMirror(ctx context.Context, logger *log.Entry, mirror, requestURL string) (string, error) {
	host := mirrorHost(mirror)

	var archived string
	attempt := 0

	operation := func() error {
		attempt++
		location, err := r.get(ctx, mirror, requestURL)
		if err == nil {
			mirrorRequests.WithLabelValues(host, outcomeArchived).Inc()
			archived = location
			return nil
		}

		var mirrorErr *MirrorError
		if errors.As(err, &mirrorErr) && mirrorErr.RateLimited() {
			mirrorRequests.WithLabelValues(host, outcomeRateLimited).Inc()
			return err
		}

		mirrorRequests.WithLabelValues(host, outcomeUnavailable).Inc()
		logger.WithFields(log.Fields{
			"attempt": attempt,
			"status":  statusOf(err),
			"error":   err,
		}).Warn("Mirror unavailable")
		return backoff.Permanent(err)
	}

	notify := func(err error, delay time.Duration) {
		mirrorBackoff.Observe(delay.Seconds())
		logger.WithFields(log.Fields{
			"attempt": attempt,
			"status":  http.StatusTooManyRequests,
			"delay":   delay,
		}).Warn("Mirror rate limited, backing off")
	}

	var timer backoff.Timer
	if r.newTimer != nil {
		timer = r.newTimer()
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.maxRetries)), ctx)
	if err := backoff.RetryNotifyWithTimer(operation, b, notify, timer); err != nil {
		return "", err
	}
	return archived, nil
}

// newBackOff yields 2*BaseDelay, 4*BaseDelay, 8*BaseDelay, ... without jitter
func (r *Resolver) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * r.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = r.baseDelay << r.maxRetries
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// get issues one submit request. The archived link is the URL of the final
// request after the client followed redirects, the body is ignored.
func (r *Resolver) get(ctx context.Context, mirror, requestURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", &MirrorError{Mirror: mirror, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &MirrorError{Mirror: mirror, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &MirrorError{Mirror: mirror, Status: resp.StatusCode}
	}

	if resp.Request == nil || resp.Request.URL == nil {
		return "", &MirrorError{Mirror: mirror, Err: errors.New("response carries no final location")}
	}

	return resp.Request.URL.String(), nil
}

func statusOf(err error) int {
	var mirrorErr *MirrorError
	if errors.As(err, &mirrorErr) {
		return mirrorErr.Status
	}
	return 0
}

// mirrorHost keeps metric label cardinality to one value per mirror
func mirrorHost(mirror string) string {
	u, err := url.Parse(mirror)
	if err != nil || u.Host == "" {
		return mirror
	}
	return u.Host
}
