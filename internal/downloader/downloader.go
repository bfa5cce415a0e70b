// Package downloader implements C5: one request-building and dispatch
// coordinator per cache instance, sitting on top of internal/session for
// coalescing. It builds no *http.Transport of its own: requests go through
// the configured RequestExecutor (http.DefaultClient when none is given).
// Per-host isolation is adapted from the teacher's internal/core engine's
// HTTP client setup; per-host circuit breaking (github.com/sony/gobreaker/v2)
// and bandwidth throttling (golang.org/x/time/rate, lifted directly from
// the teacher's network.BandwidthManager) are new wiring the teacher
// didn't need because it drove one connection per download rather than
// many concurrent image fetches against arbitrary hosts.
package downloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pquerna/cachecontrol"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"imagecache/internal/cacheerr"
	"imagecache/internal/session"
)

// RequestExecutor abstracts the HTTP round trip, matching the public
// package's executor interface so *http.Client satisfies it directly.
type RequestExecutor interface {
	Do(req *http.Request) (*http.Response, error)
}

// Modifier rewrites an outbound request before it is sent. Returning a nil
// request fails with cacheerr.EmptyRequest; returning a request with an
// empty URL fails with cacheerr.InvalidURL (spec.md §4.5 step 4). Because
// Modifier receives a context, a caller wanting "async" modification can
// simply perform I/O before returning — there's no separate sync/async code
// path the way a callback-based host API needs.
type Modifier func(ctx context.Context, req *http.Request) (*http.Request, error)

// FetchOptions configures one Fetch call's participation in the shared
// SessionTask for its URL.
type FetchOptions struct {
	Modifier         Modifier
	LowDataMode      bool
	Priority         int
	RedirectHandler  func(req *http.Request) *http.Request
	OnResponse       func(resp *http.Response) session.Disposition
	OnDataReceived   func(chunk []byte, total int64)
	OnDownloadData   func(data []byte) []byte
	StatusCodeValid  func(code int) bool
}

// Config configures a Downloader.
type Config struct {
	Executor               RequestExecutor
	RequestTimeout         time.Duration
	BandwidthLimitBytesSec int
	RespectCacheControl    bool
	Logger                 *slog.Logger
}

// Downloader is "one public coordinator per downloader identity"
// (spec.md §4.5).
type Downloader struct {
	executor    RequestExecutor
	timeout     time.Duration
	limiter     *rate.Limiter
	respectCC   bool
	logger      *slog.Logger
	sessions    *session.Manager
	breakersMu  sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker[*http.Response]

	hostLimitsMu sync.Mutex
	hostLimits   map[string]chan struct{}
}

// SetHostLimit caps concurrent in-flight fetches to host at n, adapted
// from the teacher's queue.SmartScheduler per-host limits. n <= 0 removes
// any existing cap.
func (d *Downloader) SetHostLimit(host string, n int) {
	d.hostLimitsMu.Lock()
	defer d.hostLimitsMu.Unlock()
	if n <= 0 {
		delete(d.hostLimits, host)
		return
	}
	d.hostLimits[host] = make(chan struct{}, n)
}

func (d *Downloader) acquireHost(ctx context.Context, host string) (release func(), err error) {
	d.hostLimitsMu.Lock()
	sem, ok := d.hostLimits[host]
	d.hostLimitsMu.Unlock()
	if !ok {
		return func() {}, nil
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// New builds a Downloader. If cfg.Executor is nil, http.DefaultClient is
// used.
func New(cfg Config) *Downloader {
	if cfg.Executor == nil {
		cfg.Executor = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.BandwidthLimitBytesSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimitBytesSec), cfg.BandwidthLimitBytesSec)
	}

	return &Downloader{
		executor:  cfg.Executor,
		timeout:   cfg.RequestTimeout,
		limiter:   limiter,
		respectCC: cfg.RespectCacheControl,
		logger:    cfg.Logger,
		sessions:   session.NewManager(),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		hostLimits: make(map[string]chan struct{}),
	}
}

func (d *Downloader) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if b, ok := d.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("downloader: circuit breaker state change", "host", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[host] = b
	return b
}

// Fetch retrieves rawURL's bytes, coalescing with any other in-flight
// Fetch for the same URL via the Downloader's SessionManager. ttl is a
// positive cache-lifetime hint when the response carried usable
// Cache-Control/Expires headers and RespectCacheControl is set; zero means
// "no hint, use the caller's configured default".
func (d *Downloader) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (data []byte, ttl time.Duration, err error) {
	type outcome struct {
		data []byte
		err  error
	}
	resultCh := make(chan outcome, 1)

	cb := session.Callback{
		OnCompleted: func(data []byte, err error) { resultCh <- outcome{data, err} },
		OnDataReceived: opts.OnDataReceived,
		OnResponse: func(resp *http.Response) session.Disposition {
			if opts.OnResponse != nil {
				return opts.OnResponse(resp)
			}
			return session.Allow
		},
		OnRedirect:      opts.RedirectHandler,
		OnDownloadData:  opts.OnDownloadData,
		StatusCodeValid: opts.StatusCodeValid,
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task, token, created, err := d.sessions.AppendOrCreate(rawURL, cancel, cb)
	if err != nil {
		cancel()
		return nil, 0, err
	}

	if !created {
		// Joined an in-flight task under someone else's cancel scope; this
		// call's own taskCtx was never handed to a goroutine and must be
		// released here instead.
		cancel()
	} else {
		req, buildErr := d.buildRequest(ctx, rawURL, opts)
		if buildErr != nil {
			// The task was already registered (possibly joined by another
			// caller in the meantime); fan the failure out and drop it
			// rather than leaving it stuck in the registry forever.
			task.Complete(buildErr)
			d.sessions.Remove(task)
			cancel()
			return nil, 0, buildErr
		}
		task.Resume()
		go d.run(taskCtx, task, req)
	}

	select {
	case res := <-resultCh:
		if meta, ok := task.Meta().(time.Duration); ok {
			ttl = meta
		}
		return res.data, ttl, res.err
	case <-ctx.Done():
		task.Cancel(token)
		return nil, 0, ctx.Err()
	}
}

// buildRequest implements spec.md §4.5's strict request build order.
func (d *Downloader) buildRequest(ctx context.Context, rawURL string, opts FetchOptions) (*http.Request, error) {
	if rawURL == "" {
		return nil, &cacheerr.RequestError{Kind: cacheerr.InvalidURL}
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, &cacheerr.RequestError{Kind: cacheerr.InvalidURL, Err: err}
	}

	reqCtx := ctx
	if d.timeout > 0 {
		// The per-request timeout is enforced by the session goroutine via
		// context, not here: building the request must not itself start a
		// deadline that outlives the eventual fan-out.
		_ = reqCtx
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &cacheerr.RequestError{Kind: cacheerr.InvalidURL, Err: err}
	}
	req.Header.Set("Cache-Control", "no-cache") // reloadIgnoringLocalCacheData

	if opts.LowDataMode {
		req.Header.Set("Save-Data", "on")
	}

	if opts.Modifier != nil {
		modified, err := opts.Modifier(ctx, req)
		if err != nil {
			return nil, err
		}
		if modified == nil {
			return nil, &cacheerr.RequestError{Kind: cacheerr.EmptyRequest}
		}
		if modified.URL == nil || modified.URL.String() == "" {
			return nil, &cacheerr.RequestError{Kind: cacheerr.InvalidURL}
		}
		req = modified
	}

	return req, nil
}

func (d *Downloader) run(ctx context.Context, task *session.SessionTask, req *http.Request) {
	defer d.sessions.Remove(task)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req = req.WithContext(ctx)

	host := req.URL.Hostname()

	release, err := d.acquireHost(ctx, host)
	if err != nil {
		task.Complete(&cacheerr.RequestError{Kind: cacheerr.TaskCancelled})
		return
	}
	defer release()

	breaker := d.breakerFor(host)

	resp, err := breaker.Execute(func() (*http.Response, error) {
		return d.executor.Do(req)
	})
	if err != nil {
		if ctx.Err() != nil {
			task.Complete(&cacheerr.RequestError{Kind: cacheerr.TaskCancelled})
			return
		}
		task.Complete(&cacheerr.ResponseError{Kind: cacheerr.URLSessionError, Err: err})
		return
	}
	defer resp.Body.Close()

	if !task.ValidateStatus(resp.StatusCode) {
		task.Complete(&cacheerr.ResponseError{Kind: cacheerr.InvalidHTTPStatusCode, StatusCode: resp.StatusCode})
		return
	}

	if task.DispatchResponse(resp) == session.Cancel {
		task.Complete(&cacheerr.ResponseError{Kind: cacheerr.CancelledByDelegate})
		return
	}

	if d.respectCC {
		task.SetMeta(ttlFromResponse(req, resp))
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if d.limiter != nil {
				_ = d.limiter.WaitN(ctx, n)
			}
			chunk := append([]byte(nil), buf[:n]...)
			task.DataReceived(chunk)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			task.Complete(&cacheerr.ResponseError{Kind: cacheerr.URLSessionError, Err: rerr})
			return
		}
	}

	task.Complete(nil)
}

// ttlFromResponse parses Cache-Control/Expires into a duration hint, or
// zero if the response carries no usable freshness information.
func ttlFromResponse(req *http.Request, resp *http.Response) time.Duration {
	_, expires, err := cachecontrol.CachableResponse(req, resp, cachecontrol.Options{})
	if err != nil || expires.IsZero() {
		return 0
	}
	if ttl := time.Until(expires); ttl > 0 {
		return ttl
	}
	return 0
}

// Cancel force-cancels any in-flight fetch for rawURL.
func (d *Downloader) Cancel(rawURL string) { d.sessions.Cancel(rawURL) }

// CancelAll force-cancels every in-flight fetch.
func (d *Downloader) CancelAll() { d.sessions.CancelAll() }
