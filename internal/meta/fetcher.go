package meta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/kyler505/previewd/internal/safeurl"
)

// ErrBodyTooLarge is returned when a response exceeds the byte ceiling.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Config controls fetcher network behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64
}

// Fetcher retrieves page metadata over pinned connections. Each redirect hop
// is re-validated against the original host before being followed.
type Fetcher struct {
	cfg           Config
	validator     *safeurl.Validator
	baseCollector *colly.Collector
}

// New builds a Fetcher around the shared validator.
func New(validator *safeurl.Validator, cfg Config) *Fetcher {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 6 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 4
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 512 * 1024
	}
	return &Fetcher{
		cfg:           cfg,
		validator:     validator,
		baseCollector: colly.NewCollector(colly.Async(false)),
	}
}

// pinSet maps hostnames to the dial endpoints their validation produced.
// Hosts enter the set only through validation; dialing an unpinned host is an
// error.
type pinSet struct {
	mu    sync.Mutex
	addrs map[string][]string
}

func newPinSet(target *safeurl.Target) *pinSet {
	return &pinSet{addrs: map[string][]string{target.Host: target.DialAddrs()}}
}

func (p *pinSet) add(target *safeurl.Target) {
	p.mu.Lock()
	p.addrs[target.Host] = target.DialAddrs()
	p.mu.Unlock()
}

func (p *pinSet) get(host string) ([]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.addrs[host]
	return a, ok
}

// Fetch retrieves the target page and extracts its preview metadata. Any
// network, redirect-policy, oversize, or non-2xx outcome is returned as an
// error the caller should treat as recoverable.
func (f *Fetcher) Fetch(ctx context.Context, target *safeurl.Target) (Metadata, error) {
	pins := newPinSet(target)
	result := Metadata{SourceURL: target.URL.String()}
	var fetchErr error

	collector := f.buildCollector(ctx, target, pins, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, target.URL.String()); err != nil {
		return Metadata{}, err
	}
	if fetchErr != nil {
		return Metadata{}, fetchErr
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	target *safeurl.Target,
	pins *pinSet,
	result *Metadata,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.RequestTimeout)
	collector.WithTransport(&cappedTransport{
		base: f.newPinnedTransport(pins),
		max:  f.cfg.MaxBodyBytes,
	})

	originalHost := target.Host
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) > f.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
		}
		hop, err := f.validator.Validate(ctx, req.URL.String(), originalHost)
		if err != nil {
			return fmt.Errorf("redirect rejected: %w", err)
		}
		pins.add(hop)
		return nil
	})

	f.configureExtraction(collector, result)

	collector.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})

	return collector
}

func (f *Fetcher) configureExtraction(collector *colly.Collector, result *Metadata) {
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		result.Title = firstNonEmpty(
			e.ChildAttr(`head > meta[property="og:title"]`, "content"),
			e.ChildAttr(`head > meta[name="twitter:title"]`, "content"),
			e.ChildText("head > title"),
		)
		result.Description = firstNonEmpty(
			e.ChildAttr(`head > meta[property="og:description"]`, "content"),
			e.ChildAttr(`head > meta[name="twitter:description"]`, "content"),
			e.ChildAttr(`head > meta[name="description"]`, "content"),
		)
		image := firstNonEmpty(
			e.ChildAttr(`head > meta[property="og:image"]`, "content"),
			e.ChildAttr(`head > meta[name="twitter:image"]`, "content"),
		)
		if image != "" {
			// Relative image URLs resolve against the final response URL.
			result.ImageURL = e.Request.AbsoluteURL(image)
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("metadata fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("metadata fetch failed: %w", err)
		}
		return nil
	}
}

// newPinnedTransport dials only endpoints recorded in the pin set, defeating
// DNS rebinding between validation and connection.
func (f *Fetcher) newPinnedTransport(pins *pinSet) *http.Transport {
	dialer := &net.Dialer{Timeout: f.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("split dial address: %w", err)
			}
			endpoints, ok := pins.get(host)
			if !ok || len(endpoints) == 0 {
				return nil, fmt.Errorf("refusing to dial unpinned host %q", host)
			}
			var lastErr error
			for _, endpoint := range endpoints {
				conn, dErr := dialer.DialContext(ctx, network, endpoint)
				if dErr == nil {
					return conn, nil
				}
				lastErr = dErr
			}
			return nil, fmt.Errorf("dial pinned endpoints for %q: %w", host, lastErr)
		},
		TLSHandshakeTimeout:   f.cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		DisableKeepAlives:     true,
	}
}

// cappedTransport enforces the response-body byte ceiling. Reading past the
// cap yields ErrBodyTooLarge rather than silent truncation.
type cappedTransport struct {
	base http.RoundTripper
	max  int64
}

func (t *cappedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > t.max {
		_ = resp.Body.Close()
		return nil, ErrBodyTooLarge
	}
	resp.Body = &cappedBody{inner: resp.Body, remaining: t.max}
	return resp, nil
}

type cappedBody struct {
	inner     io.ReadCloser
	remaining int64
}

// Read allows one byte past the cap so an exactly-at-limit body can still
// reach its EOF; crossing the cap surfaces ErrBodyTooLarge.
func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return 0, ErrBodyTooLarge
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.inner.Close() }
