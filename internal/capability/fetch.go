// Package capability implements the host capabilities offered to guests:
// network fetch, clipboard access, the Odin runtime environment and the GPU
// namespace. Each provider contributes functions to a wasm.Namespace.
package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/woxQAQ/wasm-bridge/internal/memory"
	"github.com/woxQAQ/wasm-bridge/internal/wasm"
)

// Fetcher performs network GETs.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// BodyTooLargeError is returned when a response exceeds the body limit.
type BodyTooLargeError struct {
	URL   string
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("GET %s: response body exceeds %d bytes", e.URL, e.Limit)
}

// HTTPFetcherConfig configures an HTTPFetcher.
type HTTPFetcherConfig struct {
	// Per-attempt timeout.
	Timeout time.Duration

	// Retries after the first attempt for transport errors and 5xx responses.
	MaxRetries uint64

	// Responses larger than this fail. 0 means no limit.
	MaxBodyBytes int64
}

// HTTPFetcher fetches over HTTP with retries. Identical concurrent requests
// share one round trip.
type HTTPFetcher struct {
	client *http.Client
	config HTTPFetcherConfig
	group  singleflight.Group
	logger *zap.Logger
}

// NewHTTPFetcher creates a fetcher. client may be nil.
func NewHTTPFetcher(client *http.Client, config HTTPFetcherConfig, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "fetch")),
	}
}

// Get downloads url and returns the response body.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	v, err, shared := f.group.Do(url, func() (interface{}, error) {
		return f.getWithRetry(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		f.logger.Debug("Fetch coalesced", zap.String("url", url))
	}
	return v.([]byte), nil
}

func (f *HTTPFetcher) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	attempt := 0

	op := func() error {
		attempt++
		data, err := f.getOnce(ctx, url)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			f.logger.Debug("Fetch attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		body = data
		return nil
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 100 * time.Millisecond
	boff.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(boff, f.config.MaxRetries), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// permanent reports whether retrying err cannot succeed: client errors and
// oversized bodies.
func permanent(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode < 500
	}
	var tooLarge *BodyTooLargeError
	return errors.As(err, &tooLarge)
}

func (f *HTTPFetcher) getOnce(ctx context.Context, url string) ([]byte, error) {
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	reader := io.Reader(resp.Body)
	if f.config.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.config.MaxBodyBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if f.config.MaxBodyBytes > 0 && int64(len(data)) > f.config.MaxBodyBytes {
		return nil, &BodyTooLargeError{URL: url, Limit: f.config.MaxBodyBytes}
	}
	return data, nil
}

// FetchProvider implements fetch(url_ptr, url_len, result_ptr) -> result_ptr.
//
// The URL is read synchronously; the request runs as deferred work. On
// success the body is copied into a freshly allocated region owned by the
// guest and the record completes with its pointer and length. Failures
// complete the record with the empty sentinel and are only logged.
type FetchProvider struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewFetchProvider creates a fetch provider.
func NewFetchProvider(fetcher Fetcher, logger *zap.Logger) *FetchProvider {
	return &FetchProvider{
		fetcher: fetcher,
		logger:  logger.With(zap.String("component", "fetch")),
	}
}

// HostFunc returns the fetch host function.
func (p *FetchProvider) HostFunc() *wasm.HostFunc {
	return &wasm.HostFunc{
		Params:     []wasm.ValueKind{wasm.KindPointer, wasm.KindSize, wasm.KindPointer},
		Results:    []wasm.ValueKind{wasm.KindPointer},
		ParamNames: []string{"url_ptr", "url_len", "result_ptr"},
		Handler:    p.fetch,
	}
}

func (p *FetchProvider) fetch(ctx context.Context, call *wasm.Call) (uint64, error) {
	url, err := call.String(0, 1)
	if err != nil {
		return 0, err
	}
	at := call.Pointer(2)

	return call.Defer(ctx, at, func(ctx context.Context) wasm.Completion {
		started := time.Now()
		body, err := p.fetcher.Get(ctx, url)
		if err != nil {
			p.logger.Warn("Fetch failed",
				zap.String("url", url),
				zap.Error(err),
			)
			return func(ctx context.Context) { p.fail(call, at) }
		}

		p.logger.Debug("Fetch completed",
			zap.String("url", url),
			zap.Int("bytes", len(body)),
			zap.Duration("duration", time.Since(started)),
		)
		return func(ctx context.Context) { p.complete(ctx, call, at, url, body) }
	})
}

func (p *FetchProvider) complete(ctx context.Context, call *wasm.Call, at memory.Pointer, url string, body []byte) {
	if len(body) == 0 {
		if err := call.Layout.Complete(call.Memory, at, 0, 0); err != nil {
			p.logger.Error("Failed to publish fetch result", zap.String("url", url), zap.Error(err))
		}
		return
	}

	ptr, err := call.Alloc.Alloc(ctx, uint32(len(body)))
	if err != nil {
		p.logger.Error("Failed to allocate fetch result",
			zap.String("url", url),
			zap.Int("bytes", len(body)),
			zap.Error(err),
		)
		p.fail(call, at)
		return
	}
	if err := call.Memory.Write(uint32(ptr), body); err != nil {
		p.logger.Error("Failed to write fetch result", zap.String("url", url), zap.Error(err))
		_ = call.Alloc.Free(ctx, ptr)
		p.fail(call, at)
		return
	}
	if err := call.Layout.Complete(call.Memory, at, ptr, uint32(len(body))); err != nil {
		p.logger.Error("Failed to publish fetch result", zap.String("url", url), zap.Error(err))
	}
}

func (p *FetchProvider) fail(call *wasm.Call, at memory.Pointer) {
	if err := call.Layout.Fail(call.Memory, at); err != nil {
		p.logger.Error("Failed to publish fetch failure", zap.Error(err))
	}
}
