// Package relay forwards requests to upstream services with per-target
// deadlines and classifies failures into DownstreamError.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/airhost/airhost-gateway/internal/metrics"
	"github.com/airhost/airhost-gateway/internal/models"
)

// maxResponseBytes bounds how much of an upstream body is buffered.
const maxResponseBytes = 4 << 20

// Request is an outbound call relative to a target's BaseURL.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	// Idempotent requests are retried on DownstreamError. Everything else is
	// attempted exactly once.
	Idempotent bool
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Forwarder is implemented by Relay and by test fakes.
type Forwarder interface {
	Forward(ctx context.Context, target models.ProxyTarget, req Request) (*Response, error)
}

// Relay sends requests to ProxyTargets. It is safe for concurrent use.
type Relay struct {
	client          *http.Client
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

type Option func(*Relay)

// WithHTTPClient replaces the transport. The client's own Timeout should be
// zero; deadlines come from each target.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.client = c }
}

// WithRetries sets how many times an idempotent request is retried.
func WithRetries(n uint64) Option {
	return func(r *Relay) { r.maxRetries = n }
}

// WithBackoff tunes the exponential backoff between retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(r *Relay) {
		r.initialInterval = initial
		r.maxInterval = max
	}
}

func New(opts ...Option) *Relay {
	r := &Relay{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries:      2,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Forward performs req against target. Transport failures, deadline expiry
// and 502/503/504 come back as *models.DownstreamError; any other status is
// returned as a Response for the caller to interpret. The error's RequestSent
// is false only when the request never fully left the process.
func (r *Relay) Forward(ctx context.Context, target models.ProxyTarget, req Request) (*Response, error) {
	start := time.Now()
	defer func() {
		metrics.DownstreamDuration.WithLabelValues(target.Name).Observe(time.Since(start).Seconds())
	}()

	var resp *Response
	var err error
	if req.Idempotent && r.maxRetries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.initialInterval
		b.MaxInterval = r.maxInterval
		err = backoff.Retry(func() error {
			res, err := r.do(ctx, target, req, start)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			resp = res
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx))
	} else {
		resp, err = r.do(ctx, target, req, start)
	}

	if err != nil {
		var de *models.DownstreamError
		if !errors.As(err, &de) {
			kind := models.ErrDownstreamUnavailable
			if errors.Is(err, context.DeadlineExceeded) {
				kind = models.ErrDownstreamTimeout
			}
			de = &models.DownstreamError{Target: target.Name, Kind: kind, Err: err, RequestSent: true}
		}
		de.Elapsed = time.Since(start)
		kind := "unavailable"
		if de.IsTimeout() {
			kind = "timeout"
		}
		metrics.DownstreamErrors.WithLabelValues(target.Name, kind).Inc()
		return nil, de
	}
	return resp, nil
}

func (r *Relay) do(ctx context.Context, target models.ProxyTarget, req Request, start time.Time) (*Response, error) {
	attemptCtx := ctx
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, buildURL(target.BaseURL, req.Path, req.Query), body)
	if err != nil {
		return nil, &models.DownstreamError{Target: target.Name, Kind: models.ErrDownstreamUnavailable, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	var wrote atomic.Bool
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(attemptCtx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}))

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classify(target.Name, attemptCtx, err, start, wrote.Load())
	}
	defer httpResp.Body.Close()

	// Headers arrived, so the upstream has the request whatever happens to
	// the body.
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(target.Name, attemptCtx, err, start, true)
	}

	switch httpResp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &models.DownstreamError{
			Target:      target.Name,
			Kind:        models.ErrDownstreamUnavailable,
			StatusCode:  httpResp.StatusCode,
			Elapsed:     time.Since(start),
			Err:         fmt.Errorf("upstream answered %s", http.StatusText(httpResp.StatusCode)),
			RequestSent: true,
		}
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func classify(target string, attemptCtx context.Context, err error, start time.Time, sent bool) *models.DownstreamError {
	de := &models.DownstreamError{
		Target:      target,
		Kind:        models.ErrDownstreamUnavailable,
		Elapsed:     time.Since(start),
		Err:         err,
		RequestSent: sent,
	}

	var netErr net.Error
	switch {
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		de.Kind = models.ErrDownstreamTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		de.Kind = models.ErrDownstreamTimeout
	}
	return de
}

func buildURL(base, path, query string) string {
	u := strings.TrimRight(base, "/")
	if path != "" {
		u += "/" + strings.TrimLeft(path, "/")
	}
	if query != "" {
		u += "?" + query
	}
	return u
}
