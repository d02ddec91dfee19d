package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/airhost/airhost-gateway/internal/httputil"
	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/middleware"
	"github.com/airhost/airhost-gateway/internal/models"
)

// Injector adds server-side credentials to a relayed request.
type Injector func(h http.Header)

// Bearer sets "Authorization: Bearer <token>".
func Bearer(token string) Injector {
	return func(h http.Header) {
		if token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
	}
}

// HeaderValue sets a fixed header, e.g. an apikey header.
func HeaderValue(name, value string) Injector {
	return func(h http.Header) {
		if value != "" {
			h.Set(name, value)
		}
	}
}

// Chain applies injectors in order.
func Chain(injectors ...Injector) Injector {
	return func(h http.Header) {
		for _, inj := range injectors {
			if inj != nil {
				inj(h)
			}
		}
	}
}

// Headers that belong to a single hop or that callers must not control.
var droppedHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	"Authorization", "Cookie", "Host", "Content-Length", "Apikey",
}

// Handler relays requests under prefix to target. The client's own
// credentials are stripped and inject supplies the target's. Timeouts map
// to 504 and unavailability to 502. A nil logger uses logging.Default.
func (r *Relay) Handler(target models.ProxyTarget, prefix string, inject Injector, maxBody int64, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		middleware.SetTarget(req.Context(), target.Name)

		body, err := httputil.ReadBody(req, maxBody)
		if err != nil {
			if errors.Is(err, httputil.ErrBodyTooLarge) {
				httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		header := req.Header.Clone()
		for _, h := range droppedHeaders {
			header.Del(h)
		}
		if inject != nil {
			inject(header)
		}
		if reqID := middleware.GetRequestID(req.Context()); reqID != "" {
			header.Set(middleware.HeaderRequestID, reqID)
		}

		resp, err := r.Forward(req.Context(), target, Request{
			Method:     req.Method,
			Path:       strings.TrimPrefix(req.URL.Path, prefix),
			Query:      req.URL.RawQuery,
			Header:     header,
			Body:       body,
			Idempotent: req.Method == http.MethodGet || req.Method == http.MethodHead,
		})
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, models.ErrDownstreamTimeout) {
				status = http.StatusGatewayTimeout
			}
			logger.WithContext(req.Context()).Warn("relay failed",
				logging.Target(target.Name),
				logging.Status(status),
				logging.Error(err),
			)
			httputil.WriteError(w, status, err.Error())
			return
		}

		for k, vs := range resp.Header {
			if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Transfer-Encoding") || strings.EqualFold(k, "Connection") {
				continue
			}
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	})
}
