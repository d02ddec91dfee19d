package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airhost/airhost-gateway/internal/handlers"
	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/middleware"
	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/relay"
)

// ProxyRoute exposes an upstream under /proxy/{name}/.
type ProxyRoute struct {
	Target models.ProxyTarget
	Inject relay.Injector
}

type RouterConfig struct {
	Webhook      *handlers.WebhookHandler
	Health       *handlers.HealthHandler
	Relay        *relay.Relay
	Proxies      []ProxyRoute
	MaxProxyBody int64
	Logger       *logging.Logger
}

// NewRouter constructs a ServeMux with the gateway routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	mux := http.NewServeMux()

	mux.Handle("/webhook/{provider}", cfg.Webhook)

	if cfg.Relay != nil {
		for _, p := range cfg.Proxies {
			prefix := "/proxy/" + p.Target.Name
			mux.Handle(prefix+"/", cfg.Relay.Handler(p.Target, prefix, p.Inject, cfg.MaxProxyBody, logger))
		}
	}

	// Health endpoints
	mux.HandleFunc("GET /healthz", cfg.Health.Health)
	mux.HandleFunc("GET /readyz", cfg.Health.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger.Logger)(mux))
}
