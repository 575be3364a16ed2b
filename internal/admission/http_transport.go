// Package admission provides the ops HTTP transport.
package admission

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPTransport serves the admission check, admin, and ops endpoints.
type HTTPTransport struct {
	addr       string
	srv        *http.Server
	controller *Controller
	reloader   *Reloader
	rules      *RuleStore
	breakers   *BreakerGroup
	metrics    *Metrics
	ready      func() bool
	cfg        httpTransportConfig
	mux        http.Handler
	mu         sync.Mutex
}

type httpTransportConfig struct {
	enableAuth   bool
	adminToken   string
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	maxBodyBytes int64
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(addr string, controller *Controller, reloader *Reloader, rules *RuleStore, breakers *BreakerGroup, metrics *Metrics, ready func() bool, cfg httpTransportConfig) *HTTPTransport {
	if addr == "" {
		addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	if cfg.maxBodyBytes <= 0 {
		cfg.maxBodyBytes = 1 << 20
	}
	return &HTTPTransport{
		addr:       addr,
		controller: controller,
		reloader:   reloader,
		rules:      rules,
		breakers:   breakers,
		metrics:    metrics,
		ready:      ready,
		cfg:        cfg,
	}
}

// Start begins serving HTTP requests.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.cfg.readTimeout,
			WriteTimeout: t.cfg.writeTimeout,
			IdleTimeout:  t.cfg.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.controller == nil || t.rules == nil {
		return nil, errors.New("controller and rule store must be set before starting")
	}
	mux := http.NewServeMux()
	t.registerRoutes(mux)
	t.mux = mux
	return mux, nil
}

func (t *HTTPTransport) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/admission/check", t.handleCheck)
	mux.HandleFunc("/v1/admission/report", t.handleReport)
	mux.HandleFunc("/admin/reload", t.handleReload)
	mux.HandleFunc("/admin/rules", t.handleRules)
	mux.HandleFunc("/admin/breakers", t.handleBreakers)
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(t.metrics.Registry(), promhttp.HandlerOpts{}))
}
