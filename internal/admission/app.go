// Package admission wires application dependencies.
package admission

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Application holds one gateway admission instance. All state is owned by
// the instance; multiple independently configured instances can coexist in
// one process, which the tests rely on.
type Application struct {
	Config     *Config
	Rules      *RuleStore
	Store      CounterStore
	Limiter    *RateLimiter
	Breakers   *BreakerGroup
	Controller *Controller
	Reloader   *Reloader
	Metrics    *Metrics
	Log        zerolog.Logger

	httpTransport *HTTPTransport
	grpcTransport *GRPCTransport
	ready         atomic.Bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewApplication validates configuration and wires the pipeline.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 50 * time.Millisecond
	}

	log := NewLogger(os.Stderr, cfg.LogLevel)
	metrics := NewMetrics()

	var store CounterStore
	if cfg.RedisAddr != "" {
		store = NewRedisStore(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
	} else {
		store = NewInMemoryStore(nil)
	}

	rules := NewRuleStore()
	breakers := NewBreakerGroup(cfg.DefaultBreaker, nil, metrics)
	limiter := NewRateLimiter(store, cfg.StoreTimeout)
	controller, err := NewController(ControllerOptions{
		Rules:    rules,
		Limiter:  limiter,
		Breakers: breakers,
		Metrics:  metrics,
		Logger:   log,
		FailOpen: cfg.FailOpen,
	})
	if err != nil {
		return nil, err
	}

	var reloader *Reloader
	if cfg.RulePath != "" {
		reloader = NewReloader(rules, cfg.RulePath, func(snapshot *RuleSnapshot) {
			breakers.Configure(snapshot.Breakers)
		}, metrics, log)
	}

	app := &Application{
		Config:     cfg,
		Rules:      rules,
		Store:      store,
		Limiter:    limiter,
		Breakers:   breakers,
		Controller: controller,
		Reloader:   reloader,
		Metrics:    metrics,
		Log:        log,
	}
	if cfg.EnableHTTP {
		app.httpTransport = NewHTTPTransport(cfg.HTTPListenAddr, controller, reloader, rules, breakers, metrics, app.Ready, httpTransportConfig{
			enableAuth:   cfg.EnableAuth,
			adminToken:   cfg.AdminToken,
			readTimeout:  cfg.HTTPReadTimeout,
			writeTimeout: cfg.HTTPWriteTimeout,
			idleTimeout:  cfg.HTTPIdleTimeout,
			maxBodyBytes: cfg.MaxBodyBytes,
		})
	}
	if cfg.EnableGRPC {
		app.grpcTransport = NewGRPCTransport(cfg.GRPCListenAddr, controller, cfg.GRPCKeepAlive)
	}
	return app, nil
}

// Start loads rules and starts transports and the rule watcher.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if app.Reloader != nil {
		if _, err := app.Reloader.Reload(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if app.Reloader != nil && app.Config.WatchRules {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.Reloader.Watch(runCtx); err != nil {
				app.Log.Error().Err(err).Msg("rule watcher stopped")
			}
		}()
	}
	if app.httpTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.httpTransport.Start(); err != nil {
				app.Log.Error().Err(err).Msg("http transport stopped")
			}
		}()
	}
	if app.grpcTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.grpcTransport.Start(); err != nil {
				app.Log.Error().Err(err).Msg("grpc transport stopped")
			}
		}()
	}
	app.ready.Store(true)
	app.Log.Info().
		Str("http", app.Config.HTTPListenAddr).
		Str("grpc", app.Config.GRPCListenAddr).
		Msg("gateway admission started")
	return nil
}

// Ready reports whether the application can serve decisions.
func (app *Application) Ready() bool {
	if app == nil || !app.ready.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), app.Config.StoreTimeout)
	defer cancel()
	return app.Store.Healthy(ctx)
}

// Middleware returns the embedding middleware for this instance.
func (app *Application) Middleware() func(http.Handler) http.Handler {
	return Middleware(MiddlewareOptions{
		Controller:      app.Controller,
		BodySampleBytes: app.Config.BodySampleBytes,
	})
}

// Shutdown drains transports and stops the watcher.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	if app.cancel != nil {
		app.cancel()
	}
	var firstErr error
	if app.httpTransport != nil {
		if err := app.httpTransport.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if app.grpcTransport != nil {
		if err := app.grpcTransport.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	if err := app.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
