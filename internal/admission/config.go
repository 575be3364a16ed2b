// Package admission defines service configuration.
package admission

import "time"

// Config holds gateway admission configuration. Rule content lives in the
// separate rule document; Config covers process-level settings only.
type Config struct {
	EnableHTTP     bool
	HTTPListenAddr string
	EnableGRPC     bool
	GRPCListenAddr string
	GRPCKeepAlive  time.Duration

	RulePath   string
	WatchRules bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	StoreTimeout time.Duration
	FailOpen     bool

	DefaultBreaker CircuitBreakerConfig

	EnableAuth bool
	AdminToken string

	BodySampleBytes int64
	MaxBodyBytes    int64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	DrainTimeout     time.Duration

	LogLevel string
}
