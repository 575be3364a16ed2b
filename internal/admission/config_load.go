// Package admission provides configuration loading.
package admission

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
	Environ    []string
}

// LoadConfig loads configuration from defaults, file, env, and flags,
// in that order of precedence (later wins).
func LoadConfig(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	flags, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}
	configPath := opts.ConfigPath
	if flags.ConfigPath != nil {
		configPath = *flags.ConfigPath
	}

	cfg := defaultConfig()
	if configPath != "" {
		fileOverrides, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		applyConfigOverrides(cfg, fileOverrides)
	}
	if err := applyEnvOverrides(cfg, environ); err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, flags)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		EnableHTTP:     true,
		HTTPListenAddr: ":8080",
		EnableGRPC:     true,
		GRPCListenAddr: ":9090",
		GRPCKeepAlive:  60 * time.Second,
		WatchRules:     true,
		KeyPrefix:      "adm",
		StoreTimeout:   50 * time.Millisecond,
		FailOpen:       true,
		DefaultBreaker: CircuitBreakerConfig{
			FailureRateThreshold:   0.5,
			SlidingWindowSize:      10,
			WaitDurationOpen:       30 * time.Second,
			HalfOpenPermittedCalls: 3,
		},
		BodySampleBytes:  8 << 10,
		MaxBodyBytes:     1 << 20,
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
		DrainTimeout:     5 * time.Second,
		LogLevel:         "info",
	}
}

type configOverrides struct {
	EnableHTTP       *bool               `json:"EnableHTTP"`
	HTTPListenAddr   *string             `json:"HTTPListenAddr"`
	EnableGRPC       *bool               `json:"EnableGRPC"`
	GRPCListenAddr   *string             `json:"GRPCListenAddr"`
	GRPCKeepAlive    *durationValue      `json:"GRPCKeepAlive"`
	RulePath         *string             `json:"RulePath"`
	WatchRules       *bool               `json:"WatchRules"`
	RedisAddr        *string             `json:"RedisAddr"`
	RedisPassword    *string             `json:"RedisPassword"`
	RedisDB          *int                `json:"RedisDB"`
	KeyPrefix        *string             `json:"KeyPrefix"`
	StoreTimeout     *durationValue      `json:"StoreTimeout"`
	FailOpen         *bool               `json:"FailOpen"`
	DefaultBreaker   *breakerConfigInput `json:"DefaultBreaker"`
	EnableAuth       *bool               `json:"EnableAuth"`
	AdminToken       *string             `json:"AdminToken"`
	BodySampleBytes  *int64              `json:"BodySampleBytes"`
	MaxBodyBytes     *int64              `json:"MaxBodyBytes"`
	HTTPReadTimeout  *durationValue      `json:"HTTPReadTimeout"`
	HTTPWriteTimeout *durationValue      `json:"HTTPWriteTimeout"`
	HTTPIdleTimeout  *durationValue      `json:"HTTPIdleTimeout"`
	DrainTimeout     *durationValue      `json:"DrainTimeout"`
	LogLevel         *string             `json:"LogLevel"`
}

type breakerConfigInput struct {
	FailureRateThreshold   *float64       `json:"FailureRateThreshold"`
	SlidingWindowSize      *int           `json:"SlidingWindowSize"`
	WaitDurationOpen       *durationValue `json:"WaitDurationOpen"`
	HalfOpenPermittedCalls *int           `json:"HalfOpenPermittedCalls"`
}

type durationValue struct {
	Value time.Duration
	Set   bool
}

func (d *durationValue) UnmarshalJSON(data []byte) error {
	if d == nil {
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err == nil {
		value, err := number.Int64()
		if err != nil {
			return err
		}
		d.Value = time.Duration(value) * time.Millisecond
		d.Set = true
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return err
		}
		d.Value = parsed
		d.Set = true
		return nil
	}
	return errors.New("invalid duration value")
}

type flagOverrides struct {
	ConfigPath     *string
	HTTPListenAddr *string
	EnableHTTP     *bool
	GRPCListenAddr *string
	EnableGRPC     *bool
	RulePath       *string
	WatchRules     *bool
	RedisAddr      *string
	FailOpen       *bool
	StoreTimeoutMS *int
	EnableAuth     *bool
	AdminToken     *string
	LogLevel       *string
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	configPath := fs.String("config", "", "config file path")
	httpAddr := fs.String("http_addr", "", "http address")
	enableHTTP := fs.Bool("enable_http", false, "enable http")
	grpcAddr := fs.String("grpc_addr", "", "grpc address")
	enableGRPC := fs.Bool("enable_grpc", false, "enable grpc")
	rulePath := fs.String("rules", "", "rule document path")
	watchRules := fs.Bool("watch_rules", false, "watch rule document")
	redisAddr := fs.String("redis_addr", "", "redis address")
	failOpen := fs.Bool("fail_open", false, "fail open on store faults")
	storeTimeout := fs.Int("store_timeout_ms", 0, "counter store timeout ms")
	enableAuth := fs.Bool("enable_auth", false, "enable admin auth")
	adminToken := fs.String("admin_token", "", "admin token")
	logLevel := fs.String("log_level", "", "log level")

	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, errors.New("invalid flag values")
	}

	overrides := flagOverrides{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			overrides.ConfigPath = configPath
		case "http_addr":
			overrides.HTTPListenAddr = httpAddr
		case "enable_http":
			overrides.EnableHTTP = enableHTTP
		case "grpc_addr":
			overrides.GRPCListenAddr = grpcAddr
		case "enable_grpc":
			overrides.EnableGRPC = enableGRPC
		case "rules":
			overrides.RulePath = rulePath
		case "watch_rules":
			overrides.WatchRules = watchRules
		case "redis_addr":
			overrides.RedisAddr = redisAddr
		case "fail_open":
			overrides.FailOpen = failOpen
		case "store_timeout_ms":
			overrides.StoreTimeoutMS = storeTimeout
		case "enable_auth":
			overrides.EnableAuth = enableAuth
		case "admin_token":
			overrides.AdminToken = adminToken
		case "log_level":
			overrides.LogLevel = logLevel
		}
	})
	return overrides, nil
}

func loadConfigFile(path string) (*configOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides configOverrides
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, err
	}
	return &overrides, nil
}

func applyConfigOverrides(cfg *Config, overrides *configOverrides) {
	if cfg == nil || overrides == nil {
		return
	}
	if overrides.EnableHTTP != nil {
		cfg.EnableHTTP = *overrides.EnableHTTP
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.EnableGRPC != nil {
		cfg.EnableGRPC = *overrides.EnableGRPC
	}
	if overrides.GRPCListenAddr != nil {
		cfg.GRPCListenAddr = *overrides.GRPCListenAddr
	}
	if overrides.GRPCKeepAlive != nil && overrides.GRPCKeepAlive.Set {
		cfg.GRPCKeepAlive = overrides.GRPCKeepAlive.Value
	}
	if overrides.RulePath != nil {
		cfg.RulePath = *overrides.RulePath
	}
	if overrides.WatchRules != nil {
		cfg.WatchRules = *overrides.WatchRules
	}
	if overrides.RedisAddr != nil {
		cfg.RedisAddr = *overrides.RedisAddr
	}
	if overrides.RedisPassword != nil {
		cfg.RedisPassword = *overrides.RedisPassword
	}
	if overrides.RedisDB != nil {
		cfg.RedisDB = *overrides.RedisDB
	}
	if overrides.KeyPrefix != nil {
		cfg.KeyPrefix = *overrides.KeyPrefix
	}
	if overrides.StoreTimeout != nil && overrides.StoreTimeout.Set {
		cfg.StoreTimeout = overrides.StoreTimeout.Value
	}
	if overrides.FailOpen != nil {
		cfg.FailOpen = *overrides.FailOpen
	}
	if overrides.DefaultBreaker != nil {
		if overrides.DefaultBreaker.FailureRateThreshold != nil {
			cfg.DefaultBreaker.FailureRateThreshold = *overrides.DefaultBreaker.FailureRateThreshold
		}
		if overrides.DefaultBreaker.SlidingWindowSize != nil {
			cfg.DefaultBreaker.SlidingWindowSize = *overrides.DefaultBreaker.SlidingWindowSize
		}
		if overrides.DefaultBreaker.WaitDurationOpen != nil && overrides.DefaultBreaker.WaitDurationOpen.Set {
			cfg.DefaultBreaker.WaitDurationOpen = overrides.DefaultBreaker.WaitDurationOpen.Value
		}
		if overrides.DefaultBreaker.HalfOpenPermittedCalls != nil {
			cfg.DefaultBreaker.HalfOpenPermittedCalls = *overrides.DefaultBreaker.HalfOpenPermittedCalls
		}
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	if overrides.BodySampleBytes != nil {
		cfg.BodySampleBytes = *overrides.BodySampleBytes
	}
	if overrides.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *overrides.MaxBodyBytes
	}
	if overrides.HTTPReadTimeout != nil && overrides.HTTPReadTimeout.Set {
		cfg.HTTPReadTimeout = overrides.HTTPReadTimeout.Value
	}
	if overrides.HTTPWriteTimeout != nil && overrides.HTTPWriteTimeout.Set {
		cfg.HTTPWriteTimeout = overrides.HTTPWriteTimeout.Value
	}
	if overrides.HTTPIdleTimeout != nil && overrides.HTTPIdleTimeout.Set {
		cfg.HTTPIdleTimeout = overrides.HTTPIdleTimeout.Value
	}
	if overrides.DrainTimeout != nil && overrides.DrainTimeout.Set {
		cfg.DrainTimeout = overrides.DrainTimeout.Value
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
	}
}

func applyEnvOverrides(cfg *Config, environ []string) error {
	if cfg == nil {
		return nil
	}
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, "ADMISSION_") {
			continue
		}
		switch name {
		case "ADMISSION_HTTP_ADDR":
			cfg.HTTPListenAddr = value
		case "ADMISSION_GRPC_ADDR":
			cfg.GRPCListenAddr = value
		case "ADMISSION_RULES":
			cfg.RulePath = value
		case "ADMISSION_REDIS_ADDR":
			cfg.RedisAddr = value
		case "ADMISSION_REDIS_PASSWORD":
			cfg.RedisPassword = value
		case "ADMISSION_ADMIN_TOKEN":
			cfg.AdminToken = value
			cfg.EnableAuth = true
		case "ADMISSION_FAIL_OPEN":
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return errors.New("invalid ADMISSION_FAIL_OPEN value")
			}
			cfg.FailOpen = parsed
		case "ADMISSION_STORE_TIMEOUT_MS":
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return errors.New("invalid ADMISSION_STORE_TIMEOUT_MS value")
			}
			cfg.StoreTimeout = time.Duration(parsed) * time.Millisecond
		case "ADMISSION_LOG_LEVEL":
			cfg.LogLevel = value
		}
	}
	return nil
}

func applyFlagOverrides(cfg *Config, overrides flagOverrides) {
	if cfg == nil {
		return
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.EnableHTTP != nil {
		cfg.EnableHTTP = *overrides.EnableHTTP
	}
	if overrides.GRPCListenAddr != nil {
		cfg.GRPCListenAddr = *overrides.GRPCListenAddr
	}
	if overrides.EnableGRPC != nil {
		cfg.EnableGRPC = *overrides.EnableGRPC
	}
	if overrides.RulePath != nil {
		cfg.RulePath = *overrides.RulePath
	}
	if overrides.WatchRules != nil {
		cfg.WatchRules = *overrides.WatchRules
	}
	if overrides.RedisAddr != nil {
		cfg.RedisAddr = *overrides.RedisAddr
	}
	if overrides.FailOpen != nil {
		cfg.FailOpen = *overrides.FailOpen
	}
	if overrides.StoreTimeoutMS != nil {
		cfg.StoreTimeout = time.Duration(*overrides.StoreTimeoutMS) * time.Millisecond
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
	}
}
