package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Build-time variables - inject via ldflags
// Example: go build -ldflags "-X main.hyperAPIKey=KEY -X main.capsolverAPIKey=KEY -X main.captchaAPIKey=KEY"
var (
	hyperAPIKey     string // -X main.hyperAPIKey=...
	capsolverAPIKey string // -X main.capsolverAPIKey=...
	captchaAPIKey   string // -X main.captchaAPIKey=...
)

// GetHyperAPIKey returns the Hyper API key (build-time or env fallback)
func GetHyperAPIKey() string {
	if hyperAPIKey != "" {
		return hyperAPIKey
	}
	return os.Getenv("HYPER_API_KEY")
}

// GetCapSolverAPIKey returns the CapSolver API key (build-time or env fallback)
func GetCapSolverAPIKey() string {
	if capsolverAPIKey != "" {
		return capsolverAPIKey
	}
	return os.Getenv("CAPSOLVER_KEY")
}

// GetCaptchaAPIKey returns the 2Captcha API key (build-time or env fallback)
func GetCaptchaAPIKey() string {
	if captchaAPIKey != "" {
		return captchaAPIKey
	}
	return os.Getenv("2CAP_KEY")
}

type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Challenge  ChallengeConfig  `mapstructure:"challenge"`
	Handshake  HandshakeConfig  `mapstructure:"handshake"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Endpoint   EndpointConfig   `mapstructure:"endpoint"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Database   DatabaseConfig   `mapstructure:"database"`
}

type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
	ServiceName string `mapstructure:"service_name"`
}

type IdentityConfig struct {
	// Egress files per identity kind. A missing file leaves the kind empty.
	ResidentialFile string `mapstructure:"residential_file"`
	MobileFile      string `mapstructure:"mobile_file"`
	DatacenterFile  string `mapstructure:"datacenter_file"`
	// DirectSlots is the number of identities of kind "none" (no egress proxy).
	DirectSlots int `mapstructure:"direct_slots"`
	// FallbackDirect lets a handshake start on a direct identity when the
	// requested kind has none available.
	FallbackDirect bool `mapstructure:"fallback_direct"`
	// RehabilitateAfter makes quarantined identities selectable again after
	// the given duration. Zero keeps quarantine permanent.
	RehabilitateAfter time.Duration `mapstructure:"rehabilitate_after"`
	Locale            string        `mapstructure:"locale"`
	Timezone          string        `mapstructure:"timezone"`
}

type TransportConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Jitter            float64       `mapstructure:"jitter"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	RespectRetryAfter bool          `mapstructure:"respect_retry_after"`
	RotateOnRateLimit bool          `mapstructure:"rotate_on_rate_limit"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	TimeoutSeconds    int           `mapstructure:"timeout_seconds"`
}

// RetryPolicy derives the transport retry policy from configuration.
func (c TransportConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       c.MaxAttempts,
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		Jitter:            c.Jitter,
		MaxWait:           c.MaxWait,
		RespectRetryAfter: c.RespectRetryAfter,
		RotateOnRateLimit: c.RotateOnRateLimit,
	}
}

type ChallengeConfig struct {
	// Priority lists automated strategies in resolution order.
	Priority        []string      `mapstructure:"priority"`
	AttemptsPerStep int           `mapstructure:"attempts_per_strategy"`
	AttemptDelay    time.Duration `mapstructure:"attempt_delay"`
	AdaptiveOrder   bool          `mapstructure:"adaptive_order"`
	ManualFallback  bool          `mapstructure:"manual_fallback"`
	ManualTimeout   time.Duration `mapstructure:"manual_timeout"`
	HyperLimit      int64         `mapstructure:"hyper_concurrency"`
}

type HandshakeConfig struct {
	MaxCodeAttempts    int           `mapstructure:"max_code_attempts"`
	MaxChallengeRounds int           `mapstructure:"max_challenge_rounds"`
	Expiry             time.Duration `mapstructure:"expiry"`
}

type SupervisorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SessionLifetime time.Duration `mapstructure:"session_lifetime"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	StartURL        string        `mapstructure:"start_url"`
}

type BrowserConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Headless bool   `mapstructure:"headless"`
	ExecPath string `mapstructure:"exec_path"`
}

type EngineConfig struct {
	HandshakeWorkers int           `mapstructure:"handshake_workers"`
	FanOutLimit      int           `mapstructure:"fan_out_limit"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// SetDefaults registers a default for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_file", "negotiator.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.service_name", "negotiator")

	v.SetDefault("identity.residential_file", "proxies.txt")
	v.SetDefault("identity.mobile_file", "proxies_mobile.txt")
	v.SetDefault("identity.datacenter_file", "proxies_datacenter.txt")
	v.SetDefault("identity.direct_slots", 1)
	v.SetDefault("identity.fallback_direct", false)
	v.SetDefault("identity.rehabilitate_after", time.Duration(0))
	v.SetDefault("identity.locale", "en-US")
	v.SetDefault("identity.timezone", "Asia/Kolkata")

	v.SetDefault("transport.max_attempts", 3)
	v.SetDefault("transport.base_delay", 2*time.Second)
	v.SetDefault("transport.max_delay", 8*time.Second)
	v.SetDefault("transport.jitter", 0.2)
	v.SetDefault("transport.max_wait", 300*time.Second)
	v.SetDefault("transport.respect_retry_after", true)
	v.SetDefault("transport.rotate_on_rate_limit", true)
	v.SetDefault("transport.min_interval", 250*time.Millisecond)
	v.SetDefault("transport.timeout_seconds", 30)

	v.SetDefault("challenge.priority", []string{"capsolver", "2captcha", "hyper"})
	v.SetDefault("challenge.attempts_per_strategy", 2)
	v.SetDefault("challenge.attempt_delay", 3*time.Second)
	v.SetDefault("challenge.adaptive_order", false)
	v.SetDefault("challenge.manual_fallback", true)
	v.SetDefault("challenge.manual_timeout", 5*time.Minute)
	v.SetDefault("challenge.hyper_concurrency", 3)

	v.SetDefault("handshake.max_code_attempts", 3)
	v.SetDefault("handshake.max_challenge_rounds", 3)
	v.SetDefault("handshake.expiry", 240*time.Second)

	v.SetDefault("supervisor.interval", 2*time.Second)
	v.SetDefault("supervisor.session_lifetime", time.Hour)
	v.SetDefault("supervisor.max_sessions", 32)
	v.SetDefault("supervisor.start_url", "")

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")

	d := DefaultEndpointConfig()
	v.SetDefault("endpoint.base_url", d.BaseURL)
	v.SetDefault("endpoint.request_code_path", d.RequestCodePath)
	v.SetDefault("endpoint.verify_code_path", d.VerifyCodePath)
	v.SetDefault("endpoint.list_entities_path", d.ListEntitiesPath)
	v.SetDefault("endpoint.select_entity_path", d.SelectEntityPath)
	v.SetDefault("endpoint.csrf_path", d.CSRFPath)
	v.SetDefault("endpoint.csrf_header", d.CSRFHeader)
	v.SetDefault("endpoint.csrf_cookie", d.CSRFCookie)
	v.SetDefault("endpoint.access_cookie", d.AccessCookie)
	v.SetDefault("endpoint.refresh_cookie", d.RefreshCookie)
	v.SetDefault("endpoint.challenge_token_field", d.ChallengeTokenField)

	v.SetDefault("engine.handshake_workers", 4)
	v.SetDefault("engine.fan_out_limit", 8)
	v.SetDefault("engine.sweep_interval", 15*time.Second)

	v.SetDefault("database.url", "")
}

// LoadConfig reads configuration from defaults, an optional YAML file and
// NEGOTIATOR_* environment variables, in increasing precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("negotiator")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("NEGOTIATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Transport.MaxAttempts <= 0 {
		return fmt.Errorf("transport.max_attempts must be positive, got %d", c.Transport.MaxAttempts)
	}
	if c.Transport.Jitter < 0 || c.Transport.Jitter > 1 {
		return fmt.Errorf("transport.jitter must be within [0,1], got %v", c.Transport.Jitter)
	}
	if c.Handshake.MaxCodeAttempts <= 0 {
		return fmt.Errorf("handshake.max_code_attempts must be positive")
	}
	if c.Engine.HandshakeWorkers <= 0 {
		return fmt.Errorf("engine.handshake_workers must be positive")
	}
	if c.Supervisor.Interval <= 0 {
		return fmt.Errorf("supervisor.interval must be positive")
	}
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}
	return nil
}
