package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks configuration that must stop the process
var ErrConfiguration = errors.New("configuration error")

const (
	FetchModeAggregate = "aggregate"
	FetchModePerKey    = "per_key"
)

// The API's probe timeout must stay below the bot's fetch timeout so a
// single hung probe is reported as a failed section, not a failed fetch.
const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

// LoadEnvFile loads a .env file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// LoadBotConfig loads and validates the poller configuration
func LoadBotConfig(path string) (*BotConfig, error) {
	cfg := &BotConfig{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrConfiguration, path, err)
	}

	// Set defaults
	if cfg.ServerName == "" {
		cfg.ServerName = "server"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 300
	}
	if cfg.FetchMode == "" {
		cfg.FetchMode = FetchModeAggregate
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8089"
	}
	if cfg.Source.TokenRefreshMargin == 0 {
		cfg.Source.TokenRefreshMargin = 100 * time.Second
	}
	if len(cfg.Mute.DurationsHours) == 0 {
		cfg.Mute.DurationsHours = []int{1, 3, 6, 12, 24}
		cfg.Mute.AllowCustom = true
	}
	if cfg.Notifiers.Retry.MaxAttempts == 0 {
		cfg.Notifiers.Retry.MaxAttempts = 5
	}
	if cfg.Notifiers.Retry.InitialInterval == 0 {
		cfg.Notifiers.Retry.InitialInterval = time.Second
	}

	if err := ValidateBotConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAPIConfig loads and validates the monitoring API configuration
func LoadAPIConfig(path string) (*APIConfig, error) {
	cfg := &APIConfig{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrConfiguration, path, err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if len(cfg.MonitoredDisks) == 0 {
		cfg.MonitoredDisks = []string{"/"}
	}
	if cfg.IPLookupURL == "" {
		cfg.IPLookupURL = "https://api4.ipify.org?format=json"
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = time.Hour
	}
	if cfg.Auth.FailedAttemptLimit == 0 {
		cfg.Auth.FailedAttemptLimit = 5
	}
	if cfg.Auth.BlockDuration == 0 {
		cfg.Auth.BlockDuration = 15 * time.Minute
	}
	if cfg.Auth.DBPath == "" {
		cfg.Auth.DBPath = "users.db"
	}
	if cfg.RateLimit.RPS == 0 {
		cfg.RateLimit.RPS = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}

	if err := ValidateAPIConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// ValidateBotConfig validates the poller configuration and resolves its thresholds
func ValidateBotConfig(cfg *BotConfig) error {
	if cfg.PollInterval < 1 {
		return fmt.Errorf("%w: poll_interval must be at least 1 second", ErrConfiguration)
	}
	if cfg.FetchMode != FetchModeAggregate && cfg.FetchMode != FetchModePerKey {
		return fmt.Errorf("%w: fetch_mode must be '%s' or '%s'", ErrConfiguration, FetchModeAggregate, FetchModePerKey)
	}
	if cfg.Source.BaseURL == "" {
		return fmt.Errorf("%w: source.base_url is required", ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(cfg.Source.BaseURL); err != nil {
		return fmt.Errorf("%w: source.base_url: %v", ErrConfiguration, err)
	}
	if cfg.Source.APIKeyEnv == "" && (cfg.Source.Username == "" || cfg.Source.PasswordEnv == "") {
		return fmt.Errorf("%w: source needs username and password_env, or api_key_env", ErrConfiguration)
	}

	limits, err := cfg.Thresholds.Resolve()
	if err != nil {
		return err
	}
	cfg.Limits = limits

	for _, h := range cfg.Mute.DurationsHours {
		if h <= 0 {
			return fmt.Errorf("%w: mute.durations_hours must be positive, got %d", ErrConfiguration, h)
		}
	}

	if tg := cfg.Notifiers.Telegram; tg != nil {
		if tg.TokenEnv == "" {
			return fmt.Errorf("%w: notifiers.telegram.token_env is required", ErrConfiguration)
		}
		if tg.ChatID == 0 {
			return fmt.Errorf("%w: notifiers.telegram.chat_id is required", ErrConfiguration)
		}
	}
	if ap := cfg.Notifiers.Apprise; ap != nil && ap.ServiceURLEnv == "" {
		return fmt.Errorf("%w: notifiers.apprise.service_url_env is required", ErrConfiguration)
	}
	if cfg.Notifiers.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: notifiers.retry.max_attempts must be at least 1", ErrConfiguration)
	}
	return nil
}

// Resolve checks that every threshold is present and returns the value set
func (t ThresholdsFile) Resolve() (Thresholds, error) {
	missing := func(name string) error {
		return fmt.Errorf("%w: thresholds.%s is required", ErrConfiguration, name)
	}
	switch {
	case t.IP == nil:
		return Thresholds{}, missing("ip")
	case t.DiskFreePercent == nil:
		return Thresholds{}, missing("disk_free_percent")
	case t.MaxUpdates == nil:
		return Thresholds{}, missing("max_updates")
	case t.MaxCriticalUpdates == nil:
		return Thresholds{}, missing("max_critical_updates")
	case t.Load1m == nil:
		return Thresholds{}, missing("load_1m")
	case t.Load5m == nil:
		return Thresholds{}, missing("load_5m")
	case t.Load15m == nil:
		return Thresholds{}, missing("load_15m")
	case t.RAMFreePercent == nil:
		return Thresholds{}, missing("ram_free_percent")
	case t.SwapFreePercent == nil:
		return Thresholds{}, missing("swap_free_percent")
	case t.MaxUsers == nil:
		return Thresholds{}, missing("max_users")
	}

	out := Thresholds{
		IP:                 *t.IP,
		DiskFreePercent:    *t.DiskFreePercent,
		MaxUpdates:         *t.MaxUpdates,
		MaxCriticalUpdates: *t.MaxCriticalUpdates,
		Load1m:             *t.Load1m,
		Load5m:             *t.Load5m,
		Load15m:            *t.Load15m,
		RAMFreePercent:     *t.RAMFreePercent,
		SwapFreePercent:    *t.SwapFreePercent,
		MaxUsers:           *t.MaxUsers,
	}
	for name, pct := range map[string]float64{
		"disk_free_percent": out.DiskFreePercent,
		"ram_free_percent":  out.RAMFreePercent,
		"swap_free_percent": out.SwapFreePercent,
	} {
		if pct < 0 || pct > 100 {
			return Thresholds{}, fmt.Errorf("%w: thresholds.%s must be between 0 and 100", ErrConfiguration, name)
		}
	}
	return out, nil
}

// ValidateAPIConfig validates the monitoring API configuration
func ValidateAPIConfig(cfg *APIConfig) error {
	if cfg.Auth.JWTSecretEnv == "" {
		return fmt.Errorf("%w: auth.jwt_secret_env is required", ErrConfiguration)
	}
	if cfg.Auth.FailedAttemptLimit < 1 {
		return fmt.Errorf("%w: auth.failed_attempt_limit must be at least 1", ErrConfiguration)
	}
	for user, env := range cfg.Auth.APIKeys {
		if env == "" {
			return fmt.Errorf("%w: auth.api_keys.%s: env var name is required", ErrConfiguration, user)
		}
	}
	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit values must not be negative", ErrConfiguration)
	}
	return nil
}

// Secret reads a secret from the environment variable named by env
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
