package config

import "time"

// BotConfig is the configuration of the alert poller
type BotConfig struct {
	ServerName     string          `yaml:"server_name"`
	PollInterval   int             `yaml:"poll_interval"` // seconds
	FetchMode      string          `yaml:"fetch_mode"`    // "aggregate" or "per_key"
	FetchTimeout   time.Duration   `yaml:"fetch_timeout"`
	NotifyRecovery bool            `yaml:"notify_recovery"`
	Listen         string          `yaml:"listen"`
	Source         SourceConfig    `yaml:"source"`
	Thresholds     ThresholdsFile  `yaml:"thresholds"`
	Mute           MuteConfig      `yaml:"mute"`
	Notifiers      NotifiersConfig `yaml:"notifiers"`

	// Resolved from ThresholdsFile by validation
	Limits Thresholds `yaml:"-"`
}

// SourceConfig locates the monitoring API
type SourceConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Username           string        `yaml:"username"`
	PasswordEnv        string        `yaml:"password_env"`
	APIKeyEnv          string        `yaml:"api_key_env,omitempty"`
	TokenRefreshMargin time.Duration `yaml:"token_refresh_margin"`
}

// ThresholdsFile mirrors the thresholds section. Pointers tell a missing
// value apart from a zero one.
type ThresholdsFile struct {
	IP                 *string  `yaml:"ip"`
	DiskFreePercent    *float64 `yaml:"disk_free_percent"`
	MaxUpdates         *int     `yaml:"max_updates"`
	MaxCriticalUpdates *int     `yaml:"max_critical_updates"`
	Load1m             *float64 `yaml:"load_1m"`
	Load5m             *float64 `yaml:"load_5m"`
	Load15m            *float64 `yaml:"load_15m"`
	RAMFreePercent     *float64 `yaml:"ram_free_percent"`
	SwapFreePercent    *float64 `yaml:"swap_free_percent"`
	MaxUsers           *int     `yaml:"max_users"`
}

// Thresholds is the validated, read-only threshold set
type Thresholds struct {
	IP                 string
	DiskFreePercent    float64
	MaxUpdates         int
	MaxCriticalUpdates int
	Load1m             float64
	Load5m             float64
	Load15m            float64
	RAMFreePercent     float64
	SwapFreePercent    float64
	MaxUsers           int
}

// MuteConfig is the duration menu offered to operators
type MuteConfig struct {
	DurationsHours []int `yaml:"durations_hours"`
	AllowCustom    bool  `yaml:"allow_custom"`
}

// NotifiersConfig selects delivery channels
type NotifiersConfig struct {
	Apprise  *AppriseConfig  `yaml:"apprise,omitempty"`
	Telegram *TelegramConfig `yaml:"telegram,omitempty"`
	Retry    RetryConfig     `yaml:"retry"`
}

// AppriseConfig points at an Apprise API server
type AppriseConfig struct {
	APIURL        string `yaml:"api_url"`
	ServiceURLEnv string `yaml:"service_url_env"`
}

// TelegramConfig targets one Telegram chat
type TelegramConfig struct {
	TokenEnv string `yaml:"token_env"`
	ChatID   int64  `yaml:"chat_id"`
	APIURL   string `yaml:"api_url,omitempty"`
}

// RetryConfig bounds notification delivery attempts
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
}

// APIConfig is the configuration of the monitoring API
type APIConfig struct {
	Listen             string          `yaml:"listen"`
	MonitoredDisks     []string        `yaml:"monitored_disks"`
	MonitoredProcesses []string        `yaml:"monitored_processes"`
	IPLookupURL        string          `yaml:"ip_lookup_url"`
	ProbeTimeout       time.Duration   `yaml:"probe_timeout"`
	Auth               AuthConfig      `yaml:"auth"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig configures login, tokens and API keys
type AuthConfig struct {
	JWTSecretEnv       string            `yaml:"jwt_secret_env"`
	TokenExpiry        time.Duration     `yaml:"token_expiry"`
	FailedAttemptLimit int               `yaml:"failed_attempt_limit"`
	BlockDuration      time.Duration     `yaml:"block_duration"`
	APIKeys            map[string]string `yaml:"api_keys,omitempty"` // user name -> env var holding the key
	DBPath             string            `yaml:"db_path"`
}

// RateLimitConfig limits requests per client IP
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}
