package config

// Config is the on-disk configuration. JSON or YAML (by extension); unknown
// keys are rejected. All durations are Go duration strings ("500ms", "10s").
//
// Secrets never live here: the SMS auth token and source tokens come from the
// environment (see SMSConfig.AuthTokenEnv and SourceConfig.TokenEnvPrefix).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution. If omitted, defaults apply with
	// enabled=scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Queue      QueueConfig       `json:"queue"`
	Registry   RegistryConfig    `json:"registry"`
	Firing     FiringConfig      `json:"firing"`
	Source     SourceConfig      `json:"source"`
	SMS        SMSConfig         `json:"sms"`
	HTTP       HTTPConfig        `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig points at the sqlite database.
//
// Example:
//
//	"storage": { "path": "./duedigest.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for housekeeping specs. Digest triggers carry their own zone.
	Timezone string `json:"timezone,omitempty"`
	// Housekeeping is the schedule for lease requeue and job pruning.
	// Accepts cron, a Go duration, or HH:MM. Default "every:5m".
	Housekeeping string `json:"housekeeping,omitempty"`
}

// TaskEngineConfig controls the worker pool.
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// scheduler.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 5
//   - queue_size: workers*4
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// QueueConfig controls the durable job queue and its retry policy.
type QueueConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default 1s
	Lease        string `json:"lease,omitempty"`         // default 10m
	BatchSize    int    `json:"batch_size,omitempty"`    // default 8
	Retention    string `json:"retention,omitempty"`     // default 168h

	MaxAttempts    int     `json:"max_attempts,omitempty"`     // default 3
	RetryBase      string  `json:"retry_base,omitempty"`       // default 1m
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`  // default 30m
	RetryJitter    float64 `json:"retry_jitter,omitempty"`     // default 0.2
	RateLimitFloor string  `json:"rate_limit_floor,omitempty"` // default 2*retry_base
}

type RegistryConfig struct {
	// CatchUpWindow bounds how late a missed firing may still be sent after a
	// restart. Default 6h; "off" disables catch-up.
	CatchUpWindow string `json:"catch_up_window,omitempty"`
}

type FiringConfig struct {
	SendAttempts int    `json:"send_attempts,omitempty"` // default 3
	SendBackoff  string `json:"send_backoff,omitempty"`  // default 2s
	FanOut       int    `json:"fan_out,omitempty"`       // default 4
}

type SourceConfig struct {
	Timeout    string  `json:"timeout,omitempty"` // default 20s
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	MaxPages   int     `json:"max_pages,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	// TokenEnvPrefix is prepended to each subject's credential ref to form
	// the environment variable holding its token.
	TokenEnvPrefix string `json:"token_env_prefix,omitempty"`
}

// SMSConfig selects the delivery provider. With no account SID the service
// runs in dry-run mode and logs messages instead of sending them.
type SMSConfig struct {
	BaseURL        string  `json:"base_url,omitempty"`
	AccountSID     string  `json:"account_sid,omitempty"`
	AuthTokenEnv   string  `json:"auth_token_env,omitempty"` // default DUEDIGEST_SMS_AUTH_TOKEN
	From           string  `json:"from,omitempty"`
	StatusCallback string  `json:"status_callback,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the control-surface server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// TokenEnv and CallbackTokenEnv name environment variables (do not log).
	TokenEnv         string `json:"token_env,omitempty"`
	CallbackTokenEnv string `json:"callback_token_env,omitempty"`
	AllowInsecure    bool   `json:"allow_insecure,omitempty"`
	Pprof            bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
