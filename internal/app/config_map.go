package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"duedigest/internal/config"
	"duedigest/internal/firing"
	"duedigest/internal/httpapi"
	"duedigest/internal/registry"
	"duedigest/internal/sms"
	"duedigest/internal/source"
	"duedigest/internal/storage"
	"duedigest/internal/task/engine"
	"duedigest/internal/task/queue"
	"duedigest/internal/task/scheduler"
	logx "duedigest/pkg/logx"
)

const (
	defaultSMSTokenEnv  = "DUEDIGEST_SMS_AUTH_TOKEN"
	defaultHousekeeping = "every:5m"
)

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, string, error) {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, "", fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	hk := strings.TrimSpace(cfg.Scheduler.Housekeeping)
	if hk == "" {
		hk = defaultHousekeeping
	}
	if _, err := scheduler.ParseSchedule(hk); err != nil {
		return scheduler.Config{}, "", fmt.Errorf("scheduler.housekeeping: %w", err)
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}, hk, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{Enabled: enabled}, nil
	}
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	// Triggers without an engine would queue jobs nobody runs.
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	timeout, err := parseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	q := cfg.Queue
	var (
		out queue.Config
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"queue.poll_interval", q.PollInterval, &out.PollInterval},
		{"queue.lease", q.Lease, &out.Lease},
		{"queue.retention", q.Retention, &out.Retention},
		{"queue.retry_base", q.RetryBase, &out.Policy.Base},
		{"queue.retry_max_delay", q.RetryMaxDelay, &out.Policy.Max},
		{"queue.rate_limit_floor", q.RateLimitFloor, &out.Policy.RateLimitFloor},
	}
	for _, f := range fields {
		if *f.dst, err = parseDurationField(f.path, f.raw); err != nil {
			return queue.Config{}, err
		}
	}
	if q.BatchSize < 0 || q.MaxAttempts < 0 {
		return queue.Config{}, fmt.Errorf("queue.batch_size and queue.max_attempts must be >= 0")
	}
	if q.RetryJitter < 0 || q.RetryJitter > 1 {
		return queue.Config{}, fmt.Errorf("queue.retry_jitter must be within [0,1]")
	}
	out.BatchSize = q.BatchSize
	out.Policy.MaxAttempts = q.MaxAttempts
	out.Policy.Jitter = q.RetryJitter
	return out, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	raw := strings.TrimSpace(cfg.Registry.CatchUpWindow)
	if strings.EqualFold(raw, "off") {
		return registry.Config{CatchUpWindow: -1}, nil
	}
	d, err := parseDurationField("registry.catch_up_window", raw)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{CatchUpWindow: d}, nil
}

func mapFiringConfig(cfg *config.Config) (firing.Config, error) {
	f := cfg.Firing
	if f.SendAttempts < 0 || f.FanOut < 0 {
		return firing.Config{}, fmt.Errorf("firing.send_attempts and firing.fan_out must be >= 0")
	}
	backoff, err := parseDurationField("firing.send_backoff", f.SendBackoff)
	if err != nil {
		return firing.Config{}, err
	}
	return firing.Config{SendAttempts: f.SendAttempts, SendBackoff: backoff, FanOut: f.FanOut}, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, source.EnvCredentials, error) {
	s := cfg.Source
	timeout, err := parseDurationField("source.timeout", s.Timeout)
	if err != nil {
		return source.Config{}, source.EnvCredentials{}, err
	}
	if s.RatePerSec < 0 || s.MaxPages < 0 {
		return source.Config{}, source.EnvCredentials{}, fmt.Errorf("source.rate_per_sec and source.max_pages must be >= 0")
	}
	return source.Config{Timeout: timeout, RatePerSec: s.RatePerSec, MaxPages: s.MaxPages, UserAgent: s.UserAgent},
		source.EnvCredentials{Prefix: s.TokenEnvPrefix, Lookup: lookupEnv}, nil
}

// mapSMSConfig returns the provider config and whether a real provider is
// configured. Without one the app runs in dry-run mode.
func mapSMSConfig(cfg *config.Config) (sms.Config, bool, error) {
	s := cfg.SMS
	timeout, err := parseDurationField("sms.timeout", s.Timeout)
	if err != nil {
		return sms.Config{}, false, err
	}
	if s.RatePerSec < 0 {
		return sms.Config{}, false, fmt.Errorf("sms.rate_per_sec must be >= 0")
	}
	sid := strings.TrimSpace(s.AccountSID)
	if sid == "" {
		return sms.Config{}, false, nil
	}
	envName := strings.TrimSpace(s.AuthTokenEnv)
	if envName == "" {
		envName = defaultSMSTokenEnv
	}
	token, _ := lookupEnv(envName)
	if strings.TrimSpace(token) == "" {
		return sms.Config{}, false, fmt.Errorf("sms.account_sid is set but %s is empty", envName)
	}
	if err := sms.ValidateAddress(strings.TrimSpace(s.From)); err != nil {
		return sms.Config{}, false, fmt.Errorf("sms.from: %w", err)
	}
	return sms.Config{
		BaseURL:        s.BaseURL,
		AccountSID:     sid,
		AuthToken:      strings.TrimSpace(token),
		From:           strings.TrimSpace(s.From),
		StatusCallback: s.StatusCallback,
		Timeout:        timeout,
		RatePerSec:     s.RatePerSec,
	}, true, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := parseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := parseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := parseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	envValue := func(name string) string {
		if strings.TrimSpace(name) == "" {
			return ""
		}
		v, _ := lookupEnv(strings.TrimSpace(name))
		return strings.TrimSpace(v)
	}
	return httpapi.Config{
		Enabled:              h.Enabled,
		Addr:                 h.Addr,
		Token:                envValue(h.TokenEnv),
		CallbackToken:        envValue(h.CallbackTokenEnv),
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}, nil
}

// validateConfig is the config manager's commit hook: every section must map.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return err
	}
	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		return err
	}
	if err := checkCatchUpWithinRetention(rc, qc); err != nil {
		return err
	}
	if _, err := mapFiringConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSMSConfig(cfg); err != nil {
		return err
	}
	_, err = mapHTTPConfig(cfg)
	return err
}

// checkCatchUpWithinRetention keeps catch-up from re-enqueuing a firing whose
// job row was already pruned, which would send it twice.
func checkCatchUpWithinRetention(rc registry.Config, qc queue.Config) error {
	window := rc.CatchUpWindow
	if window < 0 {
		return nil
	}
	if window == 0 {
		window = registry.DefaultCatchUpWindow
	}
	retention := qc.Retention
	if retention <= 0 {
		retention = queue.DefaultRetention
	}
	if window >= retention {
		return fmt.Errorf("registry.catch_up_window (%s) must be shorter than queue.retention (%s)", window, retention)
	}
	return nil
}
