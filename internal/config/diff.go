package config

import (
	"reflect"
	"sort"
	"strings"

	logx "duedigest/pkg/logx"
)

// restartOnly lists sections that are read once at startup.
var restartOnly = map[string]bool{
	"storage":  true,
	"registry": true,
	"firing":   true,
	"source":   true,
	"sms":      true,
}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets), and the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, needRestart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed = make([]string, 0, 6)
	attrs = make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.housekeeping", strings.TrimSpace(newCfg.Scheduler.Housekeeping)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
			logx.String("queue.retry_base", strings.TrimSpace(newCfg.Queue.RetryBase)),
			logx.String("queue.lease", strings.TrimSpace(newCfg.Queue.Lease)),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs, logx.String("registry.catch_up_window", newCfg.Registry.CatchUpWindow))
	}

	if oldCfg.Firing != newCfg.Firing {
		changed = append(changed, "firing")
		attrs = append(attrs,
			logx.Int("firing.send_attempts", newCfg.Firing.SendAttempts),
			logx.Int("firing.fan_out", newCfg.Firing.FanOut),
		)
	}

	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs, logx.Bool("source.token_env_prefix_set", newCfg.Source.TokenEnvPrefix != ""))
	}

	// Account SID and env names are identifiers, not secrets, but keep the
	// summary to presence flags.
	if oldCfg.SMS != newCfg.SMS {
		changed = append(changed, "sms")
		attrs = append(attrs,
			logx.Bool("sms.account_set", strings.TrimSpace(newCfg.SMS.AccountSID) != ""),
			logx.Bool("sms.status_callback_set", strings.TrimSpace(newCfg.SMS.StatusCallback) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.allow_insecure", newCfg.HTTP.AllowInsecure),
		)
	}

	sort.Strings(changed)
	for _, s := range changed {
		if restartOnly[s] {
			needRestart = append(needRestart, s)
		}
	}
	return changed, attrs, needRestart
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
