// Package scheduler is the trigger backend: named cron entries (each spec may
// carry its own CRON_TZ) and jittered housekeeping intervals. It only decides
// when something fires; the fire callback hands work to the durable queue.
package scheduler
