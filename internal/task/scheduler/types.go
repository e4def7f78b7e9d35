package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "duedigest/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone applies to specs without a CRON_TZ prefix. Empty means UTC.
	Timezone string
}

// FireFunc receives the instant the entry was scheduled for, which is stable
// even if the callback runs late.
type FireFunc func(scheduledFor time.Time)

type entryKind int

const (
	kindCron entryKind = iota
	kindInterval
)

type def struct {
	name    string
	spec    string
	kind    entryKind
	every   time.Duration
	fire    FireFunc
	sched   cron.Schedule
	entryID cron.EntryID
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def
}

type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
