package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duedigest/internal/config"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	prev := lookupEnv
	lookupEnv = func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	t.Cleanup(func() { lookupEnv = prev })
}

func baseConfig() *config.Config {
	return &config.Config{
		Storage:   config.StorageConfig{Path: "./x.db"},
		Scheduler: config.SchedulerConfig{Enabled: true},
	}
}

func TestValidateConfigDefaults(t *testing.T) {
	withEnv(t, nil)
	require.NoError(t, validateConfig(context.Background(), baseConfig()))

	_, hk, err := mapSchedulerConfig(baseConfig())
	require.NoError(t, err)
	assert.Equal(t, defaultHousekeeping, hk)

	ec, err := mapTaskEngineConfig(baseConfig())
	require.NoError(t, err)
	assert.True(t, ec.Enabled, "engine follows scheduler when omitted")

	_, live, err := mapSMSConfig(baseConfig())
	require.NoError(t, err)
	assert.False(t, live, "no account sid means dry run")
}

func TestValidateConfigRejects(t *testing.T) {
	withEnv(t, nil)
	off := false
	cases := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"storage path", func(c *config.Config) { c.Storage.Path = " " }},
		{"scheduler tz", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Base" }},
		{"housekeeping", func(c *config.Config) { c.Scheduler.Housekeeping = "every:-1m" }},
		{"engine off with scheduler", func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Enabled: &off} }},
		{"queue duration", func(c *config.Config) { c.Queue.Lease = "soon" }},
		{"queue jitter", func(c *config.Config) { c.Queue.RetryJitter = 1.5 }},
		{"catch up", func(c *config.Config) { c.Registry.CatchUpWindow = "later" }},
		{"catch up beyond retention", func(c *config.Config) { c.Registry.CatchUpWindow = "72h"; c.Queue.Retention = "48h" }},
		{"catch up beyond default retention", func(c *config.Config) { c.Registry.CatchUpWindow = "200h" }},
		{"default catch up beyond retention", func(c *config.Config) { c.Queue.Retention = "6h" }},
		{"fan out", func(c *config.Config) { c.Firing.FanOut = -1 }},
		{"source rate", func(c *config.Config) { c.Source.RatePerSec = -1 }},
		{"sms token missing", func(c *config.Config) { c.SMS.AccountSID = "AC1"; c.SMS.From = "+15550001111" }},
		{"http timeout", func(c *config.Config) { c.HTTP.IdleTimeout = "1 minute" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := baseConfig()
			tc.mutate(c)
			assert.Error(t, validateConfig(context.Background(), c))
		})
	}
}

func TestMapSMSConfigLive(t *testing.T) {
	withEnv(t, map[string]string{"SMS_TOKEN": " secret "})
	c := baseConfig()
	c.SMS = config.SMSConfig{AccountSID: "AC1", AuthTokenEnv: "SMS_TOKEN", From: "+15550001111", Timeout: "5s"}

	sc, live, err := mapSMSConfig(c)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, "secret", sc.AuthToken)
	assert.Equal(t, 5*time.Second, sc.Timeout)

	c.SMS.From = "not-a-number"
	_, _, err = mapSMSConfig(c)
	assert.Error(t, err)
}

func TestMapHTTPConfigReadsTokensFromEnv(t *testing.T) {
	withEnv(t, map[string]string{"API_TOKEN": "a", "CB_TOKEN": "b"})
	c := baseConfig()
	c.HTTP = config.HTTPConfig{Enabled: true, TokenEnv: "API_TOKEN", CallbackTokenEnv: "CB_TOKEN"}

	hc, err := mapHTTPConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "a", hc.Token)
	assert.Equal(t, "b", hc.CallbackToken)
	assert.Equal(t, 10*time.Second, hc.ReadTimeout)
	assert.Equal(t, 60*time.Second, hc.IdleTimeout)
}

func TestCatchUpWindowWithinRetention(t *testing.T) {
	withEnv(t, nil)
	c := baseConfig()
	c.Registry.CatchUpWindow = "12h"
	c.Queue.Retention = "24h"
	assert.NoError(t, validateConfig(context.Background(), c))

	c.Registry.CatchUpWindow = "off"
	c.Queue.Retention = "1h"
	assert.NoError(t, validateConfig(context.Background(), c))
}

func TestMapRegistryConfigOff(t *testing.T) {
	c := baseConfig()
	c.Registry.CatchUpWindow = "OFF"
	rc, err := mapRegistryConfig(c)
	require.NoError(t, err)
	assert.Negative(t, rc.CatchUpWindow)
}

func TestAppStartStop(t *testing.T) {
	withEnv(t, nil)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "logging:\n  level: error\nstorage:\n  path: " + filepath.Join(dir, "dd.db") + "\nscheduler:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	a, err := New(cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.sched.Has(housekeepingEntry))

	select {
	case <-a.Done():
		t.Fatalf("app stopped early: %v", a.Err())
	default:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	<-a.Done()
	assert.NoError(t, a.Err())
}
