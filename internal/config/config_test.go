package config

import (
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/notify"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0666))
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "config.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	writeFile(t, path, `{
		// comments and trailing commas are allowed
		portal: {
			account: "41047000S",
			password: "hunter2",
		},
	}`)

	cfg, err := Read(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "https://cos4s.ntnu.edu.tw", cfg.Portal.BaseUrl)
	require.Equal(t, 10, cfg.Portal.MaxRetries)
	require.Equal(t, 20, cfg.Portal.CaptchaRetries)
	require.Equal(t, "http://localhost:8080", cfg.Captcha.BaseUrl)
	require.Equal(t, "./db/coursewatch.db", cfg.Database.File)
	require.Equal(t, "@daily", cfg.Database.MaintenanceCron)
	require.Equal(t, 8000, cfg.Commands.Port)

	opts, err := cfg.Portal.ClientOptions()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, opts.RetryDelay)
	require.Equal(t, 30*time.Second, opts.Timeout)
	require.Equal(t, 2.0, opts.RequestsPerSecond)

	schedulerOpts, err := cfg.Scheduler.Options()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, schedulerOpts.Interval)
	require.True(t, schedulerOpts.InitialPass)
}

func TestReadLocalOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.json5"), `{
		portal: {
			account: "41047000S",
			password: "placeholder",
			max_retries: 3,
		},
		scheduler: { interval: "1m" },
		commands: { port: 9000 },
	}`)
	writeFile(t, filepath.Join(dir, "config.local.json5"), `{
		portal: { password: "hunter2" },
		scheduler: { initial_pass: false },
		notify: { webhook_url: "https://discord.com/api/webhooks/1/abc" },
	}`)

	cfg, err := Read(filepath.Join(dir, "config.json5"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "41047000S", cfg.Portal.Account)
	require.Equal(t, "hunter2", cfg.Portal.Password)
	require.Equal(t, 3, cfg.Portal.MaxRetries)
	require.Equal(t, 9000, cfg.Commands.Port)

	schedulerOpts, err := cfg.Scheduler.Options()
	require.NoError(t, err)
	require.Equal(t, time.Minute, schedulerOpts.Interval)
	require.False(t, schedulerOpts.InitialPass)

	_, isWebhook := cfg.Notify.Notifier(telemetry.NewTestAPI()).(*notify.Webhook)
	require.True(t, isWebhook)
}

func TestReadOnlyLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.local.json5"), `{portal: {account: "a", password: "b"}}`)

	cfg, err := Read(filepath.Join(dir, "config.json5"))
	require.NoError(t, err)
	require.Equal(t, "a", cfg.Portal.Account)
}

func TestReadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	writeFile(t, path, `{portal: `)
	_, err := Read(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{Portal: Portal{Account: "a", Password: "b"}}
		cfg.ApplyDefaults()
		return cfg
	}

	table := []struct {
		name   string
		modify func(cfg *Config)
		err    string
	}{
		{name: "valid", modify: func(*Config) {}},
		{
			name:   "missing credentials",
			modify: func(cfg *Config) { cfg.Portal.Password = "" },
			err:    "portal.account and portal.password are required",
		},
		{
			name:   "bad retry delay",
			modify: func(cfg *Config) { cfg.Portal.RetryDelay = "soon" },
			err:    "portal.retry_delay",
		},
		{
			name:   "negative interval",
			modify: func(cfg *Config) { cfg.Scheduler.Interval = "-1m" },
			err:    "scheduler.interval: must be positive",
		},
		{
			name:   "negative retries",
			modify: func(cfg *Config) { cfg.Portal.MaxRetries = -1 },
			err:    "portal.max_retries",
		},
		{
			name: "two notifiers",
			modify: func(cfg *Config) {
				cfg.Notify.WebhookUrl = "https://example.com"
				cfg.Notify.Smtp.Host = "smtp.example.com"
			},
			err: "mutually exclusive",
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.modify(&cfg)
			err := cfg.Validate()
			if test.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, test.err)
		})
	}
}

func TestNotifierFallback(t *testing.T) {
	tel := telemetry.NewTestAPI()

	_, isLog := Notify{}.Notifier(tel).(notify.Log)
	require.True(t, isLog)

	_, isEmail := Notify{Smtp: notify.SmtpConfig{Host: "smtp.example.com"}}.Notifier(tel).(*notify.Email)
	require.True(t, isEmail)
}

func TestOpenDB(t *testing.T) {
	db, err := Database{File: filepath.Join(t.TempDir(), "nested", "watch.db")}.OpenDB()
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	_, err = Database{}.OpenDB()
	require.Error(t, err)
}
