package config

import (
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/crawler"
	"coursewatch/internal/notify"
	"coursewatch/internal/scheduler"
	"coursewatch/pkg/migrations"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

type Portal struct {
	BaseUrl           string  `json:"base_url"`
	Account           string  `json:"account"`
	Password          string  `json:"password"`
	MaxRetries        int     `json:"max_retries"`
	CaptchaRetries    int     `json:"captcha_retries"`
	RetryDelay        string  `json:"retry_delay"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Timeout           string  `json:"timeout"`
}

type Captcha struct {
	BaseUrl string `json:"base_url"`
}

type Scheduler struct {
	Interval string `json:"interval"`
	// InitialPass is a pointer so an explicit false survives merging and defaults.
	InitialPass *bool `json:"initial_pass"`
}

type Database struct {
	File            string `json:"file"`
	Url             string `json:"url"`
	AuthToken       string `json:"auth_token"`
	MaintenanceCron string `json:"maintenance_cron"`
}

type Notify struct {
	WebhookUrl string            `json:"webhook_url"`
	Smtp       notify.SmtpConfig `json:"smtp"`
}

type Commands struct {
	Port        int    `json:"port"`
	AccessToken string `json:"access_token"`
}

type Config struct {
	Portal    Portal           `json:"portal"`
	Captcha   Captcha          `json:"captcha"`
	Scheduler Scheduler        `json:"scheduler"`
	Database  Database         `json:"database"`
	Notify    Notify           `json:"notify"`
	Commands  Commands         `json:"commands"`
	Telemetry telemetry.Config `json:"telemetry"`
}

func splitExt(f string) (string, string) {
	for i := len(f) - 1; i >= 0; i-- {
		if f[i] == '.' {
			return f[0:i], f[i+1:]
		}
	}
	return f, ""
}

func readFile(path string, out *Config) (bool, error) {
	contents, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(contents) == 0 {
		return true, nil
	}
	err = json5.Unmarshal(contents, out)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// Read reads a configuration file, `path` should come with a file extension.
// It merges the following files, where higher number is more prioritized.
// 1. <name>.<ext>
// 2. <name>.local.<ext>
//
// Defaults are filled in for everything left unset. It returns os.ErrNotExist
// when neither file exists.
func Read(path string) (Config, error) {
	var out Config

	found, err := readFile(path, &out)
	if err != nil {
		return Config{}, err
	}

	prefix, ext := splitExt(filepath.Base(path))
	localPath := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s.local.%s", prefix, ext))
	var override Config
	foundLocal, err := readFile(localPath, &override)
	if err != nil {
		return Config{}, err
	}
	if foundLocal {
		err = mergo.Merge(&out, override, mergo.WithOverride)
		if err != nil {
			return Config{}, err
		}
		slog.Info("merging config with local overrides", "local", localPath)
	}

	if !found && !foundLocal {
		return Config{}, os.ErrNotExist
	}

	out.ApplyDefaults()
	return out, nil
}

func (c *Config) ApplyDefaults() {
	if c.Portal.BaseUrl == "" {
		c.Portal.BaseUrl = "https://cos4s.ntnu.edu.tw"
	}
	if c.Portal.MaxRetries == 0 {
		c.Portal.MaxRetries = 10
	}
	if c.Portal.CaptchaRetries == 0 {
		c.Portal.CaptchaRetries = 20
	}
	if c.Portal.RetryDelay == "" {
		c.Portal.RetryDelay = "5s"
	}
	if c.Portal.RequestsPerSecond == 0 {
		c.Portal.RequestsPerSecond = 2
	}
	if c.Portal.Timeout == "" {
		c.Portal.Timeout = "30s"
	}
	if c.Captcha.BaseUrl == "" {
		c.Captcha.BaseUrl = "http://localhost:8080"
	}
	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = "5m"
	}
	if c.Scheduler.InitialPass == nil {
		initialPass := true
		c.Scheduler.InitialPass = &initialPass
	}
	if c.Database.File == "" {
		c.Database.File = "./db/coursewatch.db"
	}
	if c.Database.MaintenanceCron == "" {
		c.Database.MaintenanceCron = "@daily"
	}
	if c.Commands.Port == 0 {
		c.Commands.Port = 8000
	}
}

func parseDuration(name, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", name, value)
	}
	return duration, nil
}

// ClientOptions validates the portal section.
func (p Portal) ClientOptions() (crawler.ClientOptions, error) {
	if p.Account == "" || p.Password == "" {
		return crawler.ClientOptions{}, fmt.Errorf("portal.account and portal.password are required")
	}
	if p.MaxRetries < 0 {
		return crawler.ClientOptions{}, fmt.Errorf("portal.max_retries: must not be negative")
	}
	if p.CaptchaRetries <= 0 {
		return crawler.ClientOptions{}, fmt.Errorf("portal.captcha_retries: must be positive")
	}
	retryDelay, err := parseDuration("portal.retry_delay", p.RetryDelay)
	if err != nil {
		return crawler.ClientOptions{}, err
	}
	timeout, err := parseDuration("portal.timeout", p.Timeout)
	if err != nil {
		return crawler.ClientOptions{}, err
	}
	return crawler.ClientOptions{
		BaseUrl:           p.BaseUrl,
		Account:           p.Account,
		Password:          p.Password,
		MaxRetries:        p.MaxRetries,
		CaptchaRetries:    p.CaptchaRetries,
		RetryDelay:        retryDelay,
		RequestsPerSecond: p.RequestsPerSecond,
		Timeout:           timeout,
	}, nil
}

func (s Scheduler) Options() (scheduler.Options, error) {
	interval, err := parseDuration("scheduler.interval", s.Interval)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{
		Interval:    interval,
		InitialPass: s.InitialPass == nil || *s.InitialPass,
	}, nil
}

// Validate checks every section needed to run the service.
func (c Config) Validate() error {
	_, err := c.Portal.ClientOptions()
	if err != nil {
		return err
	}
	_, err = c.Scheduler.Options()
	if err != nil {
		return err
	}
	if c.Database.File == "" && c.Database.Url == "" {
		return fmt.Errorf("database.file or database.url is required")
	}
	if c.Notify.WebhookUrl != "" && c.Notify.Smtp.Host != "" {
		return fmt.Errorf("notify.webhook_url and notify.smtp are mutually exclusive")
	}
	return nil
}

// OpenDB opens the remote libsql database when a url is configured, the local
// sqlite file otherwise.
func (d Database) OpenDB() (*sql.DB, error) {
	if d.Url != "" {
		return migrations.OpenRemoteDB(d.Url, d.AuthToken)
	}
	if d.File == "" {
		return nil, fmt.Errorf("a path was not specified")
	}
	return migrations.OpenDB(d.File)
}

// Notifier picks the webhook, then smtp, falling back to logging messages.
func (n Notify) Notifier(tel telemetry.API) notify.Notifier {
	switch {
	case n.WebhookUrl != "":
		return notify.NewWebhook(n.WebhookUrl, tel)
	case n.Smtp.Host != "":
		return notify.NewEmail(n.Smtp, tel)
	default:
		return notify.NewLog(tel)
	}
}
