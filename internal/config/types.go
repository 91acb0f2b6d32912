package config

import (
	"errors"
	"strings"
)

// Config is the static process configuration loaded from file.
//
// Runtime-tunable behavior (notification toggles, escalation timeout, SMS
// intro text, mail sender filter) lives in the settings store instead, so
// operators can flip it through the HTTP API without a restart.
type Config struct {
	// PublicBaseURL is the externally reachable base URL used to build the
	// deep links embedded in SMS and chat notifications.
	PublicBaseURL string `json:"public_base_url"`

	HTTP     HTTPConfig     `json:"http"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	SMS      SMSConfig      `json:"sms"`
	Mail     MailConfig     `json:"mail"`
}

type HTTPConfig struct {
	Address string `json:"address"`
	// StaticDir serves the admin UI build when non-empty.
	StaticDir string `json:"static_dir,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type SMSConfig struct {
	// Token authenticates against the SMS gateway REST API.
	Token   string `json:"token"`
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type MailConfig struct {
	// Account is the mailbox user the history API reads ("me" works for
	// the authenticated account).
	Account string `json:"account"`
	// Topic is the pub/sub topic the provider pushes new-mail events to;
	// it is re-registered by the daily watch renewal.
	Topic   string `json:"topic,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token"`
	Timeout string `json:"timeout,omitempty"`
	// WatchRenewCron overrides the renewal schedule (default "0 2 * * *").
	WatchRenewCron string `json:"watch_renew_cron,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("sms.timeout", c.SMS.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("mail.timeout", c.Mail.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	return nil
}

// Address returns the HTTP listen address with a sane default.
func (h HTTPConfig) ListenAddress() string {
	if strings.TrimSpace(h.Address) == "" {
		return ":3978"
	}
	return h.Address
}
