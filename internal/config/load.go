package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load reads, strictly decodes, and validates the config at path.
// Any failure here is run-fatal: nothing downstream starts on a bad config.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes config bytes without validating them.
func Parse(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and duration syntax.
// It does not apply defaults; components do that in their constructors.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if c.API.AniList.RequestsPerMinute < 0 {
		return errors.New("api.anilist.requests_per_minute must be >= 0")
	}
	if _, err := ParseDurationField("api.anilist.timeout", c.API.AniList.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("circuit_breaker.cooldown", c.CircuitBreaker.Cooldown); err != nil {
		return err
	}

	if strings.TrimSpace(c.Notification.Telegram.Token) == "" {
		return errors.New("notification.telegram.token is required")
	}
	if c.Notification.Telegram.ChatID == 0 {
		return errors.New("notification.telegram.chat_id is required")
	}
	if _, err := ParseDurationField("notification.retry_base", c.Notification.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("notification.retry_max_delay", c.Notification.RetryMaxDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("notification.calendar.timeout", c.Notification.Calendar.Timeout); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		where := fmt.Sprintf("feeds[%d]", i)
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("%s: id is required", where)
		}
		if seen[f.ID] {
			return fmt.Errorf("%s: duplicate feed id %q", where, f.ID)
		}
		seen[f.ID] = true
		if strings.TrimSpace(f.URL) == "" {
			return fmt.Errorf("%s (%s): url is required", where, f.ID)
		}
		switch f.Kind {
		case "anime", "manga":
		default:
			return fmt.Errorf("%s (%s): kind must be \"anime\" or \"manga\", got %q", where, f.ID, f.Kind)
		}
		if _, err := ParseDurationField(where+".timeout", f.Timeout); err != nil {
			return err
		}
	}

	return nil
}
