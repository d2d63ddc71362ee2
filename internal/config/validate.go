package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that can be checked without the domain
// packages: durations parse, ceilings are not negative, the backoff
// multiplier grows, timezones load, storage is well-formed, schedule ids
// are present and unique. Cron expressions are validated where the table
// is applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if cfg.Telegram.RatePerSec < 0 {
		return errors.New("telegram.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	if cfg.RateLimit.GlobalPerMinute < 0 ||
		cfg.RateLimit.GlobalPerHour < 0 ||
		cfg.RateLimit.PerRecipientPerMinute < 0 {
		return errors.New("rate_limit ceilings must be >= 0")
	}

	durations := []struct{ path, raw string }{
		{"rate_limit.drain_interval", cfg.RateLimit.DrainInterval},
		{"rate_limit.max_queue_age", cfg.RateLimit.MaxQueueAge},
		{"delivery.recipient_delay", cfg.Delivery.RecipientDelay},
		{"session.base_delay", cfg.Session.BaseDelay},
		{"session.max_delay", cfg.Session.MaxDelay},
		{"oneshot.poll_interval", cfg.Oneshot.PollInterval},
		{"oneshot.save_interval", cfg.Oneshot.SaveInterval},
		{"oneshot.stale_after", cfg.Oneshot.StaleAfter},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if m := cfg.Session.Multiplier; m != 0 && m <= 1 {
		return errors.New("session.multiplier must be > 1")
	}
	if cfg.Session.MaxAttempts < 0 {
		return errors.New("session.max_attempts must be >= 0")
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		switch driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", driver)
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(cfg.Schedules))
	for i, e := range cfg.Schedules {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return fmt.Errorf("schedules[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("schedules[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
	}

	return nil
}
