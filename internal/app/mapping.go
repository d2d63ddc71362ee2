package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/oneshot"
	"courier/internal/ratelimit"
	"courier/internal/schedule"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/internal/transport"
	"courier/internal/transport/telegram"
	logx "courier/pkg/logx"
)

// The map* helpers translate the on-disk config sections into service
// configs. Durations arrive as strings; unset fields stay zero so each
// service applies its own defaults.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, nil
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	drain, err := config.ParseDurationField("rate_limit.drain_interval", cfg.RateLimit.DrainInterval)
	if err != nil {
		return ratelimit.Config{}, err
	}
	maxAge, err := config.ParseDurationField("rate_limit.max_queue_age", cfg.RateLimit.MaxQueueAge)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		GlobalPerMinute:       cfg.RateLimit.GlobalPerMinute,
		GlobalPerHour:         cfg.RateLimit.GlobalPerHour,
		PerRecipientPerMinute: cfg.RateLimit.PerRecipientPerMinute,
		DrainInterval:         drain,
		MaxQueueAge:           maxAge,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (dispatch.Config, error) {
	delay, err := config.ParseDurationField("delivery.recipient_delay", cfg.Delivery.RecipientDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{RecipientDelay: delay}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	base, err := config.ParseDurationField("session.base_delay", cfg.Session.BaseDelay)
	if err != nil {
		return session.Config{}, err
	}
	max, err := config.ParseDurationField("session.max_delay", cfg.Session.MaxDelay)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		BaseDelay:   base,
		MaxDelay:    max,
		Multiplier:  cfg.Session.Multiplier,
		MaxAttempts: cfg.Session.MaxAttempts,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func mapScheduleDefs(entries []config.ScheduleEntry) []schedule.Definition {
	defs := make([]schedule.Definition, 0, len(entries))
	for _, e := range entries {
		recipients := make([]transport.Recipient, 0, len(e.Recipients))
		for _, r := range e.Recipients {
			recipients = append(recipients, transport.Recipient(r))
		}
		defs = append(defs, schedule.Definition{
			ID:         e.ID,
			Recipients: recipients,
			Message:    e.Message,
			Spec:       e.Cron,
			Timezone:   e.Timezone,
			Enabled:    e.IsEnabled(),
		})
	}
	return defs
}

func mapOneshotConfig(cfg *config.Config) (oneshot.Config, error) {
	poll, err := config.ParseDurationField("oneshot.poll_interval", cfg.Oneshot.PollInterval)
	if err != nil {
		return oneshot.Config{}, err
	}
	save, err := config.ParseDurationField("oneshot.save_interval", cfg.Oneshot.SaveInterval)
	if err != nil {
		return oneshot.Config{}, err
	}
	stale, err := config.ParseDurationField("oneshot.stale_after", cfg.Oneshot.StaleAfter)
	if err != nil {
		return oneshot.Config{}, err
	}
	return oneshot.Config{
		PollInterval: poll,
		SaveInterval: save,
		StaleAfter:   stale,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
