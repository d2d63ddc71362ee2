package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact sorted list of changed
// sections, (2) safe structured attrs for logging (never includes the bot
// token), and (3) the ids of schedule entries that were added, removed, or
// modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec ||
		strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.Bool("telegram.token_changed",
				strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token)),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Admission ceilings
	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.global_per_minute", newCfg.RateLimit.GlobalPerMinute),
			logx.Int("rate_limit.global_per_hour", newCfg.RateLimit.GlobalPerHour),
			logx.Int("rate_limit.per_recipient_per_minute", newCfg.RateLimit.PerRecipientPerMinute),
			logx.String("rate_limit.drain_interval", strings.TrimSpace(newCfg.RateLimit.DrainInterval)),
			logx.String("rate_limit.max_queue_age", strings.TrimSpace(newCfg.RateLimit.MaxQueueAge)),
		)
	}

	// Delivery pacing
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.recipient_delay", strings.TrimSpace(newCfg.Delivery.RecipientDelay)),
		)
	}

	// Session backoff
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.base_delay", strings.TrimSpace(newCfg.Session.BaseDelay)),
			logx.String("session.max_delay", strings.TrimSpace(newCfg.Session.MaxDelay)),
			logx.Float64("session.multiplier", newCfg.Session.Multiplier),
			logx.Int("session.max_attempts", newCfg.Session.MaxAttempts),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// One-time jobs
	if oldCfg.Oneshot != newCfg.Oneshot {
		changed = append(changed, "oneshot")
		attrs = append(attrs,
			logx.String("oneshot.poll_interval", strings.TrimSpace(newCfg.Oneshot.PollInterval)),
			logx.String("oneshot.save_interval", strings.TrimSpace(newCfg.Oneshot.SaveInterval)),
			logx.String("oneshot.stale_after", strings.TrimSpace(newCfg.Oneshot.StaleAfter)),
		)
	}

	// Storage (nil means disabled)
	var oStorage, nStorage StorageConfig
	if oldCfg.Storage != nil {
		oStorage = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStorage = *newCfg.Storage
	}
	if oStorage != nStorage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nStorage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nStorage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nStorage.BusyTimeout)),
		)
	}

	// Schedule table (summarize only; ids carry the detail)
	scheduleChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(scheduleChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(scheduleChanged)),
			logx.Int("schedules.total", len(newCfg.Schedules)),
			logx.Int("schedules.enabled", countEnabledSchedules(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, scheduleChanged
}

func countEnabledSchedules(entries []ScheduleEntry) int {
	n := 0
	for _, e := range entries {
		if e.IsEnabled() {
			n++
		}
	}
	return n
}

// diffSchedules returns the sorted ids of entries that differ between the
// two tables, including entries present on only one side.
func diffSchedules(oldS, newS []ScheduleEntry) []string {
	oldM := make(map[string]ScheduleEntry, len(oldS))
	for _, e := range oldS {
		oldM[strings.TrimSpace(e.ID)] = e
	}
	newM := make(map[string]ScheduleEntry, len(newS))
	for _, e := range newS {
		newM[strings.TrimSpace(e.ID)] = e
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := oldM[id]
		n, inNew := newM[id]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
