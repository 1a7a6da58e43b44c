package scheduler

import (
	"math/rand"
	"time"
)

// RhythmConfig shapes the organic posting cadence.
//
// Defaults (when fields are omitted/zero):
//   - active_hours: 16
//   - jitter: 0.3
//   - quiet_start_hour: 23
//   - morning window: [8, 11)
type RhythmConfig struct {
	ActiveHours      int
	Jitter           float64
	QuietStartHour   int
	MorningStartHour int
	MorningEndHour   int
}

func (c RhythmConfig) withDefaults() RhythmConfig {
	if c.ActiveHours <= 0 {
		c.ActiveHours = 16
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.3
	}
	if c.QuietStartHour <= 0 {
		c.QuietStartHour = 23
	}
	if c.MorningStartHour <= 0 {
		c.MorningStartHour = 8
	}
	if c.MorningEndHour <= c.MorningStartHour {
		c.MorningEndHour = c.MorningStartHour + 3
	}
	return c
}

// RhythmProfile is the personality-aware bias compiled from a bot's
// behavioral profile. It is produced by an external collaborator; a nil
// profile means the plain config cadence.
type RhythmProfile struct {
	// IntervalScale multiplies the base interval (night-owl bots post less
	// often, chatty bots more). 0 means 1.0.
	IntervalScale float64

	// Hour overrides; 0 means "use the config value".
	QuietStartHour   int
	MorningStartHour int
	MorningEndHour   int
}

func (c RhythmConfig) withProfile(p *RhythmProfile) RhythmConfig {
	if p == nil {
		return c
	}
	if p.QuietStartHour > 0 {
		c.QuietStartHour = p.QuietStartHour
	}
	if p.MorningStartHour > 0 {
		c.MorningStartHour = p.MorningStartHour
	}
	if p.MorningEndHour > 0 {
		c.MorningEndHour = p.MorningEndHour
	}
	return c
}

// NextPostTime computes when a bot should post next, given its desired
// cadence. The base interval (active hours / posts per day) is jittered so
// bots don't post in lockstep, and candidates landing in the quiet window
// are rolled forward to a randomized morning slot.
func NextPostTime(cfg RhythmConfig, now time.Time, postsPerDay int, profile *RhythmProfile, rng *rand.Rand) time.Time {
	cfg = cfg.withDefaults().withProfile(profile)
	if postsPerDay <= 0 {
		postsPerDay = 1
	}

	base := time.Duration(cfg.ActiveHours) * time.Hour / time.Duration(postsPerDay)
	if profile != nil && profile.IntervalScale > 0 {
		base = time.Duration(float64(base) * profile.IntervalScale)
	}

	// Jitter in [-j, +j].
	j := cfg.Jitter
	interval := time.Duration(float64(base) * (1 + (rng.Float64()*2-1)*j))
	if interval < time.Minute {
		interval = time.Minute
	}

	candidate := now.Add(interval)
	hour := candidate.Hour()

	switch {
	case hour >= cfg.QuietStartHour:
		// Late night: roll to a morning slot the next day.
		return morningSlot(cfg, candidate.AddDate(0, 0, 1), rng)
	case hour < cfg.MorningStartHour:
		// Small hours: same day, but wait for the morning window.
		return morningSlot(cfg, candidate, rng)
	default:
		return candidate
	}
}

func morningSlot(cfg RhythmConfig, day time.Time, rng *rand.Rand) time.Time {
	h := cfg.MorningStartHour + rng.Intn(cfg.MorningEndHour-cfg.MorningStartHour)
	m := rng.Intn(60)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

// NextCycleTime computes an autonomous bot's next perceive-decide-act slot.
// Cycles are denser than posts; the agent's decision layer may shorten or
// stretch this with the interval it returns.
func NextCycleTime(now time.Time, suggested time.Duration, rng *rand.Rand) time.Time {
	if suggested <= 0 {
		suggested = 30 * time.Minute
	}
	// Light jitter only; agents self-pace via the suggested interval.
	d := time.Duration(float64(suggested) * (1 + (rng.Float64()*2-1)*0.1))
	if d < time.Minute {
		d = time.Minute
	}
	return now.Add(d)
}
