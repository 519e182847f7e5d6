// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

import (
	"math/rand"
	"time"
)

// IntervalResolution selects the unit a rotation interval is measured in.
// Production deployments run on days; minutes exist so an accelerated
// environment can exercise full rotation cycles quickly.
type IntervalResolution int

const (
	IntervalDays IntervalResolution = iota
	IntervalMinutes
)

func (r IntervalResolution) String() string {
	if r == IntervalMinutes {
		return "minutes"
	}
	return "days"
}

// ParseIntervalResolution maps a configuration string to a resolution.
// Anything other than "minutes" falls back to days.
func ParseIntervalResolution(s string) IntervalResolution {
	if s == "minutes" {
		return IntervalMinutes
	}
	return IntervalDays
}

// NextRotation computes when a rotation config is due next.
//
// A disabled config never comes due and gets the zero time. After a failed
// rotation the next attempt happens at the next occurrence of the configured
// hh:mm UTC, so a broken target is retried within a day instead of a full
// interval later. Otherwise the due time is lastRotatedAt plus the interval,
// snapped to the configured hh:mm UTC. A manual rotation performed after that
// day's snap point would otherwise schedule less than a full interval out, so
// it pushes the due time one more interval.
//
// Minute resolution skips the hh:mm snapping entirely since a wall clock
// anchor is meaningless at that granularity.
func NextRotation(cfg *RotationConfig, manual bool, now time.Time, resolution IntervalResolution) time.Time {
	if !cfg.IsAutoRotationEnabled {
		return time.Time{}
	}

	last := cfg.LastRotatedAt
	if last.IsZero() {
		last = now
	}
	last = last.UTC()
	now = now.UTC()

	if resolution == IntervalMinutes {
		if cfg.LastRotationStatus == RotationStatusFailed {
			return now.Add(time.Duration(cfg.Interval) * time.Minute)
		}
		return last.Add(time.Duration(cfg.Interval) * time.Minute)
	}

	if cfg.LastRotationStatus == RotationStatusFailed {
		next := time.Date(now.Year(), now.Month(), now.Day(),
			cfg.RotateAt.Hours, cfg.RotateAt.Minutes, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}

	next := last.AddDate(0, 0, cfg.Interval)
	next = time.Date(next.Year(), next.Month(), next.Day(),
		cfg.RotateAt.Hours, cfg.RotateAt.Minutes, 0, 0, time.UTC)

	if manual {
		lastMinutes := last.Hour()*60 + last.Minute()
		snapMinutes := cfg.RotateAt.Hours*60 + cfg.RotateAt.Minutes
		if lastMinutes >= snapMinutes {
			next = next.AddDate(0, 0, cfg.Interval)
		}
	}
	return next
}

// jitterDuration spreads d by up to pct in either direction so restored
// timers do not all fire at once.
func jitterDuration(d time.Duration, pct float64) time.Duration {
	if d <= 0 || pct <= 0 {
		return d
	}
	maxJitter := int64(float64(d) * pct)
	if maxJitter <= 0 {
		return d
	}
	return d - time.Duration(maxJitter/2) + time.Duration(rand.Int63n(maxJitter))
}
