// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

package sync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed standard 5-field cron expression:
// minute hour day-of-month month day-of-week.
//
// Supported syntax per field: * (any), n, n-m, n,m,o, */s, n-m/s.
// Day-of-week 7 is normalized to 0 (Sunday). When both day fields are
// restricted, either matching suffices, per standard cron behavior.
type CronSchedule struct {
	minutes     map[int]bool
	hours       map[int]bool
	daysOfMonth map[int]bool
	months      map[int]bool
	daysOfWeek  map[int]bool

	domWildcard bool
	dowWildcard bool
}

// cron field bounds, in field order.
var cronBounds = [5]struct{ lo, hi int }{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 7},  // day of week, 7 normalized to 0
}

var cronFieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	sets := [5]map[int]bool{}
	for i, field := range fields {
		set, err := parseCronField(field, cronBounds[i].lo, cronBounds[i].hi)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", cronFieldNames[i], err)
		}
		sets[i] = set
	}

	// Normalize Sunday.
	if sets[4][7] {
		delete(sets[4], 7)
		sets[4][0] = true
	}

	return &CronSchedule{
		minutes:     sets[0],
		hours:       sets[1],
		daysOfMonth: sets[2],
		months:      sets[3],
		daysOfWeek:  sets[4],
		domWildcard: fields[2] == "*",
		dowWildcard: fields[4] == "*",
	}, nil
}

// NextRun returns the first matching time strictly after the given time.
// A nil location means UTC.
func (c *CronSchedule) NextRun(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Add(time.Minute).Truncate(time.Minute)

	// Bounded scan; four years covers every satisfiable 5-field expression.
	limit := 4 * 366 * 24 * 60
	for i := 0; i < limit; i++ {
		if c.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (c *CronSchedule) matches(t time.Time) bool {
	if !c.minutes[t.Minute()] || !c.hours[t.Hour()] || !c.months[int(t.Month())] {
		return false
	}

	domMatch := c.daysOfMonth[t.Day()]
	dowMatch := c.daysOfWeek[int(t.Weekday())]

	switch {
	case c.domWildcard && c.dowWildcard:
		return true
	case c.domWildcard:
		return dowMatch
	case c.dowWildcard:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func parseCronField(field string, lo, hi int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if err := parseCronPart(part, lo, hi, set); err != nil {
			return nil, err
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	return set, nil
}

func parseCronPart(part string, lo, hi int, set map[int]bool) error {
	step := 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid step value: %s", part[idx+1:])
		}
		step = s
		part = part[:idx]
	}

	start, end := lo, hi
	switch {
	case part == "*":
		// Full range.
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if start, err = strconv.Atoi(bounds[0]); err != nil {
			return fmt.Errorf("invalid range start: %s", bounds[0])
		}
		if end, err = strconv.Atoi(bounds[1]); err != nil {
			return fmt.Errorf("invalid range end: %s", bounds[1])
		}
		if start > end || start < lo || end > hi {
			return fmt.Errorf("range %d-%d outside %d-%d", start, end, lo, hi)
		}
	default:
		val, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value: %s", part)
		}
		if val < lo || val > hi {
			return fmt.Errorf("value %d outside %d-%d", val, lo, hi)
		}
		start = val
		if step == 1 {
			end = val
		}
		// "n/s" steps from n to the field maximum.
	}

	for v := start; v <= end; v += step {
		set[v] = true
	}
	return nil
}

// CalculateNextRun parses expr and returns the first run after the given
// time in the named timezone.
func CalculateNextRun(expr string, after time.Time, timezone string) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}

	var loc *time.Location
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return schedule.NextRun(after, loc), nil
}
