/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policy

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/lib/store"
)

// maxScheduleScan bounds the forward scan when computing the end of a
// full-day recurrence span.
const maxScheduleScan = 366

// weekdayIndex converts Go's Sunday-first weekday to the Monday-first
// numbering schedule rules use.
func weekdayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// ruleMatchesDay checks the date filters of a rule (weekday, month,
// day of month) against a local time, ignoring the time window.
func ruleMatchesDay(r store.ScheduleRule, local time.Time) bool {
	if len(r.Weekdays) > 0 && !containsInt(r.Weekdays, weekdayIndex(local.Weekday())) {
		return false
	}
	if len(r.Months) > 0 && !containsInt(r.Months, int(local.Month())) {
		return false
	}
	if len(r.DaysOfMonth) > 0 && !containsInt(r.DaysOfMonth, local.Day()) {
		return false
	}
	return true
}

// RuleMatches reports whether a schedule rule admits the given instant,
// and, when it does, when the current window closes. A window with
// Start > End crosses midnight; the early-morning part of such a window
// belongs to the previous day's date filters.
func RuleMatches(r store.ScheduleRule, now time.Time) (bool, time.Time, error) {
	if !r.Active {
		return false, time.Time{}, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return false, time.Time{}, trace.BadParameter("invalid schedule timezone %q: %v", r.Timezone, err)
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	// No time window: the rule admits whole matching days.
	if r.StartMinute < 0 || r.EndMinute < 0 {
		if !ruleMatchesDay(r, local) {
			return false, time.Time{}, nil
		}
		return true, fullDaySpanEnd(r, local), nil
	}

	if r.StartMinute <= r.EndMinute {
		if ruleMatchesDay(r, local) && minute >= r.StartMinute && minute < r.EndMinute {
			return true, dayMinute(local, r.EndMinute), nil
		}
		return false, time.Time{}, nil
	}

	// Crossing midnight: [start, 24h) on the matching day, [0, end) the
	// morning after.
	if minute >= r.StartMinute {
		if !ruleMatchesDay(r, local) {
			return false, time.Time{}, nil
		}
		return true, dayMinute(local.AddDate(0, 0, 1), r.EndMinute), nil
	}
	if minute < r.EndMinute {
		yesterday := local.AddDate(0, 0, -1)
		if !ruleMatchesDay(r, yesterday) {
			return false, time.Time{}, nil
		}
		return true, dayMinute(local, r.EndMinute), nil
	}
	return false, time.Time{}, nil
}

// fullDaySpanEnd walks forward over consecutive matching days and
// returns the midnight ending the span.
func fullDaySpanEnd(r store.ScheduleRule, local time.Time) time.Time {
	day := local
	for i := 0; i < maxScheduleScan; i++ {
		next := day.AddDate(0, 0, 1)
		if !ruleMatchesDay(r, next) {
			return midnightAfter(day)
		}
		day = next
	}
	return midnightAfter(day)
}

// ScheduleMatches evaluates a policy's schedule set: the policy admits
// when ANY active rule matches, and the effective window end is the
// latest close instant among the matching rules. A policy with no
// schedules admits at any time with no window bound.
func ScheduleMatches(p *store.Policy, now time.Time) (bool, *time.Time, error) {
	if len(p.Schedules) == 0 {
		return true, nil, nil
	}
	var end *time.Time
	matched := false
	for _, r := range p.Schedules {
		ok, ruleEnd, err := RuleMatches(r, now)
		if err != nil {
			return false, nil, trace.Wrap(err)
		}
		if !ok {
			continue
		}
		matched = true
		if end == nil || ruleEnd.After(*end) {
			e := ruleEnd
			end = &e
		}
	}
	return matched, end, nil
}

func dayMinute(local time.Time, minute int) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(),
		minute/60, minute%60, 0, 0, local.Location())
}

func midnightAfter(local time.Time) time.Time {
	next := local.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, local.Location())
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}
