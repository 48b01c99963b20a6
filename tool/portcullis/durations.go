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

package main

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// durationRe matches one value-unit component of a duration string.
var durationRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([A-Za-z]+)`)

// durationUnits maps a unit token to minutes. "M" is handled before
// this lookup; lowercasing it would collide with minutes.
var durationUnits = map[string]int{
	"y": 525600, "year": 525600, "years": 525600,
	"mo": 43200, "mon": 43200, "month": 43200, "months": 43200,
	"w": 10080, "week": 10080, "weeks": 10080,
	"d": 1440, "day": 1440, "days": 1440,
	"h": 60, "hour": 60, "hours": 60, "hr": 60, "hrs": 60,
	"m": 1, "min": 1, "mins": 1, "minute": 1, "minutes": 1,
}

// parseDuration converts a grant duration like "30m", "2h30m", "1.5d",
// "1w", "2mo", "1y6M" or "permanent" into minutes. Zero means no
// expiry. Components add up; fractional values are allowed.
func parseDuration(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	switch strings.ToLower(s) {
	case "0", "permanent", "never", "infinity":
		return 0, nil
	}
	matches := durationRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, trace.BadParameter("cannot parse duration %q", s)
	}
	total := 0.0
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, trace.BadParameter("cannot parse duration %q", s)
		}
		unit := m[2]
		if unit != "M" {
			unit = strings.ToLower(unit)
		} else {
			unit = "mo"
		}
		mult, ok := durationUnits[unit]
		if !ok {
			return 0, trace.BadParameter("unknown duration unit %q in %q", m[2], s)
		}
		total += value * float64(mult)
	}
	return int(total), nil
}

// formatDuration renders minutes as the largest whole units, for
// example 3630 as "2d 12h 30m". Zero renders as "Permanent".
func formatDuration(minutes int) string {
	if minutes == 0 {
		return "Permanent"
	}
	units := []struct {
		name    string
		minutes int
	}{
		{"y", 525600},
		{"mo", 43200},
		{"w", 10080},
		{"d", 1440},
		{"h", 60},
		{"m", 1},
	}
	var parts []string
	for _, u := range units {
		if minutes < u.minutes {
			continue
		}
		parts = append(parts, strconv.Itoa(minutes/u.minutes)+u.name)
		minutes %= u.minutes
	}
	return strings.Join(parts, " ")
}
