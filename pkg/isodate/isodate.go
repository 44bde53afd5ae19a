// Package isodate handles the ISO-8601 durations used for scene time.
//
// Calendar units are approximated: a year is 365 days and a month is 30 days.
package isodate

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	secondsPerMinute = 60
	secondsPerHour   = 60 * secondsPerMinute
	secondsPerDay    = 24 * secondsPerHour
	daysPerMonth     = 30
	daysPerYear      = 365
	daysPerWeek      = 7
)

// Zero is the empty duration.
const Zero = "PT0S"

// Duration holds the components of an ISO-8601 duration.
type Duration struct {
	Negative bool
	Years    int
	Months   int
	Weeks    int
	Days     int
	Hours    int
	Minutes  int
	Seconds  int
}

var durationPattern = regexp.MustCompile(`^(-)?P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// Parse parses an ISO-8601 duration such as P1Y2M3DT4H5M6S.
func Parse(s string) (Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "-P" || strings.HasSuffix(s, "T") {
		return Duration{}, fmt.Errorf("invalid ISO-8601 duration: %q", s)
	}

	atoi := func(v string) int {
		if v == "" {
			return 0
		}
		n, _ := strconv.Atoi(v)
		return n
	}

	d := Duration{
		Negative: m[1] == "-",
		Years:    atoi(m[2]),
		Months:   atoi(m[3]),
		Weeks:    atoi(m[4]),
		Days:     atoi(m[5]),
		Hours:    atoi(m[6]),
		Minutes:  atoi(m[7]),
	}
	if m[8] != "" {
		f, _ := strconv.ParseFloat(m[8], 64)
		d.Seconds = int(math.Round(f))
	}
	return d, nil
}

// TotalSeconds returns the signed length of d in seconds.
func (d Duration) TotalSeconds() int64 {
	days := int64(d.Years)*daysPerYear + int64(d.Months)*daysPerMonth + int64(d.Weeks)*daysPerWeek + int64(d.Days)
	total := days*secondsPerDay + int64(d.Hours)*secondsPerHour + int64(d.Minutes)*secondsPerMinute + int64(d.Seconds)
	if d.Negative {
		return -total
	}
	return total
}

// String formats d as an ISO-8601 duration.
func (d Duration) String() string {
	var sb strings.Builder
	if d.Negative {
		sb.WriteString("-")
	}
	sb.WriteString("P")
	if d.Years > 0 {
		fmt.Fprintf(&sb, "%dY", d.Years)
	}
	if d.Months > 0 {
		fmt.Fprintf(&sb, "%dM", d.Months)
	}
	if d.Weeks > 0 {
		fmt.Fprintf(&sb, "%dW", d.Weeks)
	}
	if d.Days > 0 {
		fmt.Fprintf(&sb, "%dD", d.Days)
	}
	if d.Hours > 0 || d.Minutes > 0 || d.Seconds > 0 {
		sb.WriteString("T")
		if d.Hours > 0 {
			fmt.Fprintf(&sb, "%dH", d.Hours)
		}
		if d.Minutes > 0 {
			fmt.Fprintf(&sb, "%dM", d.Minutes)
		}
		if d.Seconds > 0 {
			fmt.Fprintf(&sb, "%dS", d.Seconds)
		}
	}
	out := sb.String()
	if out == "P" || out == "-P" {
		return Zero
	}
	return out
}

// FromSeconds builds an exact day/hour/minute/second duration.
func FromSeconds(total int64) Duration {
	d := Duration{}
	if total < 0 {
		d.Negative = true
		total = -total
	}
	d.Days = int(total / secondsPerDay)
	total %= secondsPerDay
	d.Hours = int(total / secondsPerHour)
	total %= secondsPerHour
	d.Minutes = int(total / secondsPerMinute)
	d.Seconds = int(total % secondsPerMinute)
	return d
}

// Normalize flattens d according to its overall magnitude:
// under 3 days keeps days and clock time, under 30 days keeps days, under
// 6 months keeps months and days, under 12 months keeps months, under 36
// months keeps years and months, and anything longer is rounded to years.
func Normalize(d Duration) Duration {
	total := d.TotalSeconds()
	neg := total < 0
	if neg {
		total = -total
	}
	totalDays := total / secondsPerDay
	totalMonths := int(totalDays / daysPerMonth)
	out := Duration{Negative: neg}

	switch {
	case totalDays < 3:
		out = FromSeconds(total)
		out.Negative = neg
	case totalDays < daysPerMonth:
		out.Days = int(totalDays)
	case totalMonths < 6:
		out.Months = totalMonths
		out.Days = int(totalDays % daysPerMonth)
	case totalMonths < 12:
		out.Months = totalMonths
	case totalMonths < 36:
		out.Years = totalMonths / 12
		out.Months = totalMonths % 12
	default:
		out.Years = totalMonths / 12
		if totalMonths%12 >= 6 {
			out.Years++
		}
	}
	return out
}

// Add returns a+b normalized. With clampNonNegative a negative sum becomes PT0S.
// Empty operands yield PT0S.
func Add(a, b string, clampNonNegative bool) (string, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return Zero, nil
	}
	da, err := Parse(a)
	if err != nil {
		return "", err
	}
	db, err := Parse(b)
	if err != nil {
		return "", err
	}
	sum := da.TotalSeconds() + db.TotalSeconds()
	if clampNonNegative && sum < 0 {
		return Zero, nil
	}
	return Normalize(FromSeconds(sum)).String(), nil
}

// Compare returns -1, 0 or 1 comparing the lengths of a and b.
func Compare(a, b string) (int, error) {
	da, err := Parse(a)
	if err != nil {
		return 0, err
	}
	db, err := Parse(b)
	if err != nil {
		return 0, err
	}
	x, y := da.TotalSeconds(), db.TotalSeconds()
	switch {
	case x < y:
		return -1, nil
	case x > y:
		return 1, nil
	}
	return 0, nil
}

// FromAmount converts an amount and a unit name ("minutes", "days", ...) into
// an ISO-8601 duration.
func FromAmount(amount int, unit string) (string, error) {
	unit = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(unit)), "s")
	d := Duration{}
	switch unit {
	case "second":
		d.Seconds = amount
	case "minute":
		d.Minutes = amount
	case "hour":
		d.Hours = amount
	case "day":
		d.Days = amount
	case "week":
		d.Weeks = amount
	case "month":
		d.Months = amount
	case "year":
		d.Years = amount
	default:
		return "", fmt.Errorf("unknown time unit: %q", unit)
	}
	return d.String(), nil
}

// Human renders a duration as text, e.g. "3 days and 2 hours later".
// A zero duration renders as "moments" followed by the suffix.
func Human(iso, suffix string) (string, error) {
	d, err := Parse(iso)
	if err != nil {
		return "", err
	}
	d = Normalize(d)

	type part struct {
		n    int
		unit string
	}
	var parts []string
	for _, p := range []part{
		{d.Years, "year"}, {d.Months, "month"}, {d.Weeks, "week"}, {d.Days, "day"},
		{d.Hours, "hour"}, {d.Minutes, "minute"}, {d.Seconds, "second"},
	} {
		if p.n == 0 {
			continue
		}
		unit := p.unit
		if p.n != 1 {
			unit += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", p.n, unit))
	}

	var text string
	switch len(parts) {
	case 0:
		text = "moments"
	case 1:
		text = parts[0]
	default:
		text = strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
	return text + suffix, nil
}

var titleCaser = cases.Title(language.English)

// Heading renders a duration as a title-cased marker, e.g. "3 Days Later".
func Heading(iso string) (string, error) {
	text, err := Human(iso, " later")
	if err != nil {
		return "", err
	}
	return titleCaser.String(text), nil
}
