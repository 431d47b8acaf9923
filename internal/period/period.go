// Package period implements the canonical period keys of the accounting
// back office: days, ISO weeks, months and years, each with a string
// encoding, a total order and contiguous successor/predecessor math.
package period

import (
	"fmt"
	"time"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
)

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// WeekClosureDelay is the policy delay before a finished week may be
// proposed for closure. Policy constant, not part of the protocol.
const WeekClosureDelay = 30 * 24 * time.Hour

const dayLayout = "02012006"

type Granularity string

// Key identifies one period of a given granularity. The zero value is
// not a valid key; build one with the *Of constructors or Parse.
type Key struct {
	Gran  Granularity
	Year  int // ISO year for week keys
	Month time.Month
	Day   int
	Week  int
}

// DayOf returns the day key containing t.
func DayOf(t time.Time) Key {
	return Key{Gran: Day, Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// WeekOf returns the ISO week key containing t.
func WeekOf(t time.Time) Key {
	y, w := t.ISOWeek()
	return Key{Gran: Week, Year: y, Week: w}
}

// MonthOf returns the month key containing t.
func MonthOf(t time.Time) Key {
	return Key{Gran: Month, Year: t.Year(), Month: t.Month()}
}

// YearOf returns the year key containing t.
func YearOf(t time.Time) Key {
	return Key{Gran: Year, Year: t.Year()}
}

// Parse decodes a canonical period key: DDMMYYYY for days, SWW-YYYY for
// ISO weeks, MMYYYY for months and YYYY for years.
func Parse(s string) (Key, error) {
	switch {
	case len(s) == 8 && s[0] != 'S':
		t, err := time.Parse(dayLayout, s)
		if err != nil {
			return Key{}, &core.ValidationError{Field: "periodKey", Detail: fmt.Sprintf("%q is not a valid day key (DDMMYYYY)", s)}
		}
		return DayOf(t), nil
	case len(s) == 8 && s[0] == 'S':
		var w, y int
		if _, err := fmt.Sscanf(s, "S%2d-%4d", &w, &y); err != nil {
			return Key{}, &core.ValidationError{Field: "periodKey", Detail: fmt.Sprintf("%q is not a valid week key (SWW-YYYY)", s)}
		}
		if w < 1 || w > weeksInYear(y) {
			return Key{}, &core.ValidationError{Field: "periodKey", Detail: fmt.Sprintf("week %d out of range for %d", w, y)}
		}
		return Key{Gran: Week, Year: y, Week: w}, nil
	case len(s) == 6:
		t, err := time.Parse("012006", s)
		if err != nil {
			return Key{}, &core.ValidationError{Field: "periodKey", Detail: fmt.Sprintf("%q is not a valid month key (MMYYYY)", s)}
		}
		return MonthOf(t), nil
	case len(s) == 4:
		t, err := time.Parse("2006", s)
		if err != nil {
			return Key{}, &core.ValidationError{Field: "periodKey", Detail: fmt.Sprintf("%q is not a valid year key (YYYY)", s)}
		}
		return YearOf(t), nil
	}
	return Key{}, &core.ValidationError{Field: "periodKey", Detail: fmt.Sprintf("unrecognized encoding %q", s)}
}

// String returns the canonical encoding of the key.
func (k Key) String() string {
	switch k.Gran {
	case Day:
		return fmt.Sprintf("%02d%02d%04d", k.Day, int(k.Month), k.Year)
	case Week:
		return fmt.Sprintf("S%02d-%04d", k.Week, k.Year)
	case Month:
		return fmt.Sprintf("%02d%04d", int(k.Month), k.Year)
	case Year:
		return fmt.Sprintf("%04d", k.Year)
	}
	return ""
}

// Start returns the first instant of the period (UTC).
func (k Key) Start() time.Time {
	switch k.Gran {
	case Day:
		return time.Date(k.Year, k.Month, k.Day, 0, 0, 0, 0, time.UTC)
	case Week:
		return isoWeekStart(k.Year, k.Week)
	case Month:
		return time.Date(k.Year, k.Month, 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(k.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Time{}
}

// End returns the first instant after the period (exclusive bound).
func (k Key) End() time.Time {
	switch k.Gran {
	case Day:
		return k.Start().AddDate(0, 0, 1)
	case Week:
		return k.Start().AddDate(0, 0, 7)
	case Month:
		return k.Start().AddDate(0, 1, 0)
	case Year:
		return k.Start().AddDate(1, 0, 0)
	}
	return time.Time{}
}

// Contains reports whether t falls inside the period.
func (k Key) Contains(t time.Time) bool {
	return !t.Before(k.Start()) && t.Before(k.End())
}

// Next returns the immediately following period of the same granularity.
func (k Key) Next() Key {
	return keyOf(k.Gran, k.End())
}

// Prev returns the immediately preceding period of the same granularity.
func (k Key) Prev() Key {
	return keyOf(k.Gran, k.Start().AddDate(0, 0, -1))
}

// Compare orders two keys of the same granularity: -1, 0 or 1.
func (k Key) Compare(o Key) int {
	ks, os := k.Start(), o.Start()
	switch {
	case ks.Before(os):
		return -1
	case ks.After(os):
		return 1
	}
	return 0
}

// IsSuccessorOf reports whether k immediately follows prev. Closure
// cannot skip a period, so the coordinator checks this before advancing
// the closed frontier.
func (k Key) IsSuccessorOf(prev Key) bool {
	return k.Gran == prev.Gran && prev.Next() == k
}

// EligibleForClosure reports whether the period may be proposed for
// closure at the given instant. A period becomes eligible once its end
// is in the past; weeks additionally wait out WeekClosureDelay.
func (k Key) EligibleForClosure(now time.Time) bool {
	end := k.End()
	if k.Gran == Week {
		end = end.Add(WeekClosureDelay)
	}
	return !now.Before(end)
}

// Days lists the day keys covered by the period, in order.
func (k Key) Days() []Key {
	var days []Key
	for t := k.Start(); t.Before(k.End()); t = t.AddDate(0, 0, 1) {
		days = append(days, DayOf(t))
	}
	return days
}

func keyOf(g Granularity, t time.Time) Key {
	switch g {
	case Day:
		return DayOf(t)
	case Week:
		return WeekOf(t)
	case Month:
		return MonthOf(t)
	case Year:
		return YearOf(t)
	}
	return Key{}
}

// isoWeekStart returns the Monday opening the given ISO week. January 4
// always falls in week 1.
func isoWeekStart(year, week int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	wd := int(jan4.Weekday())
	if wd == 0 {
		wd = 7
	}
	week1Monday := jan4.AddDate(0, 0, 1-wd)
	return week1Monday.AddDate(0, 0, (week-1)*7)
}

func weeksInYear(year int) int {
	_, w := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}
