// Package dates normalizes spoken English and Spanish date phrases into ISO
// dates for payment scheduling.
package dates

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Result is the outcome of normalizing one transcript.
type Result struct {
	OK            bool    `json:"ok"`
	Date          string  `json:"date,omitempty"`
	Time          string  `json:"time,omitempty"`
	DatetimeLocal string  `json:"datetime_local,omitempty"`
	Timezone      string  `json:"timezone"`
	Confidence    float64 `json:"confidence"`
	// NeedsConfirmation marks ambiguous phrases (weekday names) that must be
	// confirmed with the caller before acting.
	NeedsConfirmation bool   `json:"needs_confirmation"`
	Notes             string `json:"notes,omitempty"`
}

var isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

var monthsByName = map[string]time.Month{
	"january": time.January, "enero": time.January,
	"february": time.February, "febrero": time.February,
	"march": time.March, "marzo": time.March,
	"april": time.April, "abril": time.April,
	"may": time.May, "mayo": time.May,
	"june": time.June, "junio": time.June,
	"july": time.July, "julio": time.July,
	"august": time.August, "agosto": time.August,
	"september": time.September, "septiembre": time.September,
	"october": time.October, "octubre": time.October,
	"november": time.November, "noviembre": time.November,
	"december": time.December, "diciembre": time.December,
}

var monthDayRe *regexp.Regexp

func init() {
	names := make([]string, 0, len(monthsByName))
	for name := range monthsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	monthPattern := strings.Join(names, "|")
	monthDayRe = regexp.MustCompile(fmt.Sprintf(`\b(%s)\b\s*(\d+)|(\d+)\s*(?:de\s+)?\b(%s)\b`, monthPattern, monthPattern))
}

// weekday name to Go weekday, accented and unaccented Spanish included.
var weekdaysByName = []struct {
	name string
	day  time.Weekday
}{
	{"lunes", time.Monday}, {"monday", time.Monday},
	{"martes", time.Tuesday}, {"tuesday", time.Tuesday},
	{"miércoles", time.Wednesday}, {"miercoles", time.Wednesday}, {"wednesday", time.Wednesday},
	{"jueves", time.Thursday}, {"thursday", time.Thursday},
	{"viernes", time.Friday}, {"friday", time.Friday},
	{"sábado", time.Saturday}, {"sabado", time.Saturday}, {"saturday", time.Saturday},
	{"domingo", time.Sunday}, {"sunday", time.Sunday},
}

// Normalize resolves a date phrase against the caller's local calendar.
// Resolution order: explicit ISO date, tomorrow, end of month, month-day,
// weekday name. Weekday matches always need confirmation.
func Normalize(text, currentLocalDate, currentLocalTime, timezoneName string) Result {
	normalized := strings.ToLower(strings.TrimSpace(text))

	current, err := time.Parse("2006-01-02", currentLocalDate)
	if err != nil {
		return Result{Timezone: timezoneName, NeedsConfirmation: true, Notes: "Invalid current_local_date"}
	}

	localTime, timeOK := parseClock(currentLocalTime)

	if m := isoDateRe.FindString(normalized); m != "" {
		if d, err := time.Parse("2006-01-02", m); err == nil {
			return buildResult(d, localTime, timeOK, timezoneName, 0.95, false, "ISO date")
		}
	}

	if strings.Contains(normalized, "tomorrow") || strings.Contains(normalized, "mañana") {
		return buildResult(current.AddDate(0, 0, 1), localTime, timeOK, timezoneName, 0.9, false, "tomorrow")
	}

	for _, phrase := range []string{"end of month", "fin de mes", "a fin de mes"} {
		if strings.Contains(normalized, phrase) {
			return buildResult(lastDayOfMonth(current), localTime, timeOK, timezoneName, 0.9, false, "end of month")
		}
	}

	if m := monthDayRe.FindStringSubmatch(normalized); m != nil {
		monthName := m[1]
		dayStr := m[2]
		if monthName == "" {
			monthName = m[4]
			dayStr = m[3]
		}
		day, _ := strconv.Atoi(dayStr)
		month := monthsByName[monthName]
		year := current.Year()
		if month < current.Month() {
			year++
		}
		if target, ok := validDate(year, month, day); ok {
			return buildResult(target, localTime, timeOK, timezoneName, 0.9, false, fmt.Sprintf("specific date: %s %d", monthName, day))
		}
	}

	padded := " " + normalized + " "
	for _, wd := range weekdaysByName {
		if !strings.Contains(padded, " "+wd.name) && !strings.Contains(padded, wd.name+" ") {
			continue
		}
		target := nextWeekdayOnOrAfter(current, wd.day)
		// Same weekday as today means next week in a collection context.
		if target.Equal(current) {
			target = target.AddDate(0, 0, 7)
		}
		return buildResult(target, localTime, timeOK, timezoneName, 0.8, true, "weekday: "+wd.name)
	}

	return Result{Timezone: timezoneName, NeedsConfirmation: true, Notes: "Unsupported date phrase"}
}

func parseClock(s string) (time.Time, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func buildResult(d, clock time.Time, timeOK bool, timezoneName string, confidence float64, needsConfirmation bool, notes string) Result {
	res := Result{
		OK:                true,
		Date:              d.Format("2006-01-02"),
		Timezone:          timezoneName,
		Confidence:        confidence,
		NeedsConfirmation: needsConfirmation,
		Notes:             notes,
	}
	if timeOK {
		loc, err := time.LoadLocation(timezoneName)
		if err != nil {
			loc = time.UTC
		}
		dt := time.Date(d.Year(), d.Month(), d.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		res.Time = dt.Format("15:04")
		res.DatetimeLocal = dt.Format("2006-01-02T15:04:05-07:00")
	}
	return res
}

func lastDayOfMonth(d time.Time) time.Time {
	firstOfNext := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1)
}

func nextWeekdayOnOrAfter(d time.Time, target time.Weekday) time.Time {
	delta := (int(target) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, delta)
}

func validDate(year int, month time.Month, day int) (time.Time, bool) {
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Month() != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// LastDayOfMonthLabel formats the final day of the month containing
// currentLocalDate for speech, e.g. "February 28".
func LastDayOfMonthLabel(currentLocalDate string) string {
	current, err := time.Parse("2006-01-02", currentLocalDate)
	if err != nil {
		return ""
	}
	return lastDayOfMonth(current).Format("January 02")
}

// SameMonth reports whether two ISO dates fall in the same calendar month.
func SameMonth(isoA, isoB string) bool {
	a, errA := time.Parse("2006-01-02", isoA)
	b, errB := time.Parse("2006-01-02", isoB)
	if errA != nil || errB != nil {
		return false
	}
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// VoiceDateLabel renders an ISO date for speech, e.g. "Friday, March 05".
func VoiceDateLabel(isoDate string) string {
	d, err := time.Parse("2006-01-02", isoDate)
	if err != nil {
		return isoDate
	}
	return d.Format("Monday, January 02")
}
