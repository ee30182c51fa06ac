package compliance

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/acme/outbound-messaging/internal/config"
)

// daily is a [start, end) range in minutes since local midnight.
type daily struct {
	start int
	end   int
}

// Window decides when outbound messages may be sent.
type Window struct {
	loc      *time.Location
	weekdays map[time.Weekday]bool
	ranges   []daily
	now      func() time.Time
}

// Default returns Monday to Friday, 10:00-13:00 and 14:00-20:00 in Europe/Paris.
func Default() *Window {
	w, err := New(config.ComplianceConfig{
		TimeZone: "Europe/Paris",
		Weekdays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		Windows: []config.WindowConfig{
			{Start: "10:00", End: "13:00"},
			{Start: "14:00", End: "20:00"},
		},
	})
	if err != nil {
		panic(err)
	}
	return w
}

// New builds a window from configuration.
func New(cfg config.ComplianceConfig) (*Window, error) {
	tz := cfg.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("compliance: load location %q: %w", tz, err)
	}

	w := &Window{loc: loc, weekdays: make(map[time.Weekday]bool), now: time.Now}
	for _, name := range cfg.Weekdays {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("compliance: unknown weekday %q", name)
		}
		w.weekdays[day] = true
	}
	if len(w.weekdays) == 0 {
		return nil, fmt.Errorf("compliance: at least one weekday is required")
	}

	for _, wc := range cfg.Windows {
		start, err := parseClock(wc.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(wc.End)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, fmt.Errorf("compliance: window %s-%s must end after it starts", wc.Start, wc.End)
		}
		w.ranges = append(w.ranges, daily{start: start, end: end})
	}
	if len(w.ranges) == 0 {
		return nil, fmt.Errorf("compliance: at least one window is required")
	}
	sort.Slice(w.ranges, func(i, j int) bool { return w.ranges[i].start < w.ranges[j].start })
	return w, nil
}

// WithClock replaces the clock used by IsValidNow.
func (w *Window) WithClock(now func() time.Time) *Window {
	cp := *w
	cp.now = now
	return &cp
}

// Location is the business timezone.
func (w *Window) Location() *time.Location { return w.loc }

// IsValidNow reports whether sending is allowed at the current time.
func (w *Window) IsValidNow() bool {
	return w.IsValid(w.now())
}

// IsValid reports whether t falls on an allowed weekday inside a daily window.
func (w *Window) IsValid(t time.Time) bool {
	local := t.In(w.loc)
	if !w.weekdays[local.Weekday()] {
		return false
	}
	for _, r := range w.ranges {
		start, end := w.bounds(local, r)
		if !local.Before(start) && local.Before(end) {
			return true
		}
	}
	return false
}

// NextValidTime returns from itself when sending is allowed, otherwise the
// start of the next window on an allowed day.
func (w *Window) NextValidTime(from time.Time) time.Time {
	local := from.In(w.loc)
	day := local
	for i := 0; i < 8; i++ {
		if w.weekdays[day.Weekday()] {
			for _, r := range w.ranges {
				start, end := w.bounds(day, r)
				if !local.Before(end) {
					continue
				}
				if local.Before(start) {
					return start
				}
				return from
			}
		}
		y, m, d := day.Date()
		day = time.Date(y, m, d+1, 0, 0, 0, 0, w.loc)
	}
	// unreachable with at least one weekday and one window
	return from
}

func (w *Window) bounds(day time.Time, r daily) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, r.start/60, r.start%60, 0, 0, w.loc)
	end := time.Date(y, m, d, r.end/60, r.end%60, 0, 0, w.loc)
	return start, end
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sun":       time.Sunday,
	"mon":       time.Monday,
	"tue":       time.Tuesday,
	"wed":       time.Wednesday,
	"thu":       time.Thursday,
	"fri":       time.Friday,
	"sat":       time.Saturday,
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("compliance: parse %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
