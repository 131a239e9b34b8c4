package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
)

// Window is a daily send window in minutes of civil day
type Window struct {
	start, end int
	always     bool
	invalid    bool
}

// ParseWindow builds a window from "HH:MM" bounds. Both empty means always open.
// A malformed or out-of-range bound, or only one bound set, yields a window that is
// always closed.
func ParseWindow(start, end string) Window {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return Window{always: true}
	}
	s, okS := parseClock(start)
	e, okE := parseClock(end)
	if !okS || !okE {
		return Window{invalid: true}
	}
	return Window{start: s, end: e}
}

// Contains reports whether the civil time t is inside [start, end]. A window with
// start after end is compared numerically and therefore never contains any time.
func (w Window) Contains(t time.Time) bool {
	if w.always {
		return true
	}
	if w.invalid {
		return false
	}
	m := utils.MinuteOfDay(t)
	return m >= w.start && m <= w.end
}

// Valid reports whether the bounds parsed
func (w Window) Valid() bool { return !w.invalid }

// InsideWindow converts now to the campaign's civil time and checks its window
func InsideWindow(c *models.Campaign, now time.Time, defaultTimezone string) bool {
	loc := utils.LoadLocationOrDefault(c.Timezone, defaultTimezone)
	return ParseWindow(c.SendWindowStart, c.SendWindowEnd).Contains(now.In(loc))
}

func parseClock(v string) (int, bool) {
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
