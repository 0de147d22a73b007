// Package deadline implements statutory deadline arithmetic over a
// business-day calendar. All functions here are pure: deterministic for a
// given calendar and free of side effects, since downstream alerting is
// built on them.
package deadline

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

//go:embed default_holidays.yaml
var defaultHolidays []byte

// Calendar is a set of designated holidays. A business day is a weekday that
// is not in the holiday set.
type Calendar struct {
	holidays map[string]struct{}
}

// NewCalendar builds a calendar from the given holiday dates. Time-of-day and
// zone are ignored; only the calendar date matters.
func NewCalendar(holidays ...time.Time) *Calendar {
	c := &Calendar{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Format(dateLayout)] = struct{}{}
	}
	return c
}

// LoadCalendar reads a YAML holiday file of the form:
//
//	holidays:
//	  - 2026-01-01
//	  - 2026-01-19
//
// An empty path loads the embedded state holiday set; a path that does not
// exist returns an empty calendar (weekends only).
func LoadCalendar(path string) (*Calendar, error) {
	if path == "" {
		return DefaultCalendar(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		if os.IsNotExist(err) {
			return NewCalendar(), nil
		}
		return nil, fmt.Errorf("read calendar %s: %w", path, err)
	}
	return parseCalendar(path, data)
}

// DefaultCalendar returns the embedded Texas state holiday calendar.
func DefaultCalendar() *Calendar {
	c, err := parseCalendar("embedded", defaultHolidays)
	if err != nil {
		panic(err) // embedded file is validated by tests
	}
	return c
}

func parseCalendar(name string, data []byte) (*Calendar, error) {
	var file struct {
		Holidays []string `yaml:"holidays"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse calendar %s: %w", name, err)
	}

	c := NewCalendar()
	for _, s := range file.Holidays {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: invalid date %q: %w", name, s, err)
		}
		c.holidays[d.Format(dateLayout)] = struct{}{}
	}
	return c, nil
}

// IsBusinessDay reports whether d is a weekday outside the holiday set.
func (c *Calendar) IsBusinessDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[d.Format(dateLayout)]
	return !holiday
}

// HolidayCount returns the number of holidays in the calendar.
func (c *Calendar) HolidayCount() int {
	return len(c.holidays)
}
