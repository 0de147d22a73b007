package deadline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddBusinessDaysSkipsWeekends(t *testing.T) {
	cal := NewCalendar()

	// Friday plus ten business days lands on the Friday two weeks later.
	got := AddBusinessDays(cal, date(2026, 3, 6), 10)
	want := date(2026, 3, 20)
	if !got.Equal(want) {
		t.Errorf("AddBusinessDays(Fri, 10) = %v, want %v", got, want)
	}

	// One business day from Friday is Monday.
	got = AddBusinessDays(cal, date(2026, 3, 6), 1)
	if want := date(2026, 3, 9); !got.Equal(want) {
		t.Errorf("AddBusinessDays(Fri, 1) = %v, want %v", got, want)
	}
}

func TestAddBusinessDaysSkipsHolidays(t *testing.T) {
	// Monday 2026-03-09 is a holiday.
	cal := NewCalendar(date(2026, 3, 9))

	got := AddBusinessDays(cal, date(2026, 3, 6), 1)
	if want := date(2026, 3, 10); !got.Equal(want) {
		t.Errorf("holiday not skipped: got %v, want %v", got, want)
	}
}

func TestAddBusinessDaysDeterministic(t *testing.T) {
	cal := NewCalendar(date(2026, 1, 1), date(2026, 7, 3))
	start := date(2026, 6, 29)

	first := AddBusinessDays(cal, start, 10)
	for range 5 {
		if got := AddBusinessDays(cal, start, 10); !got.Equal(first) {
			t.Fatalf("non-deterministic result: %v vs %v", got, first)
		}
	}
}

func TestBusinessDaysRemaining(t *testing.T) {
	cal := NewCalendar()
	tests := []struct {
		name     string
		today    time.Time
		deadline time.Time
		want     int
	}{
		{"same day", date(2026, 3, 9), date(2026, 3, 9), 0},
		{"three days out", date(2026, 3, 9), date(2026, 3, 12), 3},
		{"across a weekend", date(2026, 3, 6), date(2026, 3, 9), 1},
		{"overdue", date(2026, 3, 9), date(2026, 3, 6), -1},
		{"a week overdue", date(2026, 3, 13), date(2026, 3, 6), -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BusinessDaysRemaining(cal, tt.today, tt.deadline); got != tt.want {
				t.Errorf("BusinessDaysRemaining = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUrgencyFor(t *testing.T) {
	tests := []struct {
		days int
		want Urgency
	}{
		{-3, UrgencyCritical},
		{0, UrgencyCritical},
		{1, UrgencyHigh},
		{2, UrgencyMedium},
		{3, UrgencyMedium},
		{4, UrgencyLow},
		{7, UrgencyLow},
	}
	for _, tt := range tests {
		if got := UrgencyFor(tt.days); got != tt.want {
			t.Errorf("UrgencyFor(%d) = %s, want %s", tt.days, got, tt.want)
		}
	}
}

func TestNewRecordComputesDeadline(t *testing.T) {
	cal := NewCalendar()
	rec := NewRecord(cal, "req-1", date(2026, 3, 2), 10)

	if want := date(2026, 3, 16); !rec.ResponseDeadline.Equal(want) {
		t.Errorf("response deadline = %v, want %v", rec.ResponseDeadline, want)
	}
	if rec.ExtensionDeadline != nil {
		t.Error("fresh record must not carry an extension")
	}
}

func TestExtendIsOneShot(t *testing.T) {
	cal := NewCalendar()
	rec := NewRecord(cal, "req-1", date(2026, 3, 2), 10)

	rec.Extend(cal, 10)
	first := *rec.ExtensionDeadline
	if want := date(2026, 3, 30); !first.Equal(want) {
		t.Errorf("extension deadline = %v, want %v", first, want)
	}

	rec.Extend(cal, 10)
	if !rec.ExtensionDeadline.Equal(first) {
		t.Error("second extension changed the deadline")
	}
	if got := rec.EffectiveDeadline(); !got.Equal(first) {
		t.Errorf("effective deadline = %v, want extension %v", got, first)
	}
}

func TestCrossedThresholdFiresTightestUnfired(t *testing.T) {
	rec := &Record{RequestID: "req-1"}

	threshold, ok := rec.CrossedThreshold(3)
	if !ok || threshold != 3 {
		t.Fatalf("CrossedThreshold(3) = %d, %v; want 3, true", threshold, ok)
	}

	// First sighting at 2 days out: the 7 and 3 day marks are skipped, the
	// tightest applicable threshold wins.
	rec = &Record{RequestID: "req-2"}
	threshold, ok = rec.CrossedThreshold(1)
	if !ok || threshold != 1 {
		t.Fatalf("CrossedThreshold(1) = %d, %v; want 1, true", threshold, ok)
	}

	rec.MarkThrough(1)
	if _, ok := rec.CrossedThreshold(1); ok {
		t.Error("marked threshold fired again")
	}
	// Marking through 1 also covers 7 and 3; they must never fire late.
	if _, ok := rec.CrossedThreshold(3); ok {
		t.Error("stale looser threshold fired after MarkThrough")
	}

	// The 0-day mark still fires when reached.
	threshold, ok = rec.CrossedThreshold(0)
	if !ok || threshold != 0 {
		t.Errorf("CrossedThreshold(0) = %d, %v; want 0, true", threshold, ok)
	}
}

func TestMarkThroughIdempotentAndMonotonic(t *testing.T) {
	rec := &Record{RequestID: "req-1"}

	rec.MarkThrough(3)
	n := len(rec.ThresholdsFired)
	rec.MarkThrough(3)
	if len(rec.ThresholdsFired) != n {
		t.Error("MarkThrough is not idempotent")
	}

	rec.MarkThrough(-2) // overdue clamps to 0 and fires everything
	if !rec.Fired(0) || !rec.Fired(1) || !rec.Fired(3) || !rec.Fired(7) {
		t.Errorf("fired set after overdue = %v, want all thresholds", rec.ThresholdsFired)
	}
}

func TestCrossedThresholdNeverFiresOverdue(t *testing.T) {
	rec := &Record{RequestID: "req-1"}
	if _, ok := rec.CrossedThreshold(-1); ok {
		t.Error("overdue must be handled per cycle, not as a one-shot threshold")
	}
}

func TestLoadCalendar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holidays.yaml")
	content := "holidays:\n  - 2026-01-01\n  - 2026-11-26\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cal, err := LoadCalendar(path)
	if err != nil {
		t.Fatalf("LoadCalendar: %v", err)
	}
	if cal.HolidayCount() != 2 {
		t.Errorf("holidays = %d, want 2", cal.HolidayCount())
	}
	if cal.IsBusinessDay(date(2026, 11, 26)) {
		t.Error("Thursday holiday counted as a business day")
	}
	if !cal.IsBusinessDay(date(2026, 11, 25)) {
		t.Error("ordinary Wednesday not counted as a business day")
	}
}

func TestDefaultCalendar(t *testing.T) {
	cal := DefaultCalendar()
	if cal.HolidayCount() == 0 {
		t.Fatal("embedded calendar is empty")
	}
	// Texas Independence Day falls on a Monday in 2026.
	if cal.IsBusinessDay(date(2026, 3, 2)) {
		t.Error("2026-03-02 counted as a business day")
	}

	loaded, err := LoadCalendar("")
	if err != nil {
		t.Fatalf("LoadCalendar(\"\"): %v", err)
	}
	if loaded.HolidayCount() != cal.HolidayCount() {
		t.Error("empty path must load the embedded calendar")
	}
}

func TestLoadCalendarMissingFile(t *testing.T) {
	cal, err := LoadCalendar(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must yield an empty calendar, got %v", err)
	}
	if cal.HolidayCount() != 0 {
		t.Errorf("holidays = %d, want 0", cal.HolidayCount())
	}
}

func TestLoadCalendarRejectsBadDate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holidays.yaml")
	if err := os.WriteFile(path, []byte("holidays:\n  - not-a-date\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCalendar(path); err == nil {
		t.Fatal("invalid date accepted")
	}
}
