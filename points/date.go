package points

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// DATE - YYYYMMDD calendar date
// =============================================================================

// Date is a calendar day encoded as YYYYMMDD (20250507).
// Arithmetic always goes through time.Time; never add to the integer directly.
type Date int

const dateLayout = "20060102"

func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf truncates t to its calendar day in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// ParseDate parses "20250507".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q (want YYYYMMDD): %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) Time() time.Time {
	v := int(d)
	return time.Date(v/10000, time.Month(v/100%100), v%100, 0, 0, 0, 0, time.UTC)
}

// Valid reports whether d round-trips through the calendar unchanged.
func (d Date) Valid() bool {
	return d > 0 && DateOf(d.Time()) == d
}

func (d Date) IsZero() bool { return d == 0 }

func (d Date) AddDays(n int) Date   { return DateOf(d.Time().AddDate(0, 0, n)) }
func (d Date) AddMonths(n int) Date { return DateOf(addMonths(d.Time(), n)) }
func (d Date) AddYears(n int) Date  { return DateOf(addMonths(d.Time(), 12*n)) }

func (d Date) Before(o Date) bool { return d < o }
func (d Date) After(o Date) bool  { return d > o }

func (d Date) String() string {
	if d == 0 {
		return ""
	}
	return strconv.Itoa(int(d))
}

// addMonths clamps to the last day of the target month, so Jan 31 + 1 month
// is Feb 28/29 rather than rolling over into March.
func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, n, 0)
	last := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, t.Location())
}
