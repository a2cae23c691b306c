package allocation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// MONTH KEY - (year, month) with a total order
// =============================================================================

// MonthKey identifies a calendar month. Ordered by (Year, Month).
type MonthKey struct {
	Year  int
	Month time.Month
}

// NewMonthKey builds a key, rejecting months outside 1..12.
func NewMonthKey(year, month int) (MonthKey, error) {
	if month < 1 || month > 12 {
		return MonthKey{}, NewValidationError("month", strconv.Itoa(month), "must be between 1 and 12")
	}
	return MonthKey{Year: year, Month: time.Month(month)}, nil
}

// MonthOf returns the key containing t (in t's location).
func MonthOf(t time.Time) MonthKey {
	return MonthKey{Year: t.Year(), Month: t.Month()}
}

// ParseMonthKey parses "YYYY-MM".
func ParseMonthKey(s string) (MonthKey, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return MonthKey{}, NewValidationError("month", s, "expected YYYY-MM")
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return MonthKey{}, NewValidationError("month", s, "expected YYYY-MM")
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return MonthKey{}, NewValidationError("month", s, "expected YYYY-MM")
	}
	return NewMonthKey(year, month)
}

// Comparison
func (k MonthKey) index() int { return k.Year*12 + int(k.Month) - 1 }
func (k MonthKey) Before(other MonthKey) bool { return k.index() < other.index() }
func (k MonthKey) After(other MonthKey) bool { return k.index() > other.index() }
func (k MonthKey) Equal(other MonthKey) bool { return k.index() == other.index() }
func (k MonthKey) Compare(other MonthKey) int { return k.index() - other.index() }
func (k MonthKey) IsZero() bool { return k.Year == 0 && k.Month == 0 }

// Arithmetic
func (k MonthKey) AddMonths(n int) MonthKey {
	i := k.index() + n
	return MonthKey{Year: i / 12, Month: time.Month(i%12 + 1)}
}
func (k MonthKey) Next() MonthKey { return k.AddMonths(1) }
func (k MonthKey) Prev() MonthKey { return k.AddMonths(-1) }

// Start returns the first instant of the month in UTC.
func (k MonthKey) Start() time.Time {
	return time.Date(k.Year, k.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month in UTC (exclusive bound).
func (k MonthKey) End() time.Time {
	return k.Next().Start()
}

// Locked reports whether k is strictly before the month containing now.
// Locked months are read-only.
func (k MonthKey) Locked(now time.Time) bool {
	return k.Before(MonthOf(now))
}

func (k MonthKey) String() string {
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// MonthsBetween returns every month in [from, to], ascending.
// Returns nil if from is after to.
func MonthsBetween(from, to MonthKey) []MonthKey {
	if from.After(to) {
		return nil
	}
	months := make([]MonthKey, 0, to.Compare(from)+1)
	for k := from; !k.After(to); k = k.Next() {
		months = append(months, k)
	}
	return months
}

// =============================================================================
// CLOCK - Injectable "now" so lock rules are testable
// =============================================================================

// Clock returns the current time.
type Clock func() time.Time

// SystemClock is the default clock (UTC).
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a clock frozen at t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
