// Package timerange clamps requested intervals and splits them into the
// bounded sub-ranges accepted by the AEMET OpenData climatological endpoints.
package timerange

import (
	"errors"
	"fmt"
	"time"
)

// Partitioning errors.
var (
	ErrTypeMismatch   = errors.New("interval bounds have incompatible types")
	ErrIterationLimit = errors.New("sub-range iteration limit exceeded")
)

const (
	// MinYear is the earliest year requested from the server.
	MinYear = 1900

	// SpanSingleStationDays is the maximum day offset between the first and
	// last day of a sub-range when a single station is requested.
	SpanSingleStationDays = 5 * 365

	// SpanAllStationsDays is the maximum day offset when every station is
	// requested at once.
	SpanAllStationsDays = 30

	// SpanYears is the maximum year offset of a monthly/annual sub-range.
	SpanYears = 3

	// MaxSteps bounds the number of sub-ranges produced for one interval.
	MaxSteps = 5000

	// WireDateLayout is the date format used in AEMET request paths.
	WireDateLayout = "2006-01-02T15:04:05UTC"
)

// BoundKind tags the variant held by a Bound.
type BoundKind int

const (
	KindInvalid BoundKind = iota
	KindYear
	KindDate
)

func (k BoundKind) String() string {
	switch k {
	case KindYear:
		return "year"
	case KindDate:
		return "date"
	default:
		return "invalid"
	}
}

// Bound is one end of a requested interval: either a bare year or a
// calendar date.
type Bound struct {
	kind BoundKind
	year int
	date time.Time
}

// Year returns a year bound.
func Year(y int) Bound {
	return Bound{kind: KindYear, year: y}
}

// Date returns a date bound. Only the calendar day of t is kept.
func Date(t time.Time) Bound {
	return Bound{kind: KindDate, date: midnight(t)}
}

// NewDate returns the date bound for the given calendar day.
func NewDate(year int, month time.Month, day int) Bound {
	return Date(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// Kind reports the variant held by b.
func (b Bound) Kind() BoundKind {
	return b.kind
}

// YearValue returns the year of b regardless of its variant.
func (b Bound) YearValue() int {
	if b.kind == KindDate {
		return b.date.Year()
	}
	return b.year
}

// Time returns the day held by b; year bounds map to January 1st.
func (b Bound) Time() time.Time {
	if b.kind == KindYear {
		return time.Date(b.year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return b.date
}

func (b Bound) String() string {
	switch b.kind {
	case KindYear:
		return fmt.Sprintf("%04d", b.year)
	case KindDate:
		return b.date.Format(time.DateOnly)
	default:
		return "<invalid>"
	}
}

// SubRange is one bounded slice of an interval, formatted for the wire.
type SubRange struct {
	Start string
	End   string
}

func (s SubRange) String() string {
	return s.Start + "/" + s.End
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// sameDayIn moves d to the given year, mapping Feb 29 to Feb 28 when the
// target year is not a leap year.
func sameDayIn(year int, d time.Time) time.Time {
	month, day := d.Month(), d.Day()
	if month == time.February && day == 29 && !isLeap(year) {
		day = 28
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
