package timerange

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Spans holds the maximum offsets used when stepping through an interval.
type Spans struct {
	SingleStationDays int
	AllStationsDays   int
	Years             int
}

// DefaultSpans returns the limits enforced by the AEMET server.
func DefaultSpans() Spans {
	return Spans{
		SingleStationDays: SpanSingleStationDays,
		AllStationsDays:   SpanAllStationsDays,
		Years:             SpanYears,
	}
}

// Config holds configuration for a Partitioner.
type Config struct {
	// Logger receives swap and clamp notices.
	Logger zerolog.Logger

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// MaxSteps bounds the number of sub-ranges. Default: MaxSteps
	MaxSteps int

	// Spans overrides the server limits. Zero fields use the defaults.
	Spans Spans
}

// Partitioner splits intervals into server-sized sub-ranges. It performs no I/O.
type Partitioner struct {
	logger   zerolog.Logger
	now      func() time.Time
	maxSteps int
	spans    Spans
}

// NewPartitioner creates a Partitioner with defaults applied.
func NewPartitioner(cfg Config) *Partitioner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}
	spans := DefaultSpans()
	if cfg.Spans.SingleStationDays > 0 {
		spans.SingleStationDays = cfg.Spans.SingleStationDays
	}
	if cfg.Spans.AllStationsDays > 0 {
		spans.AllStationsDays = cfg.Spans.AllStationsDays
	}
	if cfg.Spans.Years > 0 {
		spans.Years = cfg.Spans.Years
	}

	return &Partitioner{
		logger:   cfg.Logger,
		now:      now,
		maxSteps: maxSteps,
		spans:    spans,
	}
}

// Spans returns the limits in use.
func (p *Partitioner) Spans() Spans {
	return p.spans
}

// Daily splits [start, end] into day sub-ranges. Both bounds must be dates.
// allStations selects the smaller span used by the all-stations endpoint.
func (p *Partitioner) Daily(start, end Bound, allStations bool) ([]SubRange, error) {
	if start.kind != KindDate || end.kind != KindDate {
		return nil, fmt.Errorf("%w: daily ranges need two dates, got %s and %s",
			ErrTypeMismatch, start.kind, end.kind)
	}

	first, last := p.orderDates(start.Time(), end.Time())
	first, last = p.clampDates(first, last)

	span := p.spans.SingleStationDays
	if allStations {
		span = p.spans.AllStationsDays
	}

	var ranges []SubRange
	cur := first
	for step := 0; ; step++ {
		if step >= p.maxSteps {
			return nil, fmt.Errorf("%w: %d steps from %s to %s",
				ErrIterationLimit, p.maxSteps, first.Format(time.DateOnly), last.Format(time.DateOnly))
		}

		upper := cur.AddDate(0, 0, span)
		if !upper.Before(last) {
			ranges = append(ranges, daySubRange(cur, last))
			break
		}
		ranges = append(ranges, daySubRange(cur, upper))
		cur = upper.AddDate(0, 0, 1)
	}

	return ranges, nil
}

// Yearly splits [start, end] into year sub-ranges. Bounds may be two years
// or two dates; for dates only the year is used.
func (p *Partitioner) Yearly(start, end Bound) ([]SubRange, error) {
	if start.kind == KindInvalid || start.kind != end.kind {
		return nil, fmt.Errorf("%w: yearly ranges need two years or two dates, got %s and %s",
			ErrTypeMismatch, start.kind, end.kind)
	}

	first, last := p.orderYears(start.YearValue(), end.YearValue())
	first, last = p.clampYears(first, last)

	var ranges []SubRange
	cur := first
	for step := 0; ; step++ {
		if step >= p.maxSteps {
			return nil, fmt.Errorf("%w: %d steps from %d to %d", ErrIterationLimit, p.maxSteps, first, last)
		}

		upper := cur + p.spans.Years
		if upper >= last {
			ranges = append(ranges, yearSubRange(cur, last))
			break
		}
		ranges = append(ranges, yearSubRange(cur, upper))
		cur = upper + 1
	}

	return ranges, nil
}

func (p *Partitioner) orderDates(a, b time.Time) (time.Time, time.Time) {
	if a.After(b) {
		p.logger.Warn().
			Str("start", a.Format(time.DateOnly)).
			Str("end", b.Format(time.DateOnly)).
			Msg("interval bounds swapped")
		return b, a
	}
	return a, b
}

func (p *Partitioner) orderYears(a, b int) (int, int) {
	if a > b {
		p.logger.Warn().
			Int("start", a).
			Int("end", b).
			Msg("interval bounds swapped")
		return b, a
	}
	return a, b
}

func (p *Partitioner) clampDates(first, last time.Time) (time.Time, time.Time) {
	today := midnight(p.now().UTC())
	floor := time.Date(MinYear, time.January, 1, 0, 0, 0, 0, time.UTC)

	origFirst, origLast := first, last
	if first.Year() < MinYear {
		first = sameDayIn(MinYear, first)
	}
	if last.Before(floor) {
		last = floor
	}
	if last.After(today) {
		last = today
	}
	if first.After(last) {
		first = last
	}

	if !first.Equal(origFirst) || !last.Equal(origLast) {
		p.logger.Info().
			Str("start", first.Format(time.DateOnly)).
			Str("end", last.Format(time.DateOnly)).
			Msg("interval clamped to server bounds")
	}
	return first, last
}

func (p *Partitioner) clampYears(first, last int) (int, int) {
	current := p.now().UTC().Year()

	origFirst, origLast := first, last
	first = min(max(first, MinYear), current)
	last = min(max(last, MinYear), current)

	if first != origFirst || last != origLast {
		p.logger.Info().
			Int("start", first).
			Int("end", last).
			Msg("interval clamped to server bounds")
	}
	return first, last
}

func daySubRange(first, last time.Time) SubRange {
	return SubRange{
		Start: first.Format(WireDateLayout),
		End:   last.Add(23*time.Hour + 59*time.Minute + 59*time.Second).Format(WireDateLayout),
	}
}

func yearSubRange(first, last int) SubRange {
	return SubRange{
		Start: fmt.Sprintf("%04d", first),
		End:   fmt.Sprintf("%04d", last),
	}
}
