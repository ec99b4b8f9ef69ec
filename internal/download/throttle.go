package download

import "time"

// DefaultQuietWindow is the minimum spacing of status lines in quiet runs.
const DefaultQuietWindow = 60 * time.Second

// statusThrottle lets one status line through per window. Each run owns its
// own value.
type statusThrottle struct {
	window time.Duration
	now    func() time.Time
	last   time.Time
	primed bool
}

func newStatusThrottle(window time.Duration, now func() time.Time) *statusThrottle {
	return &statusThrottle{window: window, now: now}
}

// allow reports whether a line may be emitted now, and if so starts a new
// window.
func (t *statusThrottle) allow() bool {
	now := t.now()
	if t.primed && now.Sub(t.last) < t.window {
		return false
	}
	t.last = now
	t.primed = true
	return true
}
