package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a prefixed random identifier such as "shf_9b1d...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Clock returns the current instant. Engines take one so tests can pin time.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) Valid() bool { return w.End.After(w.Start) }

func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Overlap returns the length of the intersection of w and o.
func (w Window) Overlap(o Window) time.Duration {
	start := w.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := w.End
	if o.End.Before(end) {
		end = o.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
