package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultOffsets are the retry instants measured from the first failure.
var DefaultOffsets = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// Ladder is a fixed retry schedule. It is given as offsets from the first
// failure and yields the waits between consecutive attempts. Once the
// offsets are used up the last step repeats. After maxAttempts retries it
// returns backoff.Stop; maxAttempts <= 0 never stops.
type Ladder struct {
	steps       []time.Duration
	maxAttempts int
	attempt     int
}

var _ backoff.BackOff = (*Ladder)(nil)

// NewLadder builds a Ladder from increasing offsets.
func NewLadder(offsets []time.Duration, maxAttempts int) *Ladder {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	steps := make([]time.Duration, len(offsets))
	var prev time.Duration
	for i, off := range offsets {
		step := off - prev
		if step < 0 {
			step = 0
		}
		steps[i] = step
		prev = off
	}
	// the tail repeats at the last offset's spacing from zero, e.g. every 60s
	steps = append(steps, offsets[len(offsets)-1])
	return &Ladder{steps: steps, maxAttempts: maxAttempts}
}

// NextBackOff returns the wait before the next retry.
func (l *Ladder) NextBackOff() time.Duration {
	if l.maxAttempts > 0 && l.attempt >= l.maxAttempts {
		return backoff.Stop
	}
	i := l.attempt
	if i >= len(l.steps) {
		i = len(l.steps) - 1
	}
	l.attempt++
	return l.steps[i]
}

// Reset starts the schedule over.
func (l *Ladder) Reset() {
	l.attempt = 0
}

// Attempts returns the number of retries handed out since the last Reset.
func (l *Ladder) Attempts() int {
	return l.attempt
}
