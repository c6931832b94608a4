package dispatch

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultWindow is how long a local write waits for its echo.
const DefaultWindow = 100 * time.Millisecond

type writeKey struct {
	model string
	id    string
}

// PendingWrites remembers recent local writes so that their echoes from the
// server can be recognised.
type PendingWrites struct {
	clock  clock.Clock
	window time.Duration

	mu    sync.Mutex
	marks map[writeKey]time.Time
}

func NewPendingWrites(clk clock.Clock, window time.Duration) *PendingWrites {
	if clk == nil {
		clk = clock.WallClock
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &PendingWrites{
		clock:  clk,
		window: window,
		marks:  make(map[writeKey]time.Time),
	}
}

// Window returns the validity period of a mark.
func (p *PendingWrites) Window() time.Duration { return p.window }

// Mark records a local write to (model, id).
func (p *PendingWrites) Mark(model, id string) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(now)
	p.marks[writeKey{model, id}] = now
}

// Consume removes the mark of (model, id) and reports whether it was still
// inside the window.
func (p *PendingWrites) Consume(model, id string) bool {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	k := writeKey{model, id}
	at, ok := p.marks[k]
	if !ok {
		return false
	}
	delete(p.marks, k)
	return now.Sub(at) <= p.window
}

// inWindow reports whether a valid mark exists for (model, id).
func (p *PendingWrites) inWindow(model, id string) bool {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.marks[writeKey{model, id}]
	return ok && now.Sub(at) <= p.window
}

// Len returns the number of marks, expired ones included until the next Mark.
func (p *PendingWrites) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.marks)
}

func (p *PendingWrites) pruneLocked(now time.Time) {
	for k, at := range p.marks {
		if now.Sub(at) > p.window {
			delete(p.marks, k)
		}
	}
}
