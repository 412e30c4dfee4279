package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

const DefaultDebounceWindow = 200 * time.Millisecond

// binding is the (call, peer) pair the machine is currently bound to.
type binding struct {
	callID uuid.UUID
	peer   signaling.PeerID
}

// debouncer batches locally gathered candidates into one ice_candidates
// message per window. The engine callback and the window timer both go
// through mu.
type debouncer struct {
	window  time.Duration
	current func() *binding
	send    func(to signaling.PeerID, msg signaling.Message)
	logger  *zap.Logger

	mu      sync.Mutex
	pending []signaling.Candidate
	timer   *time.Timer
	armed   binding
	gen     uint64
}

func newDebouncer(window time.Duration, current func() *binding, send func(signaling.PeerID, signaling.Message), logger *zap.Logger) *debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &debouncer{window: window, current: current, send: send, logger: logger}
}

// Add queues c and arms the window if it is not running. Candidates that
// arrive with no call bound are dropped.
func (d *debouncer) Add(c signaling.Candidate) {
	b := d.current()
	if b == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, c)
	if d.timer != nil {
		return
	}
	d.armed = *b
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

func (d *debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	batch := d.pending
	d.pending = nil
	armed := d.armed
	d.mu.Unlock()

	cur := d.current()
	if cur == nil || *cur != armed {
		d.logger.Debug("discarding stale candidate batch",
			zap.String("call_id", armed.callID.String()), zap.Int("count", len(batch)))
		return
	}
	if len(batch) == 0 {
		return
	}
	d.send(armed.peer, signaling.NewICECandidates(armed.callID, batch))
}

// Cancel stops the window and drops whatever is queued.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = nil
}

// Pending returns how many candidates wait for the window.
func (d *debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func sendTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Second)
}
