package call

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

type batchSink struct {
	mu      sync.Mutex
	batches []sent
}

func (s *batchSink) send(to signaling.PeerID, msg signaling.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, sent{to: to, msg: msg})
}

func (s *batchSink) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.batches...)
}

func TestDebouncer(t *testing.T) {
	const window = 40 * time.Millisecond

	setup := func(t *testing.T) (*debouncer, *atomic.Pointer[binding], *batchSink) {
		var cur atomic.Pointer[binding]
		sink := &batchSink{}
		d := newDebouncer(window, cur.Load, sink.send, zaptest.NewLogger(t))
		t.Cleanup(d.Cancel)
		return d, &cur, sink
	}

	t.Run("unbound candidates are dropped", func(t *testing.T) {
		d, _, sink := setup(t)
		d.Add(signaling.Candidate{SDP: "candidate:1"})
		assert.Zero(t, d.Pending())
		time.Sleep(2 * window)
		assert.Empty(t, sink.all())
	})

	t.Run("one batch per window", func(t *testing.T) {
		d, cur, sink := setup(t)
		id := uuid.New()
		cur.Store(&binding{callID: id, peer: alice})

		d.Add(signaling.Candidate{SDP: "candidate:1"})
		d.Add(signaling.Candidate{SDP: "candidate:2"})
		d.Add(signaling.Candidate{SDP: "candidate:3"})
		assert.Equal(t, 3, d.Pending())

		require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
		b := sink.all()[0]
		assert.Equal(t, alice, b.to)
		assert.Equal(t, id, b.msg.CallID)
		assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, b.msg.SDPs)

		d.Add(signaling.Candidate{SDP: "candidate:4"})
		require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"candidate:4"}, sink.all()[1].msg.SDPs)
	})

	t.Run("batch for a replaced call is discarded", func(t *testing.T) {
		d, cur, sink := setup(t)
		cur.Store(&binding{callID: uuid.New(), peer: alice})
		d.Add(signaling.Candidate{SDP: "candidate:1"})

		cur.Store(&binding{callID: uuid.New(), peer: bob})
		time.Sleep(3 * window)
		assert.Empty(t, sink.all())
		assert.Zero(t, d.Pending())
	})

	t.Run("cancel drops the queue", func(t *testing.T) {
		d, cur, sink := setup(t)
		cur.Store(&binding{callID: uuid.New(), peer: alice})
		d.Add(signaling.Candidate{SDP: "candidate:1"})
		d.Cancel()

		assert.Zero(t, d.Pending())
		time.Sleep(2 * window)
		assert.Empty(t, sink.all())
	})
}
