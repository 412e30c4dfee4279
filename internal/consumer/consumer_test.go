package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/callsignal/internal/call"
	"github.com/mikeyg42/callsignal/internal/calllog"
	"github.com/mikeyg42/callsignal/internal/negotiator/negotiatortest"
	"github.com/mikeyg42/callsignal/internal/signaling"
)

const (
	self     signaling.PeerID = "+15550000001"
	alice    signaling.PeerID = "+15550000002"
	mallory  signaling.PeerID = "+15550000008"
	stranger signaling.PeerID = "+15550000009"
)

type invocation struct {
	op     string
	callID uuid.UUID
	peer   signaling.PeerID
	n      int
}

type fakeMachine struct {
	mu    sync.Mutex
	calls []invocation
	snap  call.Snapshot
}

func (m *fakeMachine) add(op string, id uuid.UUID, peer signaling.PeerID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, invocation{op: op, callID: id, peer: peer, n: n})
}

func (m *fakeMachine) ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.op)
	}
	return out
}

func (m *fakeMachine) OnPreOffer(_ context.Context, id uuid.UUID, peer signaling.PeerID) error {
	m.add("pre_offer", id, peer, 0)
	return nil
}

func (m *fakeMachine) OnIncomingOffer(_ context.Context, id uuid.UUID, peer signaling.PeerID, _ string) error {
	m.add("offer", id, peer, 0)
	return nil
}

func (m *fakeMachine) OnRenegotiationOffer(_ context.Context, id uuid.UUID, peer signaling.PeerID, _ string) error {
	m.add("renegotiate", id, peer, 0)
	return nil
}

func (m *fakeMachine) OnAnswer(_ context.Context, id uuid.UUID, peer signaling.PeerID, _ string) error {
	m.add("answer", id, peer, 0)
	return nil
}

func (m *fakeMachine) OnProvisionalAnswer(_ context.Context, id uuid.UUID, peer signaling.PeerID) error {
	m.add("provisional_answer", id, peer, 0)
	return nil
}

func (m *fakeMachine) OnRemoteCandidates(id uuid.UUID, sender signaling.PeerID, candidates []signaling.Candidate) {
	m.add("candidates", id, sender, len(candidates))
}

func (m *fakeMachine) OnRemoteHangup(_ context.Context, id uuid.UUID, sender signaling.PeerID) error {
	m.add("hangup", id, sender, 0)
	return nil
}

func (m *fakeMachine) Snapshot() call.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

type fakePolicy struct {
	mu            sync.Mutex
	notifications bool
	approved      map[signaling.PeerID]bool
	firstMissed   bool
}

func (p *fakePolicy) NotificationsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifications
}

func (p *fakePolicy) IsApproved(peer signaling.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.approved[peer]
}

func (p *fakePolicy) MarkFirstMissed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstMissed {
		return false
	}
	p.firstMissed = true
	return true
}

type fakeHistory struct {
	mu    sync.Mutex
	kinds []calllog.Kind
}

func (h *fakeHistory) InsertCallMessage(_ context.Context, _ signaling.PeerID, kind calllog.Kind, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kinds = append(h.kinds, kind)
	return nil
}

func (h *fakeHistory) all() []calllog.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]calllog.Kind(nil), h.kinds...)
}

type fixture struct {
	c       *Consumer
	machine *fakeMachine
	policy  *fakePolicy
	history *fakeHistory
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		machine: &fakeMachine{},
		policy:  &fakePolicy{notifications: true, approved: map[signaling.PeerID]bool{alice: true}},
		history: &fakeHistory{},
		logs:    logs,
	}
	f.c = New(f.machine, f.policy, f.history, Options{LocalAddress: self, Logger: zap.New(core)})
	return f
}

func from(peer signaling.PeerID, msg signaling.Message) signaling.Message {
	msg.Sender = peer
	return msg
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	f.c.Handle(ctx, from(alice, signaling.NewPreOffer(id)))
	f.c.Handle(ctx, from(alice, signaling.NewOffer(id, "v=0")))
	f.c.Handle(ctx, from(alice, signaling.NewProvisionalAnswer(id)))
	f.c.Handle(ctx, from(alice, signaling.NewAnswer(id, "v=0")))
	f.c.Handle(ctx, from(alice, signaling.NewICECandidates(id, []signaling.Candidate{{SDP: "a"}, {SDP: "b"}})))
	f.c.Handle(ctx, from(alice, signaling.NewEndCall(id)))

	assert.Equal(t,
		[]string{"pre_offer", "offer", "provisional_answer", "answer", "candidates", "hangup"},
		f.machine.ops())
	assert.Equal(t, 2, f.machine.calls[4].n)
	for _, c := range f.machine.calls {
		assert.Equal(t, alice, c.peer, c.op)
	}
}

func TestOfferForActiveCallRenegotiates(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.machine.snap = call.Snapshot{State: call.Connected, CallID: id, Peer: alice}

	f.c.Handle(context.Background(), from(alice, signaling.NewOffer(id, "v=0")))
	f.machine.snap.State = call.Reconnecting
	f.c.Handle(context.Background(), from(alice, signaling.NewOffer(id, "v=0")))
	f.c.Handle(context.Background(), from(alice, signaling.NewOffer(uuid.New(), "v=0")))

	assert.Equal(t, []string{"renegotiate", "renegotiate", "offer"}, f.machine.ops())
}

func TestUnapprovedSenderDropped(t *testing.T) {
	f := newFixture(t)
	f.c.Handle(context.Background(), from(stranger, signaling.NewPreOffer(uuid.New())))

	assert.Empty(t, f.machine.ops())
	assert.Empty(t, f.history.all())
	assert.Equal(t, 1, f.logs.FilterMessage("dropping message from unapproved sender").Len())
}

func TestOwnMessagesAccepted(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.c.Handle(context.Background(), from(self, signaling.NewAnswer(id, "v=0")))
	f.c.Handle(context.Background(), from(self, signaling.NewEndCall(id)))

	assert.Equal(t, []string{"answer", "hangup"}, f.machine.ops())
}

func TestInvalidMessageDropped(t *testing.T) {
	f := newFixture(t)
	f.c.Handle(context.Background(), from(alice, signaling.Message{Type: "group_call", CallID: uuid.New()}))
	f.c.Handle(context.Background(), from(alice, signaling.Message{Type: signaling.TypeOffer, CallID: uuid.New()}))
	f.c.Handle(context.Background(), from(alice, signaling.NewPreOffer(uuid.Nil)))

	assert.Empty(t, f.machine.ops())
	assert.Equal(t, 3, f.logs.FilterMessage("dropping invalid message").Len())
}

func TestNotificationsDisabled(t *testing.T) {
	f := newFixture(t)
	f.policy.notifications = false
	ctx := context.Background()

	f.c.Handle(ctx, from(alice, signaling.NewPreOffer(uuid.New())))
	f.c.Handle(ctx, from(alice, signaling.NewOffer(uuid.New(), "v=0")))
	f.c.Handle(ctx, from(alice, signaling.NewPreOffer(uuid.New())))

	assert.Empty(t, f.machine.ops())
	assert.Equal(t, []calllog.Kind{calllog.KindFirstMissed, calllog.KindMissed}, f.history.all())
}

func TestExpiredPreOffer(t *testing.T) {
	f := newFixture(t)
	msg := from(alice, signaling.NewPreOffer(uuid.New()))
	msg.SentTimestamp = time.Now().Add(-time.Minute).UnixMilli()

	f.c.Handle(context.Background(), msg)
	assert.Empty(t, f.machine.ops())
	assert.Equal(t, []calllog.Kind{calllog.KindMissed}, f.history.all())

	fresh := from(alice, signaling.NewPreOffer(uuid.New()))
	f.c.Handle(context.Background(), fresh)
	assert.Equal(t, []string{"pre_offer"}, f.machine.ops())
}

func TestRunPreservesOrder(t *testing.T) {
	f := newFixture(t)
	in := make(chan signaling.Message, 16)
	id := uuid.New()
	for i := 0; i < 5; i++ {
		in <- from(alice, signaling.NewICECandidates(id, make([]signaling.Candidate, i+1)))
	}
	close(in)

	require.NoError(t, f.c.Run(context.Background(), in))
	require.Len(t, f.machine.calls, 5)
	for i, c := range f.machine.calls {
		assert.Equal(t, i+1, c.n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.Run(ctx, make(chan signaling.Message)) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type nopSender struct{}

func (nopSender) Send(context.Context, signaling.PeerID, signaling.Message) error { return nil }

func TestOtherApprovedPeerCannotTouchCall(t *testing.T) {
	engines := &negotiatortest.Factory{}
	m := call.NewMachine(call.Deps{
		Sender:       nopSender{},
		Engines:      engines.New,
		LocalAddress: self,
		Logger:       zaptest.NewLogger(t),
	}, call.Options{NegotiationTimeout: time.Second})
	t.Cleanup(func() { m.OnLocalHangup(context.Background()) })
	policy := &fakePolicy{notifications: true, approved: map[signaling.PeerID]bool{alice: true, mallory: true}}
	c := New(m, policy, nil, Options{LocalAddress: self, Logger: zaptest.NewLogger(t)})
	ctx := context.Background()
	id := uuid.New()

	c.Handle(ctx, from(alice, signaling.NewPreOffer(id)))
	c.Handle(ctx, from(alice, signaling.NewOffer(id, negotiatortest.OfferSDP)))
	require.Equal(t, call.SentAnswer, m.State())

	c.Handle(ctx, from(mallory, signaling.NewICECandidates(id, []signaling.Candidate{{SDPMid: "0", SDP: "candidate:1"}})))
	assert.Empty(t, engines.Last().Snapshot().Candidates)
	assert.Zero(t, m.Snapshot().PendingIncoming)

	c.Handle(ctx, from(mallory, signaling.NewEndCall(id)))
	assert.Equal(t, call.SentAnswer, m.State())
	assert.Equal(t, alice, m.Snapshot().Peer)

	c.Handle(ctx, from(alice, signaling.NewEndCall(id)))
	assert.Equal(t, call.Idle, m.State())
}
