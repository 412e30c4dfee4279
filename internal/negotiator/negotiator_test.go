package negotiator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/callsignal/internal/negotiator"
	"github.com/mikeyg42/callsignal/internal/negotiator/negotiatortest"
	"github.com/mikeyg42/callsignal/internal/signaling"
)

type recordingObserver struct {
	mu         sync.Mutex
	candidates []signaling.Candidate
	states     []negotiator.Connectivity
	data       [][]byte
	stateCh    chan negotiator.Connectivity
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{stateCh: make(chan negotiator.Connectivity, 8)}
}

func (o *recordingObserver) OnICECandidate(c signaling.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.candidates = append(o.candidates, c)
}

func (o *recordingObserver) OnConnectivityChange(s negotiator.Connectivity) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
	o.stateCh <- s
}

func (o *recordingObserver) OnDataMessage(b []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = append(o.data, b)
}

func newNegotiator(t *testing.T, f *negotiatortest.Factory, opts negotiator.Options) (*negotiator.Negotiator, *negotiatortest.Engine, *recordingObserver) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	obs := newRecordingObserver()
	n, err := negotiator.New(f.New, obs, opts)
	require.NoError(t, err)
	t.Cleanup(func() { n.Dispose() })
	return n, f.Last(), obs
}

func TestNewCreatesTracks(t *testing.T) {
	t.Run("audio only", func(t *testing.T) {
		_, e, _ := newNegotiator(t, &negotiatortest.Factory{}, negotiator.Options{})
		rec := e.Snapshot()
		assert.Equal(t, 1, rec.AudioTracks)
		assert.Equal(t, 0, rec.VideoTracks)
	})
	t.Run("with camera", func(t *testing.T) {
		_, e, _ := newNegotiator(t, &negotiatortest.Factory{}, negotiator.Options{VideoAvailable: true})
		rec := e.Snapshot()
		assert.Equal(t, 1, rec.AudioTracks)
		assert.Equal(t, 1, rec.VideoTracks)
	})
	t.Run("factory failure", func(t *testing.T) {
		f := &negotiatortest.Factory{Err: errors.New("no engine")}
		_, err := negotiator.New(f.New, newRecordingObserver(), negotiator.Options{})
		assert.Error(t, err)
	})
}

func TestCreateOfferIsNormalized(t *testing.T) {
	n, e, _ := newNegotiator(t, &negotiatortest.Factory{}, negotiator.Options{})

	offer, err := n.CreateOffer(context.Background(), negotiator.Constraints{ICERestart: true})
	require.NoError(t, err)
	assert.Equal(t, signaling.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "a=fmtp:111 minptime=10;useinbandfec=1;cbr=1\r\n")
	assert.NotContains(t, offer.SDP, "ssrc-audio-level")
	assert.Equal(t, []negotiator.Constraints{{ICERestart: true}}, e.Snapshot().OfferConstraints)
}

func TestReadyForICE(t *testing.T) {
	ctx := context.Background()
	n, _, _ := newNegotiator(t, &negotiatortest.Factory{}, negotiator.Options{})
	offer := signaling.SessionDescription{Type: signaling.SDPTypeOffer, SDP: negotiatortest.OfferSDP}
	answer := signaling.SessionDescription{Type: signaling.SDPTypeAnswer, SDP: negotiatortest.AnswerSDP}

	assert.False(t, n.ReadyForICE())
	assert.ErrorIs(t, n.AddICECandidate(signaling.Candidate{SDP: "candidate:1"}), negotiator.ErrNotReadyForICE)

	require.NoError(t, n.SetRemoteDescription(ctx, offer))
	assert.False(t, n.ReadyForICE())
	require.NoError(t, n.SetLocalDescription(ctx, answer))
	assert.True(t, n.ReadyForICE())
	assert.NoError(t, n.AddICECandidate(signaling.Candidate{SDP: "candidate:1"}))

	// a fresh local offer starts a new round
	require.NoError(t, n.SetLocalDescription(ctx, offer))
	assert.False(t, n.ReadyForICE())
	require.NoError(t, n.SetRemoteDescription(ctx, answer))
	assert.True(t, n.ReadyForICE())
}

func TestNegotiationFailures(t *testing.T) {
	ctx := context.Background()
	desc := signaling.SessionDescription{Type: signaling.SDPTypeOffer, SDP: negotiatortest.OfferSDP}

	t.Run("create failure", func(t *testing.T) {
		f := &negotiatortest.Factory{Prepare: func(e *negotiatortest.Engine) { e.FailCreate = errors.New("boom") }}
		n, _, _ := newNegotiator(t, f, negotiator.Options{})
		_, err := n.CreateAnswer(ctx, negotiator.Constraints{})
		var nerr *negotiator.NegotiationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, "create answer", nerr.Op)
		assert.False(t, nerr.Timeout())
	})

	t.Run("set failure", func(t *testing.T) {
		f := &negotiatortest.Factory{Prepare: func(e *negotiatortest.Engine) { e.FailSet = errors.New("bad sdp") }}
		n, _, _ := newNegotiator(t, f, negotiator.Options{})
		err := n.SetRemoteDescription(ctx, desc)
		var nerr *negotiator.NegotiationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, "set remote description", nerr.Op)
		assert.False(t, n.ReadyForICE())
	})

	t.Run("wrong callback", func(t *testing.T) {
		f := &negotiatortest.Factory{Prepare: func(e *negotiatortest.Engine) { e.WrongCallback = true }}
		n, _, _ := newNegotiator(t, f, negotiator.Options{})
		err := n.SetLocalDescription(ctx, desc)
		var ierr *negotiator.InvariantViolationError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "OnCreateSuccess", ierr.Callback)
		var nerr *negotiator.NegotiationError
		assert.False(t, errors.As(err, &nerr))
	})

	t.Run("timeout", func(t *testing.T) {
		f := &negotiatortest.Factory{Prepare: func(e *negotiatortest.Engine) { e.Silent = true }}
		n, _, _ := newNegotiator(t, f, negotiator.Options{Timeout: 20 * time.Millisecond})
		_, err := n.CreateOffer(ctx, negotiator.Constraints{})
		assert.ErrorIs(t, err, negotiator.ErrNegotiationTimeout)
		var nerr *negotiator.NegotiationError
		require.ErrorAs(t, err, &nerr)
		assert.True(t, nerr.Timeout())
	})

	t.Run("context cancelled", func(t *testing.T) {
		f := &negotiatortest.Factory{Prepare: func(e *negotiatortest.Engine) { e.Silent = true }}
		n, _, _ := newNegotiator(t, f, negotiator.Options{Timeout: time.Minute})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := n.CreateOffer(cctx, negotiator.Constraints{})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid remote", func(t *testing.T) {
		n, e, _ := newNegotiator(t, &negotiatortest.Factory{}, negotiator.Options{ValidateRemote: true})
		err := n.SetRemoteDescription(ctx, signaling.SessionDescription{Type: signaling.SDPTypeOffer, SDP: "garbage"})
		var verr *negotiator.SDPValidationError
		assert.ErrorAs(t, err, &verr)
		assert.Empty(t, e.Snapshot().Remote)
	})
}

func TestDisposeIsIdempotent(t *testing.T) {
	n, e, _ := newNegotiator(t, &negotiatortest.Factory{}, negotiator.Options{})

	assert.True(t, n.Dispose())
	assert.False(t, n.Dispose())
	assert.Equal(t, 1, e.Snapshot().Closed)

	_, err := n.CreateOffer(context.Background(), negotiator.Constraints{})
	assert.ErrorIs(t, err, negotiator.ErrDisposed)
	assert.ErrorIs(t, n.SendData([]byte("x")), negotiator.ErrDisposed)
}

func TestEngineEventsAreRelayed(t *testing.T) {
	n, e, obs := newNegotiator(t, &negotiatortest.Factory{}, negotiator.Options{})

	e.EmitCandidate(signaling.Candidate{SDP: "candidate:1"})
	e.EmitConnectivity(negotiator.ConnectivityConnected)

	select {
	case s := <-obs.stateCh:
		assert.Equal(t, negotiator.ConnectivityConnected, s)
	case <-time.After(time.Second):
		t.Fatal("connectivity change not delivered")
	}
	obs.mu.Lock()
	assert.Len(t, obs.candidates, 1)
	obs.mu.Unlock()

	n.Dispose()
	e.EmitCandidate(signaling.Candidate{SDP: "candidate:2"})
	e.EmitConnectivity(negotiator.ConnectivityFailed)
	select {
	case s := <-obs.stateCh:
		t.Fatalf("event after dispose: %v", s)
	case <-time.After(50 * time.Millisecond):
	}
	obs.mu.Lock()
	assert.Len(t, obs.candidates, 1)
	obs.mu.Unlock()
}
