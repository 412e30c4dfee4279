// Package negotiator owns the media engine session of one call attempt and
// turns its callback-style SDP API into bounded, context-aware calls.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

const DefaultTimeout = 10 * time.Second

// Options configure a Negotiator.
type Options struct {
	// Timeout bounds every wait for an engine callback.
	Timeout time.Duration
	// VideoAvailable adds a camera track next to the audio track.
	VideoAvailable bool
	// ValidateRemote parses remote descriptions before applying them.
	ValidateRemote bool
	Logger         *zap.Logger
}

// Negotiator drives one engine through offer/answer rounds.
type Negotiator struct {
	engine   Engine
	timeout  time.Duration
	validate bool
	logger   *zap.Logger

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	disposed  bool

	events chan func()
	done   chan struct{}
}

// New builds an engine through factory and adds the local tracks. Engine
// connectivity and data events reach observer on the negotiator's own
// goroutine, never on the engine's callback goroutine, and stop after
// Dispose.
func New(factory EngineFactory, observer EngineObserver, opts Options) (*Negotiator, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	n := &Negotiator{
		timeout:  opts.Timeout,
		validate: opts.ValidateRemote,
		logger:   opts.Logger.Named("negotiator"),
		events:   make(chan func(), 32),
		done:     make(chan struct{}),
	}

	engine, err := factory(&engineRelay{n: n, obs: observer})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	n.engine = engine

	if err := engine.AddAudioTrack(); err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}
	if opts.VideoAvailable {
		if err := engine.AddVideoTrack(); err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to add video track: %w", err)
		}
	}

	go n.eventLoop()
	return n, nil
}

func (n *Negotiator) eventLoop() {
	for {
		select {
		case fn := <-n.events:
			if !n.isDisposed() {
				fn()
			}
		case <-n.done:
			return
		}
	}
}

func (n *Negotiator) post(fn func()) {
	select {
	case n.events <- fn:
	case <-n.done:
	default:
		// queue full; never block the engine's callback goroutine
		go func() {
			select {
			case n.events <- fn:
			case <-n.done:
			}
		}()
	}
}

func (n *Negotiator) isDisposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disposed
}

// CreateOffer asks the engine for an offer and returns it normalized.
func (n *Negotiator) CreateOffer(ctx context.Context, c Constraints) (signaling.SessionDescription, error) {
	desc, err := n.await(ctx, "create offer", true, func(obs SDPObserver) {
		n.engine.CreateOffer(obs, c)
	})
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return signaling.SessionDescription{Type: signaling.SDPTypeOffer, SDP: Normalize(desc.SDP)}, nil
}

// CreateAnswer asks the engine for an answer and returns it normalized.
func (n *Negotiator) CreateAnswer(ctx context.Context, c Constraints) (signaling.SessionDescription, error) {
	desc, err := n.await(ctx, "create answer", true, func(obs SDPObserver) {
		n.engine.CreateAnswer(obs, c)
	})
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return signaling.SessionDescription{Type: signaling.SDPTypeAnswer, SDP: Normalize(desc.SDP)}, nil
}

func (n *Negotiator) SetLocalDescription(ctx context.Context, desc signaling.SessionDescription) error {
	_, err := n.await(ctx, "set local description", false, func(obs SDPObserver) {
		n.engine.SetLocalDescription(obs, desc)
	})
	if err != nil {
		return err
	}
	n.markApplied(true, desc.Type)
	return nil
}

func (n *Negotiator) SetRemoteDescription(ctx context.Context, desc signaling.SessionDescription) error {
	if n.validate {
		if err := ValidateDescription(desc.SDP); err != nil {
			return &NegotiationError{Op: "set remote description", Err: err}
		}
	}
	_, err := n.await(ctx, "set remote description", false, func(obs SDPObserver) {
		n.engine.SetRemoteDescription(obs, desc)
	})
	if err != nil {
		return err
	}
	n.markApplied(false, desc.Type)
	return nil
}

// markApplied tracks the current round. An offer on either side opens a
// new round, so the other side's description no longer counts.
func (n *Negotiator) markApplied(local bool, t signaling.SDPType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t == signaling.SDPTypeOffer {
		n.localSet, n.remoteSet = local, !local
		return
	}
	if local {
		n.localSet = true
	} else {
		n.remoteSet = true
	}
}

// ReadyForICE reports whether both descriptions of the current round are
// applied.
func (n *Negotiator) ReadyForICE() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.disposed && n.localSet && n.remoteSet
}

// AddICECandidate applies a remote candidate. Callers queue candidates
// until ReadyForICE.
func (n *Negotiator) AddICECandidate(c signaling.Candidate) error {
	if n.isDisposed() {
		return ErrDisposed
	}
	if !n.ReadyForICE() {
		return ErrNotReadyForICE
	}
	if err := n.engine.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) SetAudioEnabled(enabled bool) error {
	if n.isDisposed() {
		return ErrDisposed
	}
	return n.engine.SetAudioEnabled(enabled)
}

func (n *Negotiator) SetVideoEnabled(enabled bool) error {
	if n.isDisposed() {
		return ErrDisposed
	}
	return n.engine.SetVideoEnabled(enabled)
}

func (n *Negotiator) FlipCamera() error {
	if n.isDisposed() {
		return ErrDisposed
	}
	return n.engine.FlipCamera()
}

// SendData writes to the engine's data channel.
func (n *Negotiator) SendData(data []byte) error {
	if n.isDisposed() {
		return ErrDisposed
	}
	return n.engine.SendData(data)
}

// Dispose releases the engine. It reports whether anything was released;
// calls after the first are no-ops.
func (n *Negotiator) Dispose() bool {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return false
	}
	n.disposed = true
	n.localSet, n.remoteSet = false, false
	close(n.done)
	n.mu.Unlock()

	if err := n.engine.Close(); err != nil {
		n.logger.Warn("engine close failed", zap.Error(err))
	}
	return true
}

type callbackKind int

const (
	createSuccess callbackKind = iota
	createFailure
	setSuccess
	setFailure
)

func (k callbackKind) String() string {
	switch k {
	case createSuccess:
		return "OnCreateSuccess"
	case createFailure:
		return "OnCreateFailure"
	case setSuccess:
		return "OnSetSuccess"
	default:
		return "OnSetFailure"
	}
}

type callbackResult struct {
	kind callbackKind
	desc signaling.SessionDescription
	err  error
}

// waiter keeps the first callback and ignores the rest.
type waiter struct {
	ch chan callbackResult
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan callbackResult, 1)}
}

func (w *waiter) deliver(r callbackResult) {
	select {
	case w.ch <- r:
	default:
	}
}

func (w *waiter) OnCreateSuccess(desc signaling.SessionDescription) {
	w.deliver(callbackResult{kind: createSuccess, desc: desc})
}

func (w *waiter) OnCreateFailure(err error) {
	w.deliver(callbackResult{kind: createFailure, err: err})
}

func (w *waiter) OnSetSuccess() {
	w.deliver(callbackResult{kind: setSuccess})
}

func (w *waiter) OnSetFailure(err error) {
	w.deliver(callbackResult{kind: setFailure, err: err})
}

func (n *Negotiator) await(ctx context.Context, op string, create bool, start func(SDPObserver)) (signaling.SessionDescription, error) {
	var none signaling.SessionDescription
	if n.isDisposed() {
		return none, ErrDisposed
	}

	w := newWaiter()
	start(w)

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		switch {
		case create && r.kind == createSuccess:
			return r.desc, nil
		case !create && r.kind == setSuccess:
			return none, nil
		case create && r.kind == createFailure, !create && r.kind == setFailure:
			err := r.err
			if err == nil {
				err = errors.New("engine reported failure")
			}
			return none, &NegotiationError{Op: op, Err: err}
		default:
			return none, &InvariantViolationError{Op: op, Callback: r.kind.String()}
		}
	case <-timer.C:
		n.logger.Warn("engine did not call back", zap.String("op", op), zap.Duration("timeout", n.timeout))
		return none, &NegotiationError{Op: op, Err: ErrNegotiationTimeout}
	case <-ctx.Done():
		return none, &NegotiationError{Op: op, Err: ctx.Err()}
	}
}

// engineRelay sits between the engine and the caller's observer.
type engineRelay struct {
	n   *Negotiator
	obs EngineObserver
}

func (r *engineRelay) OnICECandidate(c signaling.Candidate) {
	if r.n.isDisposed() {
		return
	}
	r.obs.OnICECandidate(c)
}

func (r *engineRelay) OnConnectivityChange(state Connectivity) {
	r.n.post(func() { r.obs.OnConnectivityChange(state) })
}

func (r *engineRelay) OnDataMessage(data []byte) {
	r.n.post(func() { r.obs.OnDataMessage(data) })
}
