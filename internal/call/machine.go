// Package call is the call lifecycle controller. A Machine is the single
// owner of call state, the active negotiator and both candidate queues;
// everything else reaches that state through its methods.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/calllog"
	"github.com/mikeyg42/callsignal/internal/negotiator"
	"github.com/mikeyg42/callsignal/internal/signaling"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrBusy           = errors.New("busy on another call")
	ErrNoCall         = errors.New("no active call")
	ErrInvalidState   = errors.New("action not valid in the current call state")
)

// Deps are the collaborators a Machine drives. Audio, History and Cellular
// are optional.
type Deps struct {
	Sender       signaling.Sender
	Engines      negotiator.EngineFactory
	Audio        AudioController
	History      calllog.Recorder
	Cellular     CellularState
	LocalAddress signaling.PeerID
	Logger       *zap.Logger
}

type Options struct {
	NegotiationTimeout time.Duration
	DebounceWindow     time.Duration
	// SetupTimeout bounds ringing, and a callee's wait for a reconnect offer.
	SetupTimeout      time.Duration
	ReconnectInterval time.Duration
	MaxReconnects     int
	VideoAvailable    bool
	ValidateRemote    bool
}

func (o *Options) setDefaults() {
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = negotiator.DefaultTimeout
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = DefaultDebounceWindow
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 30 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
}

// Machine is the call state machine.
type Machine struct {
	sender   signaling.Sender
	engines  negotiator.EngineFactory
	audio    AudioController
	history  calllog.Recorder
	cellular CellularState
	local    signaling.PeerID
	opts     Options
	logger   *zap.Logger

	mu              sync.Mutex
	state           State
	callID          uuid.UUID
	peer            signaling.PeerID
	outgoing        bool
	neg             *negotiator.Negotiator
	negGen          uint64
	pendingIncoming []signaling.Candidate
	localAnswer     string
	transportUp     bool
	networkUp       bool
	audioEnabled    bool
	videoEnabled    bool
	remoteVideo     bool
	setupTimer      *time.Timer
	stopReconnect   context.CancelFunc

	bound     atomic.Pointer[binding]
	debouncer *debouncer

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

func NewMachine(deps Deps, opts Options) *Machine {
	opts.setDefaults()
	if deps.Audio == nil {
		deps.Audio = noAudio{}
	}
	if deps.Cellular == nil {
		deps.Cellular = noCellular{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	m := &Machine{
		sender:    deps.Sender,
		engines:   deps.Engines,
		audio:     deps.Audio,
		history:   deps.History,
		cellular:  deps.Cellular,
		local:     deps.LocalAddress,
		opts:      opts,
		logger:    deps.Logger.Named("call"),
		networkUp: true,
		listeners: make(map[int]Listener),
	}
	m.debouncer = newDebouncer(opts.DebounceWindow, m.bound.Load, m.sendCandidates, m.logger)
	return m
}

// Subscribe registers l and returns a function removing it.
func (m *Machine) Subscribe(l Listener) (unsubscribe func()) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Machine) emit(events []StateEvent) {
	if len(events) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

// effects collects what a locked operation wants done once the lock is
// released, in order.
type effects struct {
	audio   []AudioCommand
	sends   []outbound
	history []historyRecord
	events  []StateEvent
}

type outbound struct {
	to  signaling.PeerID
	msg signaling.Message
}

type historyRecord struct {
	peer signaling.PeerID
	kind calllog.Kind
	at   time.Time
}

func (fx *effects) send(to signaling.PeerID, msg signaling.Message) {
	fx.sends = append(fx.sends, outbound{to: to, msg: msg})
}

func (fx *effects) record(peer signaling.PeerID, kind calllog.Kind) {
	fx.history = append(fx.history, historyRecord{peer: peer, kind: kind, at: time.Now()})
}

func (fx *effects) play(cmds ...AudioCommand) {
	fx.audio = append(fx.audio, cmds...)
}

func (fx *effects) notify(events ...StateEvent) {
	fx.events = append(fx.events, events...)
}

// run executes fn under the machine lock, then applies its effects. It
// returns fn's error; send failures are only logged.
func (m *Machine) run(ctx context.Context, fn func(fx *effects) error) error {
	err, _ := m.runSend(ctx, fn)
	return err
}

// runSend is run that also reports the first send failure.
func (m *Machine) runSend(ctx context.Context, fn func(fx *effects) error) (opErr, sendErr error) {
	fx := &effects{}
	m.mu.Lock()
	opErr = fn(fx)
	m.mu.Unlock()
	sendErr = m.apply(ctx, fx)
	return opErr, sendErr
}

func (m *Machine) apply(ctx context.Context, fx *effects) error {
	for _, cmd := range fx.audio {
		m.audio.HandleCommand(cmd)
	}

	var firstErr error
	for _, o := range fx.sends {
		sctx, cancel := sendTimeout(ctx)
		err := m.sender.Send(sctx, o.to, o.msg)
		cancel()
		if err != nil {
			m.logger.Warn("failed to send signaling message",
				zap.String("type", string(o.msg.Type)),
				zap.String("call_id", o.msg.CallID.String()),
				zap.String("peer", string(o.to)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if m.history != nil {
		for _, h := range fx.history {
			if err := m.history.InsertCallMessage(ctx, h.peer, h.kind, h.at); err != nil {
				m.logger.Warn("failed to record call", zap.String("kind", string(h.kind)), zap.Error(err))
			}
		}
	}

	m.emit(fx.events)
	return firstErr
}

func (m *Machine) sendCandidates(to signaling.PeerID, msg signaling.Message) {
	ctx, cancel := sendTimeout(context.Background())
	defer cancel()
	if err := m.sender.Send(ctx, to, msg); err != nil {
		m.logger.Warn("failed to send candidates",
			zap.String("call_id", msg.CallID.String()), zap.Int("count", len(msg.SDPs)), zap.Error(err))
	}
}

func (m *Machine) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.Stringer("state", m.state),
		zap.String("call_id", m.callID.String()),
		zap.String("peer", string(m.peer)),
	}, extra...)
}

// fire applies ev to the current state. Rejected events are logged and
// leave everything untouched.
func (m *Machine) fire(ev Event, fx *effects) bool {
	to, ok := next(m.state, ev)
	if !ok {
		m.logger.Warn("rejected event", m.fields(zap.Stringer("event", ev))...)
		return false
	}
	if to != m.state {
		m.logger.Debug("transition", m.fields(zap.Stringer("event", ev), zap.Stringer("to", to))...)
		m.state = to
		fx.notify(CallStateUpdate{State: to, CallID: m.callID, Peer: m.peer})
	}
	return true
}

func (m *Machine) can(ev Event) bool {
	_, ok := next(m.state, ev)
	return ok
}

func (m *Machine) bindLocked(callID uuid.UUID, peer signaling.PeerID, outgoing bool, fx *effects) {
	if m.callID == callID && m.peer == peer {
		return
	}
	m.callID, m.peer, m.outgoing = callID, peer, outgoing
	m.bound.Store(&binding{callID: callID, peer: peer})
	fx.notify(PeerUpdate{Peer: peer})
}

func (m *Machine) unbindLocked() {
	m.debouncer.Cancel()
	m.bound.Store(nil)
	m.callID, m.peer, m.outgoing = uuid.Nil, "", false
}

func (m *Machine) isBusyLocked(callID uuid.UUID) bool {
	return callID != m.callID && (m.state != Idle || m.cellular.InCall())
}

// IsBusy reports whether a call with callID would be turned away.
func (m *Machine) IsBusy(callID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isBusyLocked(callID)
}

func (m *Machine) rejectBusyLocked(callID uuid.UUID, peer signaling.PeerID, fx *effects) {
	m.logger.Info("rejecting call while busy", m.fields(zap.String("incoming_call_id", callID.String()), zap.String("from", string(peer)))...)
	fx.send(peer, signaling.NewEndCall(callID))
	fx.record(peer, calllog.KindMissed)
}

func (m *Machine) newNegotiatorLocked() (*negotiator.Negotiator, error) {
	m.negGen++
	obs := &sessionObserver{m: m, gen: m.negGen}
	neg, err := negotiator.New(m.engines, obs, negotiator.Options{
		Timeout:        m.opts.NegotiationTimeout,
		VideoAvailable: m.opts.VideoAvailable,
		ValidateRemote: m.opts.ValidateRemote,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	// camera starts off; the user turns it on
	if err := neg.SetVideoEnabled(false); err != nil {
		m.logger.Debug("could not disable video", zap.Error(err))
	}
	return neg, nil
}

// teardownLocked is the only way back to Idle. It runs as one critical
// section: dispose the negotiator, cancel the debounce window, clear both
// queues, stop timers, unbind, and reset.
func (m *Machine) teardownLocked(ev Event, fx *effects) bool {
	if !m.fire(ev, fx) {
		return false
	}
	wasOutgoing := m.outgoing

	if m.neg != nil {
		m.neg.Dispose()
		m.neg = nil
	}
	m.pendingIncoming = nil
	if m.setupTimer != nil {
		m.setupTimer.Stop()
		m.setupTimer = nil
	}
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.unbindLocked()
	m.localAnswer = ""
	m.transportUp = false

	fx.play(AudioStop{PlayDisconnect: wasOutgoing})
	if m.audioEnabled {
		fx.notify(AudioEnabled{Enabled: false})
	}
	if m.videoEnabled {
		fx.notify(VideoEnabled{Enabled: false})
	}
	if m.remoteVideo {
		fx.notify(RemoteVideoEnabled{Enabled: false})
	}
	m.audioEnabled, m.videoEnabled, m.remoteVideo = false, false, false

	m.fire(EventCleanup, fx)
	return true
}

func (m *Machine) failLocked(err error, fx *effects) {
	callID := m.callID
	m.logger.Error("call failed", m.fields(zap.Error(err))...)
	if m.teardownLocked(EventError, fx) {
		fx.notify(CallFailed{CallID: callID, Err: err})
	}
}

func (m *Machine) flushIncomingLocked() {
	if m.neg == nil || !m.neg.ReadyForICE() {
		return
	}
	for _, c := range m.pendingIncoming {
		if err := m.neg.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to apply queued candidate", m.fields(zap.Error(err))...)
		}
	}
	m.pendingIncoming = nil
}

func (m *Machine) armSetupTimerLocked(callID uuid.UUID) {
	if m.setupTimer != nil {
		return
	}
	m.setupTimer = time.AfterFunc(m.opts.SetupTimeout, func() { m.onSetupTimeout(callID) })
}

func (m *Machine) onSetupTimeout(callID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.run(ctx, func(fx *effects) error {
		if m.callID != callID || in(m.state, Idle, Disconnecting, Connecting, Connected, Reconnecting) {
			return nil
		}
		m.logger.Warn("call setup timed out", m.fields()...)
		peer, incoming := m.peer, !m.outgoing
		if m.teardownLocked(EventTimeOut, fx) {
			fx.send(peer, signaling.NewEndCall(callID))
			if incoming {
				fx.record(peer, calllog.KindMissed)
			}
		}
		return nil
	})
}

// OnPreOffer handles the announcement of an incoming call.
func (m *Machine) OnPreOffer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID) error {
	return m.run(ctx, func(fx *effects) error {
		if m.isBusyLocked(callID) {
			m.rejectBusyLocked(callID, peer, fx)
			return nil
		}
		if !m.can(EventReceivePreOffer) {
			m.logger.Warn("ignoring pre-offer", m.fields(zap.String("from", string(peer)))...)
			return nil
		}
		m.bindLocked(callID, peer, false, fx)
		m.fire(EventReceivePreOffer, fx)
		fx.play(AudioInitialize{}, AudioStartIncomingRinger{Vibrate: true})
		m.armSetupTimerLocked(callID)
		return nil
	})
}

// OnIncomingOffer answers a new call's offer. The answer goes out right
// away; outgoing audio stays off until the user accepts.
func (m *Machine) OnIncomingOffer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID, sdp string) error {
	return m.run(ctx, func(fx *effects) error {
		if m.isBusyLocked(callID) {
			m.rejectBusyLocked(callID, peer, fx)
			return nil
		}
		if in(m.state, Connected, Reconnecting) {
			return m.renegotiateLocked(ctx, callID, peer, sdp, fx)
		}
		if m.state == ReceivedPreOffer && peer != m.peer {
			m.logger.Warn("offer does not match pre-offer", m.fields(zap.String("from", string(peer)))...)
			return nil
		}
		if !m.can(EventReceiveOffer) {
			m.logger.Warn("ignoring offer", m.fields(zap.String("from", string(peer)))...)
			return nil
		}

		fromIdle := m.state == Idle
		m.bindLocked(callID, peer, false, fx)
		m.fire(EventReceiveOffer, fx)
		if fromIdle {
			fx.play(AudioInitialize{}, AudioStartIncomingRinger{Vibrate: true})
			m.armSetupTimerLocked(callID)
		}

		neg, err := m.newNegotiatorLocked()
		if err != nil {
			m.failLocked(err, fx)
			return err
		}
		m.neg = neg

		offer := signaling.SessionDescription{Type: signaling.SDPTypeOffer, SDP: sdp}
		if err := neg.SetRemoteDescription(ctx, offer); err != nil {
			m.failLocked(err, fx)
			return err
		}
		answer, err := neg.CreateAnswer(ctx, negotiator.Constraints{})
		if err != nil {
			m.failLocked(err, fx)
			return err
		}
		if err := neg.SetLocalDescription(ctx, answer); err != nil {
			m.failLocked(err, fx)
			return err
		}
		if err := neg.SetAudioEnabled(false); err != nil {
			m.logger.Debug("could not hold audio while ringing", zap.Error(err))
		}
		m.localAnswer = answer.SDP
		m.flushIncomingLocked()

		m.fire(EventSendAnswer, fx)
		fx.send(peer, signaling.NewProvisionalAnswer(callID))
		fx.send(peer, signaling.NewAnswer(callID, answer.SDP))
		return nil
	})
}

// OnOutgoingCallRequest starts a call to peer and returns its id.
func (m *Machine) OnOutgoingCallRequest(ctx context.Context, peer signaling.PeerID) (uuid.UUID, error) {
	var callID uuid.UUID
	err := m.run(ctx, func(fx *effects) error {
		if m.cellular.InCall() {
			return ErrBusy
		}
		if !m.can(EventSendOffer) {
			return ErrCallInProgress
		}

		id := uuid.New()
		// bound before the offer is applied so early candidates are kept
		m.bindLocked(id, peer, true, fx)

		neg, err := m.newNegotiatorLocked()
		if err != nil {
			m.unbindLocked()
			return err
		}
		offer, err := neg.CreateOffer(ctx, negotiator.Constraints{})
		if err == nil {
			err = neg.SetLocalDescription(ctx, offer)
		}
		if err != nil {
			neg.Dispose()
			m.unbindLocked()
			fx.notify(CallFailed{CallID: id, Err: err})
			return err
		}
		m.neg = neg
		m.fire(EventSendOffer, fx)

		device := DeviceEarpiece
		if m.opts.VideoAvailable {
			device = DeviceSpeakerPhone
		}
		fx.play(AudioInitialize{}, AudioSetDefaultDevice{Device: device}, AudioStartOutgoingRinger{})
		fx.send(peer, signaling.NewPreOffer(id))
		fx.send(peer, signaling.NewOffer(id, offer.SDP))
		fx.record(peer, calllog.KindOutgoing)
		m.armSetupTimerLocked(id)
		callID = id
		return nil
	})
	return callID, err
}

// OnRenegotiationOffer answers an ICE-restart offer for the active call
// without leaving Connected or Reconnecting.
func (m *Machine) OnRenegotiationOffer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID, sdp string) error {
	return m.run(ctx, func(fx *effects) error {
		return m.renegotiateLocked(ctx, callID, peer, sdp, fx)
	})
}

func (m *Machine) renegotiateLocked(ctx context.Context, callID uuid.UUID, peer signaling.PeerID, sdp string, fx *effects) error {
	if callID != m.callID || peer != m.peer || m.neg == nil {
		m.logger.Warn("ignoring renegotiation for another call", m.fields(zap.String("from", string(peer)))...)
		return nil
	}
	if !m.fire(EventReceiveRenegotiation, fx) {
		return nil
	}

	offer := signaling.SessionDescription{Type: signaling.SDPTypeOffer, SDP: sdp}
	if err := m.neg.SetRemoteDescription(ctx, offer); err != nil {
		m.failLocked(err, fx)
		return err
	}
	answer, err := m.neg.CreateAnswer(ctx, negotiator.Constraints{ICERestart: true})
	if err != nil {
		m.failLocked(err, fx)
		return err
	}
	if err := m.neg.SetLocalDescription(ctx, answer); err != nil {
		m.failLocked(err, fx)
		return err
	}
	m.localAnswer = answer.SDP
	m.flushIncomingLocked()
	fx.send(peer, signaling.NewAnswer(callID, answer.SDP))
	return nil
}

// OnAnswer applies the callee's answer. An answer echoed from our own
// address while we are still ringing means another of our devices picked
// up, so this one stops.
func (m *Machine) OnAnswer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID, sdp string) error {
	return m.run(ctx, func(fx *effects) error {
		if m.local != "" && peer == m.local && callID == m.callID && in(m.state, declineStates...) {
			m.logger.Info("call answered on another device", m.fields()...)
			m.teardownLocked(EventHangup, fx)
			return nil
		}
		if callID != m.callID || peer != m.peer {
			m.logger.Warn("ignoring answer for another call", m.fields(zap.String("from", string(peer)))...)
			return nil
		}
		if m.neg == nil {
			return nil
		}
		if !m.can(EventReceiveAnswer) {
			m.logger.Warn("ignoring answer", m.fields()...)
			return nil
		}

		answer := signaling.SessionDescription{Type: signaling.SDPTypeAnswer, SDP: sdp}
		if err := m.neg.SetRemoteDescription(ctx, answer); err != nil {
			m.failLocked(err, fx)
			return err
		}
		m.flushIncomingLocked()

		m.fire(EventReceiveAnswer, fx)
		// An ICE restart on a live transport gets no new connected event.
		if m.transportUp {
			m.connectLocked(fx)
		}
		return nil
	})
}

// OnProvisionalAnswer marks the callee as ringing.
func (m *Machine) OnProvisionalAnswer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID) error {
	return m.run(ctx, func(fx *effects) error {
		if callID != m.callID || peer != m.peer {
			return nil
		}
		if m.can(EventReceiveProvisionalAnswer) {
			m.fire(EventReceiveProvisionalAnswer, fx)
		}
		return nil
	})
}

// maxPendingCandidates caps the remote candidates held before the session
// can take them. The oldest go first.
const maxPendingCandidates = 64

// fromCallPeerLocked reports whether sender may speak for the bound call:
// the remote peer, or another of our own devices.
func (m *Machine) fromCallPeerLocked(sender signaling.PeerID) bool {
	return sender == m.peer || (m.local != "" && sender == m.local)
}

// OnRemoteCandidates applies candidates in arrival order, or queues them
// until both descriptions of the current round are set.
func (m *Machine) OnRemoteCandidates(callID uuid.UUID, sender signaling.PeerID, candidates []signaling.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Idle || callID != m.callID {
		m.logger.Debug("dropping candidates for inactive call", zap.String("for_call_id", callID.String()))
		return
	}
	if !m.fromCallPeerLocked(sender) {
		m.logger.Warn("dropping candidates from a peer not in the call", m.fields(zap.String("from", string(sender)))...)
		return
	}
	if m.neg == nil || !m.neg.ReadyForICE() {
		m.pendingIncoming = append(m.pendingIncoming, candidates...)
		if over := len(m.pendingIncoming) - maxPendingCandidates; over > 0 {
			m.logger.Warn("pending candidate queue full, dropping oldest", m.fields(zap.Int("dropped", over))...)
			m.pendingIncoming = append([]signaling.Candidate(nil), m.pendingIncoming[over:]...)
		}
		return
	}
	for _, c := range candidates {
		if err := m.neg.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to apply candidate", m.fields(zap.Error(err))...)
		}
	}
}

// OnLocalHangup ends the call from this side. Repeated calls are no-ops.
func (m *Machine) OnLocalHangup(ctx context.Context) error {
	return m.run(ctx, func(fx *effects) error {
		if in(m.state, Idle, Disconnecting) {
			return nil
		}
		callID, peer := m.callID, m.peer
		if m.neg != nil {
			if err := m.neg.SendData(hangupMessage); err != nil {
				m.logger.Debug("hangup not sent on data channel", zap.Error(err))
			}
		}
		if m.teardownLocked(EventHangup, fx) {
			fx.send(peer, signaling.NewEndCall(callID))
		}
		return nil
	})
}

// OnRemoteHangup ends the call when the peer, or another of our devices,
// hangs up. A call that was still ringing here is recorded as missed.
func (m *Machine) OnRemoteHangup(ctx context.Context, callID uuid.UUID, sender signaling.PeerID) error {
	return m.run(ctx, func(fx *effects) error {
		m.remoteHangupLocked(callID, sender, fx)
		return nil
	})
}

func (m *Machine) remoteHangupLocked(callID uuid.UUID, sender signaling.PeerID, fx *effects) {
	if in(m.state, Idle, Disconnecting) || callID != m.callID {
		m.logger.Debug("ignoring hangup for inactive call", zap.String("for_call_id", callID.String()))
		return
	}
	if !m.fromCallPeerLocked(sender) {
		m.logger.Warn("ignoring hangup from a peer not in the call", m.fields(zap.String("from", string(sender)))...)
		return
	}
	peer := m.peer
	unanswered := in(m.state, declineStates...)
	if m.teardownLocked(EventHangup, fx) && unanswered {
		fx.record(peer, calllog.KindMissed)
	}
}

// OnNetworkReestablished sends an ICE-restart offer for the active call.
// It returns the send error so reconnect attempts can count failures.
func (m *Machine) OnNetworkReestablished(ctx context.Context) error {
	opErr, sendErr := m.runSend(ctx, func(fx *effects) error {
		if m.neg == nil || !m.can(EventNetworkReconnect) {
			m.logger.Debug("no call to reconnect", m.fields()...)
			return nil
		}
		m.fire(EventNetworkReconnect, fx)

		offer, err := m.neg.CreateOffer(ctx, negotiator.Constraints{ICERestart: true})
		if err != nil {
			m.failLocked(err, fx)
			return err
		}
		if err := m.neg.SetLocalDescription(ctx, offer); err != nil {
			m.failLocked(err, fx)
			return err
		}
		fx.send(m.peer, signaling.NewOffer(m.callID, offer.SDP))
		return nil
	})
	if opErr != nil {
		return opErr
	}
	return sendErr
}

// SetNetworkAvailable records host connectivity. When it comes back during
// a call we started, an ICE restart goes out immediately.
func (m *Machine) SetNetworkAvailable(ctx context.Context, up bool) error {
	m.mu.Lock()
	wasUp := m.networkUp
	m.networkUp = up
	restart := up && !wasUp && m.outgoing && in(m.state, Connected, Reconnecting)
	m.mu.Unlock()

	if !restart {
		return nil
	}
	return m.OnNetworkReestablished(ctx)
}

// Answer accepts the ringing incoming call.
func (m *Machine) Answer(ctx context.Context) error {
	return m.run(ctx, func(fx *effects) error {
		if !m.can(EventAcceptCall) || m.neg == nil {
			return ErrInvalidState
		}
		if err := m.neg.SetAudioEnabled(true); err != nil {
			m.logger.Warn("could not enable audio", zap.Error(err))
		}
		m.audioEnabled = true
		fx.notify(AudioEnabled{Enabled: true})
		fx.play(AudioSilenceIncomingRinger{})
		fx.record(m.peer, calllog.KindIncoming)
		// let our other devices stop ringing
		if m.local != "" && m.local != m.peer {
			fx.send(m.local, signaling.NewAnswer(m.callID, m.localAnswer))
		}

		m.fire(EventAcceptCall, fx)
		if m.transportUp {
			m.connectLocked(fx)
		}
		return nil
	})
}

// Decline rejects the ringing incoming call on every device.
func (m *Machine) Decline(ctx context.Context) error {
	return m.run(ctx, func(fx *effects) error {
		if !m.can(EventDeclineCall) {
			return ErrInvalidState
		}
		callID, peer := m.callID, m.peer
		m.teardownLocked(EventDeclineCall, fx)
		if m.local != "" && m.local != peer {
			fx.send(m.local, signaling.NewEndCall(callID))
		}
		fx.send(peer, signaling.NewEndCall(callID))
		fx.record(peer, calllog.KindMissed)
		return nil
	})
}

func (m *Machine) SetAudioMuted(ctx context.Context, muted bool) error {
	return m.run(ctx, func(fx *effects) error {
		if m.neg == nil || in(m.state, Idle, Disconnecting) {
			return ErrNoCall
		}
		if err := m.neg.SetAudioEnabled(!muted); err != nil {
			return err
		}
		m.audioEnabled = !muted
		fx.notify(AudioEnabled{Enabled: !muted})
		return nil
	})
}

// SetVideoEnabled turns the camera on or off and tells the peer.
func (m *Machine) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return m.run(ctx, func(fx *effects) error {
		if m.neg == nil || in(m.state, Idle, Disconnecting) {
			return ErrNoCall
		}
		if err := m.neg.SetVideoEnabled(enabled); err != nil {
			return err
		}
		m.videoEnabled = enabled
		fx.notify(VideoEnabled{Enabled: enabled})
		m.sendVideoStateLocked()
		return nil
	})
}

// FlipCamera switches cameras while video is on.
func (m *Machine) FlipCamera(ctx context.Context) error {
	return m.run(ctx, func(fx *effects) error {
		if m.neg == nil || in(m.state, Idle, Disconnecting) {
			return ErrNoCall
		}
		if !m.videoEnabled {
			return nil
		}
		return m.neg.FlipCamera()
	})
}

// SetAudioDevice routes call audio to device.
func (m *Machine) SetAudioDevice(ctx context.Context, device AudioDevice) error {
	return m.run(ctx, func(fx *effects) error {
		if in(m.state, Idle, Disconnecting) {
			return ErrNoCall
		}
		fx.play(AudioSetUserDevice{Device: device})
		return nil
	})
}

func (m *Machine) sendVideoStateLocked() {
	if m.neg == nil {
		return
	}
	enabled := m.videoEnabled
	data, _ := json.Marshal(dataMessage{Video: &enabled})
	if err := m.neg.SendData(data); err != nil {
		m.logger.Debug("video state not sent on data channel", zap.Error(err))
	}
}

// connectLocked moves to Connected and starts media.
func (m *Machine) connectLocked(fx *effects) {
	if !m.fire(EventConnect, fx) {
		return
	}
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	if m.setupTimer != nil {
		m.setupTimer.Stop()
		m.setupTimer = nil
	}
	fx.play(AudioStart{})
	if err := m.neg.SetAudioEnabled(true); err != nil {
		m.logger.Warn("could not enable audio", zap.Error(err))
	}
	if !m.audioEnabled {
		m.audioEnabled = true
		fx.notify(AudioEnabled{Enabled: true})
	}
	m.sendVideoStateLocked()
}

func (m *Machine) onConnectivity(gen uint64, state negotiator.Connectivity) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.run(ctx, func(fx *effects) error {
		if gen != m.negGen || m.neg == nil {
			return nil
		}
		m.logger.Debug("connectivity changed", m.fields(zap.Stringer("connectivity", state))...)
		switch state {
		case negotiator.ConnectivityConnected, negotiator.ConnectivityCompleted:
			m.transportUp = true
			if in(m.state, Connecting, Reconnecting) {
				m.connectLocked(fx)
			}
		case negotiator.ConnectivityDisconnected, negotiator.ConnectivityFailed:
			m.transportUp = false
			if m.state == Connected {
				m.fire(EventIceDisconnect, fx)
			}
			if m.state == Reconnecting {
				m.startReconnectLocked()
			}
		}
		return nil
	})
}

// dataMessage is the JSON exchanged on the in-call data channel.
type dataMessage struct {
	Video  *bool `json:"video,omitempty"`
	Hangup bool  `json:"hangup,omitempty"`
}

var hangupMessage = []byte(`{"hangup":true}`)

func (m *Machine) onDataMessage(gen uint64, data []byte) {
	var msg dataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Debug("ignoring malformed data channel message", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.run(ctx, func(fx *effects) error {
		if gen != m.negGen || m.neg == nil {
			return nil
		}
		switch {
		case msg.Hangup:
			m.remoteHangupLocked(m.callID, m.peer, fx)
		case msg.Video != nil:
			m.remoteVideo = *msg.Video
			fx.notify(RemoteVideoEnabled{Enabled: *msg.Video})
		}
		return nil
	})
}

// sessionObserver ties engine events to the negotiator generation that
// produced them, so events from a disposed session are ignored.
type sessionObserver struct {
	m   *Machine
	gen uint64
}

func (o *sessionObserver) OnICECandidate(c signaling.Candidate) {
	o.m.debouncer.Add(c)
}

func (o *sessionObserver) OnConnectivityChange(state negotiator.Connectivity) {
	o.m.onConnectivity(o.gen, state)
}

func (o *sessionObserver) OnDataMessage(data []byte) {
	o.m.onDataMessage(o.gen, data)
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State           State            `json:"state"`
	CallID          uuid.UUID        `json:"call_id"`
	Peer            signaling.PeerID `json:"peer,omitempty"`
	Outgoing        bool             `json:"outgoing"`
	AudioEnabled    bool             `json:"audio_enabled"`
	VideoEnabled    bool             `json:"video_enabled"`
	RemoteVideo     bool             `json:"remote_video"`
	PendingIncoming int              `json:"pending_incoming"`
	PendingOutgoing int              `json:"pending_outgoing"`
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:           m.state,
		CallID:          m.callID,
		Peer:            m.peer,
		Outgoing:        m.outgoing,
		AudioEnabled:    m.audioEnabled,
		VideoEnabled:    m.videoEnabled,
		RemoteVideo:     m.remoteVideo,
		PendingIncoming: len(m.pendingIncoming),
		PendingOutgoing: m.debouncer.Pending(),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
