// Package negotiatortest provides a scriptable in-memory media engine.
package negotiatortest

import (
	"errors"
	"sync"

	"github.com/mikeyg42/callsignal/internal/negotiator"
	"github.com/mikeyg42/callsignal/internal/signaling"
)

const (
	OfferSDP  = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=fmtp:111 minptime=10;useinbandfec=1\r\na=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n"
	AnswerSDP = "v=0\r\no=- 2 1 IN IP4 0.0.0.0\r\ns=-\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=fmtp:111 minptime=10\r\n"
)

// Engine records every call and answers SDP operations on a separate
// goroutine, like a native engine would.
type Engine struct {
	mu sync.Mutex

	Observer negotiator.EngineObserver

	// FailCreate / FailSet make the matching operations report failure.
	FailCreate error
	FailSet    error
	// Silent suppresses all SDP callbacks.
	Silent bool
	// WrongCallback answers set operations with OnCreateSuccess.
	WrongCallback bool
	// FailAddCandidate makes AddICECandidate return an error.
	FailAddCandidate error

	Record
}

// Record is what the engine has been asked to do.
type Record struct {
	OfferConstraints []negotiator.Constraints
	Local            []signaling.SessionDescription
	Remote           []signaling.SessionDescription
	Candidates       []signaling.Candidate
	AudioTracks      int
	VideoTracks      int
	AudioEnabled     bool
	VideoEnabled     bool
	Flips            int
	Sent             [][]byte
	Closed           int
}

func (e *Engine) CreateOffer(obs negotiator.SDPObserver, c negotiator.Constraints) {
	e.mu.Lock()
	e.OfferConstraints = append(e.OfferConstraints, c)
	fail, silent := e.FailCreate, e.Silent
	e.mu.Unlock()
	e.create(obs, fail, silent, signaling.SessionDescription{Type: signaling.SDPTypeOffer, SDP: OfferSDP})
}

func (e *Engine) CreateAnswer(obs negotiator.SDPObserver, _ negotiator.Constraints) {
	e.mu.Lock()
	fail, silent := e.FailCreate, e.Silent
	e.mu.Unlock()
	e.create(obs, fail, silent, signaling.SessionDescription{Type: signaling.SDPTypeAnswer, SDP: AnswerSDP})
}

func (e *Engine) create(obs negotiator.SDPObserver, fail error, silent bool, desc signaling.SessionDescription) {
	if silent {
		return
	}
	go func() {
		if fail != nil {
			obs.OnCreateFailure(fail)
			return
		}
		obs.OnCreateSuccess(desc)
	}()
}

func (e *Engine) SetLocalDescription(obs negotiator.SDPObserver, desc signaling.SessionDescription) {
	e.set(obs, desc, true)
}

func (e *Engine) SetRemoteDescription(obs negotiator.SDPObserver, desc signaling.SessionDescription) {
	e.set(obs, desc, false)
}

func (e *Engine) set(obs negotiator.SDPObserver, desc signaling.SessionDescription, local bool) {
	e.mu.Lock()
	fail, silent, wrong := e.FailSet, e.Silent, e.WrongCallback
	if fail == nil && !silent && !wrong {
		if local {
			e.Local = append(e.Local, desc)
		} else {
			e.Remote = append(e.Remote, desc)
		}
	}
	e.mu.Unlock()
	if silent {
		return
	}
	go func() {
		switch {
		case wrong:
			obs.OnCreateSuccess(desc)
		case fail != nil:
			obs.OnSetFailure(fail)
		default:
			obs.OnSetSuccess()
		}
	}()
}

func (e *Engine) AddICECandidate(c signaling.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailAddCandidate != nil {
		return e.FailAddCandidate
	}
	e.Candidates = append(e.Candidates, c)
	return nil
}

func (e *Engine) AddAudioTrack() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AudioTracks++
	e.AudioEnabled = true
	return nil
}

func (e *Engine) AddVideoTrack() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.VideoTracks++
	return nil
}

func (e *Engine) SetAudioEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AudioEnabled = enabled
	return nil
}

func (e *Engine) SetVideoEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.VideoTracks == 0 && enabled {
		return errors.New("no video track")
	}
	e.VideoEnabled = enabled
	return nil
}

func (e *Engine) FlipCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Flips++
	return nil
}

func (e *Engine) SendData(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Sent = append(e.Sent, append([]byte(nil), data...))
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed++
	return nil
}

// EmitCandidate simulates a locally gathered candidate.
func (e *Engine) EmitCandidate(c signaling.Candidate) {
	e.Observer.OnICECandidate(c)
}

// EmitConnectivity simulates an ICE state change.
func (e *Engine) EmitConnectivity(state negotiator.Connectivity) {
	e.Observer.OnConnectivityChange(state)
}

// EmitData simulates a data channel message from the peer.
func (e *Engine) EmitData(data []byte) {
	e.Observer.OnDataMessage(data)
}

// Snapshot returns a copy of the recorded state safe to inspect.
func (e *Engine) Snapshot() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Record{
		OfferConstraints: append([]negotiator.Constraints(nil), e.OfferConstraints...),
		Local:            append([]signaling.SessionDescription(nil), e.Local...),
		Remote:           append([]signaling.SessionDescription(nil), e.Remote...),
		Candidates:       append([]signaling.Candidate(nil), e.Candidates...),
		AudioTracks:      e.AudioTracks,
		VideoTracks:      e.VideoTracks,
		AudioEnabled:     e.AudioEnabled,
		VideoEnabled:     e.VideoEnabled,
		Flips:            e.Flips,
		Sent:             append([][]byte(nil), e.Sent...),
		Closed:           e.Closed,
	}
}

// Configure changes failure knobs under the engine lock.
func (e *Engine) Configure(fn func(e *Engine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// Factory hands out Engines and remembers them.
type Factory struct {
	mu      sync.Mutex
	engines []*Engine
	// Prepare runs on each new engine before it is returned.
	Prepare func(e *Engine)
	// Err makes New fail.
	Err error
}

func (f *Factory) New(obs negotiator.EngineObserver) (negotiator.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	e := &Engine{Observer: obs}
	if f.Prepare != nil {
		f.Prepare(e)
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// Last returns the most recently created engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// Count returns how many engines were created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}
