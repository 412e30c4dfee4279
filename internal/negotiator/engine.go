package negotiator

import (
	"github.com/mikeyg42/callsignal/internal/signaling"
)

// SDPObserver receives the outcome of one asynchronous SDP operation.
// Create operations answer with OnCreate*, set operations with OnSet*.
type SDPObserver interface {
	OnCreateSuccess(desc signaling.SessionDescription)
	OnCreateFailure(err error)
	OnSetSuccess()
	OnSetFailure(err error)
}

// Constraints tune offer/answer creation.
type Constraints struct {
	ICERestart bool
}

// Engine is the native media engine for a single call attempt. SDP calls
// return immediately and report through the observer, possibly on another
// goroutine.
type Engine interface {
	CreateOffer(obs SDPObserver, c Constraints)
	CreateAnswer(obs SDPObserver, c Constraints)
	SetLocalDescription(obs SDPObserver, desc signaling.SessionDescription)
	SetRemoteDescription(obs SDPObserver, desc signaling.SessionDescription)
	AddICECandidate(c signaling.Candidate) error

	AddAudioTrack() error
	AddVideoTrack() error
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	FlipCamera() error

	// SendData writes to the negotiated data channel.
	SendData(data []byte) error
	Close() error
}

// Connectivity mirrors the engine's ICE connection state.
type Connectivity int

const (
	ConnectivityNew Connectivity = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityCompleted
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityCompleted:
		return "completed"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Up reports whether media can flow.
func (c Connectivity) Up() bool {
	return c == ConnectivityConnected || c == ConnectivityCompleted
}

// EngineObserver receives engine events. Calls may arrive on any goroutine.
type EngineObserver interface {
	OnICECandidate(c signaling.Candidate)
	OnConnectivityChange(state Connectivity)
	OnDataMessage(data []byte)
}

// EngineFactory builds an engine bound to obs.
type EngineFactory func(obs EngineObserver) (Engine, error)
