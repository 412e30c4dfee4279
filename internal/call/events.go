package call

import (
	"github.com/google/uuid"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

// StateEvent is a notification for UI-side collaborators. Match on the
// concrete type.
type StateEvent interface {
	stateEvent()
}

type CallStateUpdate struct {
	State  State
	CallID uuid.UUID
	Peer   signaling.PeerID
}

type AudioEnabled struct{ Enabled bool }

type VideoEnabled struct{ Enabled bool }

type RemoteVideoEnabled struct{ Enabled bool }

type PeerUpdate struct{ Peer signaling.PeerID }

// CallFailed reports that a call was torn down by the error path.
type CallFailed struct {
	CallID uuid.UUID
	Err    error
}

func (CallStateUpdate) stateEvent()    {}
func (AudioEnabled) stateEvent()       {}
func (VideoEnabled) stateEvent()       {}
func (RemoteVideoEnabled) stateEvent() {}
func (PeerUpdate) stateEvent()         {}
func (CallFailed) stateEvent()         {}

// Listener receives StateEvents in order, never under the machine lock.
type Listener func(StateEvent)
