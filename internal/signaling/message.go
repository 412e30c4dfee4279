// Package signaling defines the call-control messages exchanged with a
// peer and the relay transport that carries them.
package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeerID is a peer's stable address on the relay.
type PeerID string

// MessageType tags a Message variant.
type MessageType string

const (
	TypePreOffer          MessageType = "pre_offer"
	TypeOffer             MessageType = "offer"
	TypeAnswer            MessageType = "answer"
	TypeProvisionalAnswer MessageType = "provisional_answer"
	TypeEndCall           MessageType = "end_call"
	TypeICECandidates     MessageType = "ice_candidates"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypePreOffer, TypeOffer, TypeAnswer, TypeProvisionalAnswer, TypeEndCall, TypeICECandidates:
		return true
	}
	return false
}

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP body with its role in the exchange.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate is a single ICE candidate.
type Candidate struct {
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
	SDP           string `json:"sdp"`
}

// Message is one call-control message. Which payload fields are set
// depends on Type.
type Message struct {
	Type          MessageType `json:"type"`
	CallID        uuid.UUID   `json:"call_id"`
	Sender        PeerID      `json:"sender,omitempty"`
	SentTimestamp int64       `json:"sent_timestamp"`

	// offer, answer
	SDP string `json:"sdp,omitempty"`

	// ice_candidates; index-aligned
	SDPMids         []string `json:"sdp_mids,omitempty"`
	SDPMLineIndexes []int    `json:"sdp_mline_indexes,omitempty"`
	SDPs            []string `json:"sdps,omitempty"`
}

var (
	ErrUnknownType     = errors.New("unknown message type")
	ErrMissingCallID   = errors.New("missing call id")
	ErrMissingSDP      = errors.New("missing sdp")
	ErrMisalignedBatch = errors.New("ice candidate arrays differ in length")
)

func newMessage(t MessageType, callID uuid.UUID) Message {
	return Message{Type: t, CallID: callID, SentTimestamp: time.Now().UnixMilli()}
}

func NewPreOffer(callID uuid.UUID) Message { return newMessage(TypePreOffer, callID) }

func NewOffer(callID uuid.UUID, sdp string) Message {
	m := newMessage(TypeOffer, callID)
	m.SDP = sdp
	return m
}

func NewAnswer(callID uuid.UUID, sdp string) Message {
	m := newMessage(TypeAnswer, callID)
	m.SDP = sdp
	return m
}

func NewProvisionalAnswer(callID uuid.UUID) Message {
	return newMessage(TypeProvisionalAnswer, callID)
}

func NewEndCall(callID uuid.UUID) Message { return newMessage(TypeEndCall, callID) }

// NewICECandidates flattens candidates into the three parallel arrays.
func NewICECandidates(callID uuid.UUID, candidates []Candidate) Message {
	m := newMessage(TypeICECandidates, callID)
	m.SDPMids = make([]string, len(candidates))
	m.SDPMLineIndexes = make([]int, len(candidates))
	m.SDPs = make([]string, len(candidates))
	for i, c := range candidates {
		m.SDPMids[i] = c.SDPMid
		m.SDPMLineIndexes[i] = c.SDPMLineIndex
		m.SDPs[i] = c.SDP
	}
	return m
}

// Validate checks the fields required by the message's type.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.CallID == uuid.Nil {
		return ErrMissingCallID
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s: %w", m.Type, ErrMissingSDP)
		}
	case TypeICECandidates:
		if len(m.SDPMids) != len(m.SDPs) || len(m.SDPMLineIndexes) != len(m.SDPs) {
			return ErrMisalignedBatch
		}
	}
	return nil
}

// Candidates rebuilds the candidate list of an ice_candidates message.
// Arrays of unequal length are truncated to the shortest.
func (m Message) Candidates() []Candidate {
	n := min(len(m.SDPs), len(m.SDPMids), len(m.SDPMLineIndexes))
	out := make([]Candidate, n)
	for i := 0; i < n; i++ {
		out[i] = Candidate{SDPMid: m.SDPMids[i], SDPMLineIndex: m.SDPMLineIndexes[i], SDP: m.SDPs[i]}
	}
	return out
}

// SentAt returns SentTimestamp as a time.
func (m Message) SentAt() time.Time {
	return time.UnixMilli(m.SentTimestamp)
}
