package call

// State is the lifecycle state of the single active call.
type State int

const (
	Idle State = iota
	ReceivedPreOffer
	ReceivedOffer
	SentOffer
	// SentAnswer is the callee ringing locally.
	SentAnswer
	// RingingRemote is the caller waiting for the callee to pick up.
	RingingRemote
	Connecting
	Connected
	Reconnecting
	Disconnecting
)

var stateNames = map[State]string{
	Idle:             "idle",
	ReceivedPreOffer: "received_pre_offer",
	ReceivedOffer:    "received_offer",
	SentOffer:        "sent_offer",
	SentAnswer:       "sent_answer",
	RingingRemote:    "ringing_remote",
	Connecting:       "connecting",
	Connected:        "connected",
	Reconnecting:     "reconnecting",
	Disconnecting:    "disconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives a transition.
type Event int

const (
	EventReceivePreOffer Event = iota
	EventReceiveOffer
	EventSendAnswer
	EventSendOffer
	EventReceiveProvisionalAnswer
	EventReceiveAnswer
	EventAcceptCall
	EventConnect
	EventIceDisconnect
	EventNetworkReconnect
	EventReceiveRenegotiation
	EventHangup
	EventError
	EventCleanup
	EventTimeOut
	EventDeclineCall
)

var eventNames = map[Event]string{
	EventReceivePreOffer:          "receive_pre_offer",
	EventReceiveOffer:             "receive_offer",
	EventSendAnswer:               "send_answer",
	EventSendOffer:                "send_offer",
	EventReceiveProvisionalAnswer: "receive_provisional_answer",
	EventReceiveAnswer:            "receive_answer",
	EventAcceptCall:               "accept_call",
	EventConnect:                  "connect",
	EventIceDisconnect:            "ice_disconnect",
	EventNetworkReconnect:         "network_reconnect",
	EventReceiveRenegotiation:     "receive_renegotiation",
	EventHangup:                   "hangup",
	EventError:                    "error",
	EventCleanup:                  "cleanup",
	EventTimeOut:                  "time_out",
	EventDeclineCall:              "decline_call",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

var (
	// states a local user can decline from: the callee before accepting
	declineStates = []State{ReceivedPreOffer, ReceivedOffer, SentAnswer}
	// every state with a call in it that teardown is allowed from
	activeStates = []State{
		ReceivedPreOffer, ReceivedOffer, SentOffer, SentAnswer,
		RingingRemote, Connecting, Connected, Reconnecting,
	}
)

// transitions is the complete table. A (state, event) pair missing here is
// rejected without side effects.
var transitions = buildTransitions()

func buildTransitions() map[State]map[Event]State {
	t := make(map[State]map[Event]State)
	add := func(to State, ev Event, from ...State) {
		for _, f := range from {
			if t[f] == nil {
				t[f] = make(map[Event]State)
			}
			t[f][ev] = to
		}
	}

	add(ReceivedPreOffer, EventReceivePreOffer, Idle)
	add(ReceivedOffer, EventReceiveOffer, Idle, ReceivedPreOffer)
	add(SentAnswer, EventSendAnswer, ReceivedOffer)
	add(SentOffer, EventSendOffer, Idle)
	add(RingingRemote, EventReceiveProvisionalAnswer, SentOffer)
	add(Connecting, EventReceiveAnswer, SentOffer, RingingRemote)
	add(Reconnecting, EventReceiveAnswer, Reconnecting)
	add(Connecting, EventAcceptCall, SentAnswer)
	add(Connected, EventConnect, Connecting, Reconnecting)
	add(Reconnecting, EventIceDisconnect, Connected)
	add(Reconnecting, EventNetworkReconnect, Connected, Reconnecting)
	add(Connected, EventReceiveRenegotiation, Connected)
	add(Reconnecting, EventReceiveRenegotiation, Reconnecting)

	add(Disconnecting, EventHangup, activeStates...)
	add(Disconnecting, EventError, activeStates...)
	add(Disconnecting, EventCleanup, activeStates...)
	add(Disconnecting, EventTimeOut, activeStates...)
	add(Disconnecting, EventDeclineCall, declineStates...)
	add(Idle, EventCleanup, Disconnecting)
	return t
}

// next returns the state ev leads to from s.
func next(s State, ev Event) (State, bool) {
	to, ok := transitions[s][ev]
	return to, ok
}

func in(s State, set ...State) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
