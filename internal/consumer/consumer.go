// Package consumer drains inbound signaling messages, one at a time, into
// the call state machine.
package consumer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/call"
	"github.com/mikeyg42/callsignal/internal/calllog"
	"github.com/mikeyg42/callsignal/internal/signaling"
)

// DefaultExpiry is how old a pre-offer may be before it is treated as a
// missed call instead of ringing.
const DefaultExpiry = 30 * time.Second

// Machine is the part of call.Machine the consumer drives.
type Machine interface {
	OnPreOffer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID) error
	OnIncomingOffer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID, sdp string) error
	OnRenegotiationOffer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID, sdp string) error
	OnAnswer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID, sdp string) error
	OnProvisionalAnswer(ctx context.Context, callID uuid.UUID, peer signaling.PeerID) error
	OnRemoteCandidates(callID uuid.UUID, sender signaling.PeerID, candidates []signaling.Candidate)
	OnRemoteHangup(ctx context.Context, callID uuid.UUID, sender signaling.PeerID) error
	Snapshot() call.Snapshot
}

// Policy answers the filtering questions. settings.Store implements it.
type Policy interface {
	NotificationsEnabled() bool
	IsApproved(peer signaling.PeerID) bool
	// MarkFirstMissed reports whether no call had been missed yet while
	// notifications were off, and remembers that one now has.
	MarkFirstMissed() bool
}

type Options struct {
	LocalAddress signaling.PeerID
	Expiry       time.Duration
	Logger       *zap.Logger
}

type Consumer struct {
	machine Machine
	policy  Policy
	history calllog.Recorder
	local   signaling.PeerID
	expiry  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func New(machine Machine, policy Policy, history calllog.Recorder, opts Options) *Consumer {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Consumer{
		machine: machine,
		policy:  policy,
		history: history,
		local:   opts.LocalAddress,
		expiry:  opts.Expiry,
		logger:  opts.Logger.Named("consumer"),
		now:     time.Now,
	}
}

// Run handles messages from in until it is closed or ctx is done.
func (c *Consumer) Run(ctx context.Context, in <-chan signaling.Message) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			c.Handle(ctx, msg)
		}
	}
}

// Handle filters and dispatches one message.
func (c *Consumer) Handle(ctx context.Context, msg signaling.Message) {
	log := c.logger.With(
		zap.String("type", string(msg.Type)),
		zap.String("call_id", msg.CallID.String()),
		zap.String("peer", string(msg.Sender)))

	if err := msg.Validate(); err != nil {
		log.Warn("dropping invalid message", zap.Error(err))
		return
	}
	if msg.Sender != c.local && !c.policy.IsApproved(msg.Sender) {
		log.Debug("dropping message from unapproved sender")
		return
	}

	if !c.policy.NotificationsEnabled() {
		if msg.Type == signaling.TypePreOffer {
			kind := calllog.KindMissed
			if c.policy.MarkFirstMissed() {
				kind = calllog.KindFirstMissed
			}
			log.Info("call notifications disabled, recording missed call")
			c.record(ctx, msg.Sender, kind, msg)
		}
		return
	}

	var err error
	switch msg.Type {
	case signaling.TypePreOffer:
		if c.expired(msg) {
			log.Info("pre-offer expired, recording missed call", zap.Time("sent_at", msg.SentAt()))
			c.record(ctx, msg.Sender, calllog.KindMissed, msg)
			return
		}
		err = c.machine.OnPreOffer(ctx, msg.CallID, msg.Sender)
	case signaling.TypeOffer:
		if c.isRenegotiation(msg) {
			err = c.machine.OnRenegotiationOffer(ctx, msg.CallID, msg.Sender, msg.SDP)
		} else {
			err = c.machine.OnIncomingOffer(ctx, msg.CallID, msg.Sender, msg.SDP)
		}
	case signaling.TypeAnswer:
		err = c.machine.OnAnswer(ctx, msg.CallID, msg.Sender, msg.SDP)
	case signaling.TypeProvisionalAnswer:
		err = c.machine.OnProvisionalAnswer(ctx, msg.CallID, msg.Sender)
	case signaling.TypeICECandidates:
		c.machine.OnRemoteCandidates(msg.CallID, msg.Sender, msg.Candidates())
	case signaling.TypeEndCall:
		err = c.machine.OnRemoteHangup(ctx, msg.CallID, msg.Sender)
	default:
		log.Debug("ignoring message")
	}
	if err != nil {
		log.Warn("call operation failed", zap.Error(err))
	}
}

func (c *Consumer) isRenegotiation(msg signaling.Message) bool {
	snap := c.machine.Snapshot()
	return snap.CallID == msg.CallID &&
		(snap.State == call.Connected || snap.State == call.Reconnecting)
}

func (c *Consumer) expired(msg signaling.Message) bool {
	if msg.SentTimestamp == 0 {
		return false
	}
	return c.now().Sub(msg.SentAt()) > c.expiry
}

func (c *Consumer) record(ctx context.Context, peer signaling.PeerID, kind calllog.Kind, msg signaling.Message) {
	if c.history == nil {
		return
	}
	at := c.now()
	if msg.SentTimestamp != 0 {
		at = msg.SentAt()
	}
	if err := c.history.InsertCallMessage(ctx, peer, kind, at); err != nil {
		c.logger.Warn("failed to record call", zap.String("kind", string(kind)), zap.Error(err))
	}
}
