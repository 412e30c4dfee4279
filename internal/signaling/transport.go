package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// MethodSignal is the JSON-RPC method carrying call-control messages in
// both directions.
const MethodSignal = "call.signal"

// Sender delivers a message to a peer. Delivery is fire-and-forget.
type Sender interface {
	Send(ctx context.Context, to PeerID, msg Message) error
}

// Envelope is the JSON-RPC params payload. Outbound envelopes carry To,
// inbound ones From.
type Envelope struct {
	To      PeerID  `json:"to,omitempty"`
	From    PeerID  `json:"from,omitempty"`
	Message Message `json:"message"`
}

var ErrTransportClosed = errors.New("signaling transport closed")

// Transport carries messages over a websocket to the relay as JSON-RPC
// notifications. It redials with backoff when the connection drops.
type Transport struct {
	addr   string
	dialer *websocket.Dialer
	logger *zap.Logger

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	inbound chan Message
	done    chan struct{}
	once    sync.Once
}

// NewTransport returns a transport for the relay at addr (host:port).
func NewTransport(addr string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.L()
	}
	return &Transport{
		addr:    addr,
		dialer:  websocket.DefaultDialer,
		logger:  logger.Named("signaling"),
		inbound: make(chan Message, 64),
		done:    make(chan struct{}),
	}
}

// Connect dials the relay and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.dial(ctx); err != nil {
		return err
	}
	go t.readLoop(ctx)
	return nil
}

func (t *Transport) dial(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: t.addr, Path: "/ws"}
	t.logger.Info("connecting to relay", zap.String("url", u.String()))

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	t.connMu.Lock()
	old := t.conn
	t.conn = conn
	t.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (t *Transport) redial(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		select {
		case <-t.done:
			return backoff.Permanent(ErrTransportClosed)
		default:
		}
		return t.dial(ctx)
	}
	notify := func(err error, d time.Duration) {
		t.logger.Warn("relay redial failed", zap.Error(err), zap.Duration("retry_in", d))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Inbound returns the channel of decoded messages. The Sender field is
// filled from the envelope. It is closed when the transport stops.
func (t *Transport) Inbound() <-chan Message {
	return t.inbound
}

// Send implements Sender.
func (t *Transport) Send(ctx context.Context, to PeerID, msg Message) error {
	params, err := json.Marshal(Envelope{To: to, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	req := &jsonrpc2.Request{
		Method: MethodSignal,
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
		Notif:  true,
	}

	// writeMu before connMu, same as Close; gorilla allows one writer.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return ErrTransportClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.inbound)
	for {
		t.connMu.RLock()
		conn := t.conn
		t.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			t.logger.Warn("relay read failed", zap.Error(err))
			if err := t.redial(ctx); err != nil {
				t.logger.Error("giving up on relay", zap.Error(err))
				return
			}
			continue
		}

		msg, err := DecodeRequest(data)
		if err != nil {
			t.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		select {
		case t.inbound <- msg:
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// DecodeRequest parses one JSON-RPC frame from the relay.
func DecodeRequest(data []byte) (Message, error) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if req.Method != MethodSignal {
		return Message{}, fmt.Errorf("unexpected method %q", req.Method)
	}
	if req.Params == nil {
		return Message{}, errors.New("missing params")
	}
	var env Envelope
	if err := json.Unmarshal(*req.Params, &env); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	msg := env.Message
	if env.From != "" {
		msg.Sender = env.From
	}
	return msg, nil
}

// Close shuts the connection down and stops the read loop.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		t.connMu.Lock()
		conn := t.conn
		t.conn = nil
		t.connMu.Unlock()
		if conn != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = conn.Close()
		}
	})
	return err
}
