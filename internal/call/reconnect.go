package call

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

var (
	errStillReconnecting  = errors.New("still reconnecting")
	errNetworkDown        = errors.New("network unavailable")
	errReconnectExhausted = errors.New("reconnect attempts exhausted")
	errCallGone           = errors.New("call ended")
)

type reconnectStatus int

const (
	reconnectPending reconnectStatus = iota
	reconnectDone
	reconnectGone
)

// startReconnectLocked starts the supervisor for a dropped connection. The
// side that placed the call drives ICE restarts; the other side waits for
// them.
func (m *Machine) startReconnectLocked() {
	if m.stopReconnect != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopReconnect = cancel
	callID := m.callID
	m.logger.Info("connection lost, reconnecting", m.fields(zap.Bool("initiator", m.outgoing))...)
	if m.outgoing {
		go m.superviseReconnect(ctx, callID)
	} else {
		go m.awaitReconnect(ctx, callID)
	}
}

func (m *Machine) reconnectState(callID uuid.UUID) (reconnectStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.callID != callID || in(m.state, Idle, Disconnecting):
		return reconnectGone, m.networkUp
	case m.state != Reconnecting:
		return reconnectDone, m.networkUp
	default:
		return reconnectPending, m.networkUp
	}
}

// superviseReconnect sends an ICE-restart offer every ReconnectInterval
// until the call is back up or MaxReconnects attempts have been made.
// Attempts while the network is down, or whose offer could not be sent,
// still count.
func (m *Machine) superviseReconnect(ctx context.Context, callID uuid.UUID) {
	attempts := 0
	op := func() error {
		status, networkUp := m.reconnectState(callID)
		switch status {
		case reconnectDone:
			return nil
		case reconnectGone:
			return backoff.Permanent(errCallGone)
		}
		if attempts >= m.opts.MaxReconnects {
			return backoff.Permanent(errReconnectExhausted)
		}
		attempts++
		if !networkUp {
			return errNetworkDown
		}
		if err := m.OnNetworkReestablished(ctx); err != nil {
			return err
		}
		return errStillReconnecting
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug("reconnect attempt",
			zap.String("call_id", callID.String()), zap.Int("attempt", attempts), zap.Error(err), zap.Duration("next", wait))
	}

	select {
	case <-time.After(m.opts.ReconnectInterval):
	case <-ctx.Done():
		return
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(m.opts.ReconnectInterval), ctx)
	err := backoff.RetryNotify(op, b, notify)
	if errors.Is(err, errReconnectExhausted) {
		m.giveUpReconnect(callID, attempts)
	}
}

// awaitReconnect gives the caller SetupTimeout to send a restart offer.
func (m *Machine) awaitReconnect(ctx context.Context, callID uuid.UUID) {
	t := time.NewTimer(m.opts.SetupTimeout)
	defer t.Stop()
	select {
	case <-t.C:
		m.giveUpReconnect(callID, 0)
	case <-ctx.Done():
	}
}

func (m *Machine) giveUpReconnect(callID uuid.UUID, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.run(ctx, func(fx *effects) error {
		if m.callID != callID || m.state != Reconnecting {
			return nil
		}
		m.logger.Warn("giving up on reconnect", m.fields(zap.Int("attempts", attempts))...)
		peer := m.peer
		if m.teardownLocked(EventTimeOut, fx) {
			fx.send(peer, signaling.NewEndCall(callID))
		}
		return nil
	})
}
