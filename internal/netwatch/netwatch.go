// Package netwatch notices the host losing and regaining connectivity by
// probing STUN servers, and tells the call machine.
package netwatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

// Probe reports whether the network is usable.
type Probe func(ctx context.Context) error

// Target receives availability changes. call.Machine implements it.
type Target interface {
	SetNetworkAvailable(ctx context.Context, up bool) error
}

var ErrNoServers = errors.New("no STUN servers configured")

// STUNProbe sends a binding request to each server in turn and succeeds on
// the first mapped address. Servers may carry a "stun:" scheme.
func STUNProbe(servers []string, timeout time.Duration, logger *zap.Logger) Probe {
	if logger == nil {
		logger = zap.L()
	}
	return func(ctx context.Context) error {
		if len(servers) == 0 {
			return ErrNoServers
		}
		var lastErr error
		for _, server := range servers {
			addr := strings.TrimPrefix(server, "stun:")
			mapped, err := bind(ctx, addr, timeout)
			if err != nil {
				logger.Debug("STUN probe failed", zap.String("server", addr), zap.Error(err))
				lastErr = err
				continue
			}
			logger.Debug("STUN server responded", zap.String("server", addr), zap.String("mapped", mapped))
			return nil
		}
		return lastErr
	}
}

func bind(ctx context.Context, addr string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("stun client: %w", err)
	}
	defer c.Close()

	type result struct {
		mapped string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var res result
		err := c.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err != nil {
				res.err = fmt.Errorf("no mapped address: %w", err)
				return
			}
			res.mapped = xorAddr.String()
		})
		if err != nil {
			res.err = err
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.mapped, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type Options struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Watcher polls a Probe and reports transitions to its Target.
type Watcher struct {
	probe    Probe
	target   Target
	interval time.Duration
	logger   *zap.Logger
	up       bool
}

func New(probe Probe, target Target, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Watcher{
		probe:    probe,
		target:   target,
		interval: opts.Interval,
		logger:   opts.Logger.Named("netwatch"),
		up:       true,
	}
}

// Run probes every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check runs one probe and reports whether the network is up. The target
// hears only about changes.
func (w *Watcher) Check(ctx context.Context) bool {
	err := w.probe(ctx)
	up := err == nil
	if up == w.up {
		return up
	}
	w.up = up
	if up {
		w.logger.Info("network reestablished")
	} else {
		w.logger.Warn("network unreachable", zap.Error(err))
	}
	if err := w.target.SetNetworkAvailable(ctx, up); err != nil {
		w.logger.Warn("failed to act on network change", zap.Bool("up", up), zap.Error(err))
	}
	return up
}
