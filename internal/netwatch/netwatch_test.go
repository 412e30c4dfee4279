package netwatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingTarget struct {
	mu      sync.Mutex
	changes []bool
}

func (r *recordingTarget) SetNetworkAvailable(_ context.Context, up bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, up)
	return nil
}

func (r *recordingTarget) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.changes...)
}

func TestCheckReportsTransitionsOnly(t *testing.T) {
	results := []error{nil, errors.New("down"), errors.New("down"), nil, nil}
	i := 0
	probe := func(context.Context) error {
		err := results[i]
		i++
		return err
	}
	target := &recordingTarget{}
	w := New(probe, target, Options{Logger: zaptest.NewLogger(t)})

	var ups []bool
	for range results {
		ups = append(ups, w.Check(context.Background()))
	}
	assert.Equal(t, []bool{true, false, false, true, true}, ups)
	assert.Equal(t, []bool{false, true}, target.all())
}

func TestRunStopsOnCancel(t *testing.T) {
	target := &recordingTarget{}
	w := New(func(context.Context) error { return errors.New("down") }, target,
		Options{Interval: 10 * time.Millisecond, Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(target.all()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// serveSTUN answers binding requests with the sender's address.
func serveSTUN(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udp := addr.(*net.UDPAddr)
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			pc.WriteTo(res.Raw, addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestSTUNProbe(t *testing.T) {
	addr := serveSTUN(t)
	probe := STUNProbe([]string{"stun:" + addr}, 2*time.Second, zaptest.NewLogger(t))
	assert.NoError(t, probe(context.Background()))
}

func TestSTUNProbeFallsThrough(t *testing.T) {
	addr := serveSTUN(t)

	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	probe := STUNProbe([]string{deadAddr, addr}, 300*time.Millisecond, zaptest.NewLogger(t))
	assert.NoError(t, probe(context.Background()))
}

func TestSTUNProbeNoServers(t *testing.T) {
	probe := STUNProbe(nil, time.Second, zaptest.NewLogger(t))
	assert.ErrorIs(t, probe(context.Background()), ErrNoServers)
}
