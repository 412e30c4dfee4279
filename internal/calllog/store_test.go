package calllog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/callsignal/internal/config"
	"github.com/mikeyg42/callsignal/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.InsertCallMessage(ctx, "alice", KindOutgoing, base))
	require.NoError(t, s.InsertCallMessage(ctx, "bob", KindMissed, base.Add(time.Minute)))
	require.NoError(t, s.InsertCallMessage(ctx, "alice", KindIncoming, base.Add(2*time.Minute)))

	all, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, KindIncoming, all[0].Kind)
	assert.Equal(t, "bob", all[1].Peer)
	assert.Equal(t, base, all[2].OccurredAt())

	alice, err := s.ListForPeer(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, KindOutgoing, alice[1].Kind)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.CallLogConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestOpenSQLiteFromConfig(t *testing.T) {
	s, err := Open(config.CallLogConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.InsertCallMessage(context.Background(), "carol", KindFirstMissed, time.Now()))
}

func TestOpenPostgresSealedPasswordNeedsKey(t *testing.T) {
	t.Setenv(crypto.MasterKeyEnv, "")
	_, err := OpenPostgres(config.PostgresConfig{
		Host:     "localhost",
		Database: "calls",
		Password: crypto.SealedPrefix + "c2VhbGVk",
	})
	assert.ErrorIs(t, err, crypto.ErrNoMasterKey)
}
