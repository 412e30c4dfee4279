package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s.Current())
	assert.True(t, s.NotificationsEnabled())
	assert.False(t, s.IsApproved("+1555"))
}

func TestOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	doc := "\xef\xbb\xbf" + `{"call_notifications_enabled": false, "approved_contacts": ["+1555"]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, s.NotificationsEnabled())
	assert.True(t, s.IsApproved("+1555"))
	assert.False(t, s.IsApproved("+1666"))
}

func TestOpenInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	_, err := Open(path, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestUpdatesPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Approve("+1555"))
	require.NoError(t, s.Approve("+1555"))
	require.NoError(t, s.SetNotificationsEnabled(false))

	reopened, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []signaling.PeerID{"+1555"}, reopened.Current().ApprovedContacts)
	assert.False(t, reopened.NotificationsEnabled())
}

func TestMarkFirstMissed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, s.MarkFirstMissed())
	assert.False(t, s.MarkFirstMissed())

	reopened, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, reopened.MarkFirstMissed())
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, s.NotificationsEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"call_notifications_enabled": false}`), 0o644))

	assert.Eventually(t, func() bool { return !s.NotificationsEnabled() }, 2*time.Second, 10*time.Millisecond)
}
