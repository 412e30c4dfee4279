// Package settings holds the user's call preferences in a JSON file and
// reloads them when the file changes on disk.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsignal/internal/signaling"
)

// Settings is the on-disk document.
type Settings struct {
	CallNotificationsEnabled bool               `json:"call_notifications_enabled"`
	ApprovedContacts         []signaling.PeerID `json:"approved_contacts"`
	// FirstMissedCallSeen is set after the first call missed because
	// notifications were off.
	FirstMissedCallSeen bool `json:"first_missed_call_seen"`
}

func Defaults() Settings {
	return Settings{CallNotificationsEnabled: true}
}

// Store is a concurrency-safe view of the settings file.
type Store struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	cur      Settings
	approved map[signaling.PeerID]struct{}
}

// Open loads path. A missing file yields Defaults and is created on the
// first change.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.L()
	}
	s := &Store{path: path, logger: logger.Named("settings")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rereads the file.
func (s *Store) Reload() error {
	next := Defaults()
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("failed to read settings: %w", err)
	default:
		data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &next); err != nil {
				return fmt.Errorf("failed to parse settings %s: %w", s.path, err)
			}
		}
	}

	s.mu.Lock()
	s.set(next)
	s.mu.Unlock()
	return nil
}

func (s *Store) set(next Settings) {
	s.cur = next
	s.approved = make(map[signaling.PeerID]struct{}, len(next.ApprovedContacts))
	for _, p := range next.ApprovedContacts {
		s.approved[p] = struct{}{}
	}
}

// Current returns a copy of the settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.cur
	cur.ApprovedContacts = append([]signaling.PeerID(nil), s.cur.ApprovedContacts...)
	return cur
}

func (s *Store) NotificationsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.CallNotificationsEnabled
}

func (s *Store) IsApproved(peer signaling.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.approved[peer]
	return ok
}

// MarkFirstMissed reports whether this is the first missed call recorded
// with notifications off, and persists that it has happened.
func (s *Store) MarkFirstMissed() bool {
	first := false
	err := s.update(func(st *Settings) {
		first = !st.FirstMissedCallSeen
		st.FirstMissedCallSeen = true
	})
	if err != nil {
		s.logger.Warn("failed to persist first missed call", zap.Error(err))
	}
	return first
}

func (s *Store) SetNotificationsEnabled(enabled bool) error {
	return s.update(func(st *Settings) { st.CallNotificationsEnabled = enabled })
}

// Approve adds peer to the approved contacts.
func (s *Store) Approve(peer signaling.PeerID) error {
	return s.update(func(st *Settings) {
		for _, p := range st.ApprovedContacts {
			if p == peer {
				return
			}
		}
		st.ApprovedContacts = append(st.ApprovedContacts, peer)
	})
}

func (s *Store) update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	next.ApprovedContacts = append([]signaling.PeerID(nil), s.cur.ApprovedContacts...)
	fn(&next)
	s.set(next)
	return s.save(next)
}

// save writes through a temp file so watchers never see a partial file.
func (s *Store) save(st Settings) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

// Watch reloads the settings whenever the file is written, created or
// renamed into place, until ctx is done. The directory is watched rather
// than the file so editors that replace the file are handled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}
	s.logger.Info("watching settings", zap.String("path", s.path))

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("settings reload failed", zap.Error(err))
				continue
			}
			s.logger.Info("settings reloaded",
				zap.Bool("call_notifications_enabled", s.NotificationsEnabled()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}
