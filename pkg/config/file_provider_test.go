package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatcherPushesValidRevisions(t *testing.T) {
	path := writeConfig(t, "policy:\n  pna_mode: enforce\n")
	w, err := NewFileWatcher(path, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	assert.Equal(t, "enforce", w.Current().Policy.PNAMode)
	updates := w.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  pna_mode: warn\n"), 0o600))
	select {
	case cfg := <-updates:
		assert.Equal(t, "warn", cfg.Policy.PNAMode)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
	assert.Equal(t, "warn", w.Current().Policy.PNAMode)
}

func TestFileWatcherKeepsConfigOnInvalidRevision(t *testing.T) {
	path := writeConfig(t, "policy:\n  pna_mode: enforce\n")
	w, err := NewFileWatcher(path, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	updates := w.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  orb_mode: warn\n"), 0o600))
	select {
	case cfg := <-updates:
		t.Fatalf("invalid revision pushed: %+v", cfg.Policy)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, "enforce", w.Current().Policy.PNAMode)
}

func TestFileWatcherRejectsInvalidInitialConfig(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: redis\n")
	_, err := NewFileWatcher(path, nil, nil)
	assert.Error(t, err)
}

func TestFileWatcherCloseClosesSubscribers(t *testing.T) {
	w, err := NewFileWatcher(writeConfig(t, "logging:\n  level: info\n"), nil, nil)
	require.NoError(t, err)
	updates := w.Subscribe()
	require.NoError(t, w.Close())
	_, ok := <-updates
	assert.False(t, ok)
}
