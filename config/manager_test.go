package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerInitialUpdate(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	mgr, err := NewManager(path, 10*time.Millisecond, nil)
	require.NoError(t, err)

	ch := mgr.OnChange()

	select {
	case update := <-ch:
		assert.Equal(t, mgr.GetConfig().VersionTs(), update.VersionTs)
		require.NotNil(t, update.Config)
	case <-time.After(time.Second):
		t.Fatal("no initial update received")
	}
}

func TestManagerDetectsFileChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	mgr, err := NewManager(path, 10*time.Millisecond, nil)
	require.NoError(t, err)

	initialVersion := mgr.GetConfig().VersionTs()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	ch := mgr.OnChange()
	<-ch // drain initial update

	// Rewrite the file with a changed subject and a future mtime.
	changed := sampleConfig + "\n# touch\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case update := <-ch:
		assert.Greater(t, update.VersionTs, initialVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload notification received")
	}
}

func TestManagerKeepsSnapshotOnBadReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	mgr, err := NewManager(path, 10*time.Millisecond, nil)
	require.NoError(t, err)

	goodVersion := mgr.GetConfig().VersionTs()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	require.NoError(t, os.WriteFile(path, []byte("nats: {}\n"), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, goodVersion, mgr.GetConfig().VersionTs())
	assert.Equal(t, "nats://localhost:4222", mgr.GetConfig().Get().NATS.URL)
}

func TestManagerStopClosesSubscribers(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	mgr, err := NewManager(path, 10*time.Millisecond, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Start(context.Background()))

	ch := mgr.OnChange()
	<-ch // initial

	mgr.Stop()
	mgr.Stop() // idempotent

	_, open := <-ch
	assert.False(t, open)
}

func TestNewManagerBadFile(t *testing.T) {
	_, err := NewManager("/nonexistent/dpe.yaml", time.Second, nil)
	assert.Error(t, err)
}
