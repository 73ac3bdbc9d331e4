package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewReloader_Validation(t *testing.T) {
	cfg := DefaultConfig()

	_, err := NewReloader(nil, cfg, zap.NewNop())
	assert.Error(t, err)

	// A loader without a path has nothing to watch.
	_, err = NewReloader(NewLoader(), cfg, zap.NewNop())
	assert.Error(t, err)

	loader := NewLoader().WithConfigPath("/etc/soma/soma.yaml")
	_, err = NewReloader(loader, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestReloader_ReloadOnWrite(t *testing.T) {
	f := filepath.Join(t.TempDir(), "soma.yaml")
	require.NoError(t, os.WriteFile(f, []byte("broker:\n  broker_id: alpha\n"), 0644))

	loader := NewLoader().WithConfigPath(f)
	initial, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, "alpha", initial.Broker.BrokerID)

	r, err := NewReloader(loader, initial, zap.NewNop(),
		WithPollInterval(10*time.Millisecond),
		WithDebounce(20*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var oldSeen, newSeen string
	r.OnChange(func(old, new *Config) {
		mu.Lock()
		oldSeen = old.Broker.BrokerID
		newSeen = new.Broker.BrokerID
		mu.Unlock()
	})

	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	require.NoError(t, os.WriteFile(f, []byte("broker:\n  broker_id: beta\n"), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(f, future, future))

	require.Eventually(t, func() bool {
		return r.Current().Broker.BrokerID == "beta"
	}, 3*time.Second, 10*time.Millisecond, "reload should pick up the edit")

	assert.NoError(t, r.LastError())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alpha", oldSeen)
	assert.Equal(t, "beta", newSeen)
}

func TestReloader_RejectsBrokenEdit(t *testing.T) {
	f := filepath.Join(t.TempDir(), "soma.yaml")
	require.NoError(t, os.WriteFile(f, []byte("broker:\n  broker_id: alpha\n"), 0644))

	loader := NewLoader().WithConfigPath(f)
	initial, err := loader.Load()
	require.NoError(t, err)

	r, err := NewReloader(loader, initial, zap.NewNop(),
		WithPollInterval(10*time.Millisecond),
		WithDebounce(20*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	fired := 0
	r.OnChange(func(old, new *Config) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	require.NoError(t, os.WriteFile(f, []byte("broker: [unclosed\n"), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(f, future, future))

	require.Eventually(t, func() bool {
		return r.LastError() != nil
	}, 3*time.Second, 10*time.Millisecond, "broken edit should be rejected")

	// The running config is untouched and no subscriber fired.
	assert.Equal(t, "alpha", r.Current().Broker.BrokerID)
	mu.Lock()
	assert.Equal(t, 0, fired)
	mu.Unlock()

	// A follow-up valid edit recovers.
	require.NoError(t, os.WriteFile(f, []byte("broker:\n  broker_id: gamma\n"), 0644))
	future = time.Now().Add(4 * time.Second)
	require.NoError(t, os.Chtimes(f, future, future))

	require.Eventually(t, func() bool {
		return r.Current().Broker.BrokerID == "gamma"
	}, 3*time.Second, 10*time.Millisecond, "valid edit after a broken one should apply")
	assert.NoError(t, r.LastError())
}

func TestChangedSections(t *testing.T) {
	old := DefaultConfig()

	same := DefaultConfig()
	assert.Empty(t, ChangedSections(old, same))

	edited := DefaultConfig()
	edited.Server.Addr = ":1"
	edited.Log.Level = "debug"
	assert.Equal(t, []string{"server", "log"}, ChangedSections(old, edited))

	assert.Nil(t, ChangedSections(nil, edited))
	assert.Nil(t, ChangedSections(old, nil))
}
