package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "deskpilot", cfg.Server.Name)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10*time.Second, cfg.Browser.AttachTimeout)
	assert.Equal(t, 2048, cfg.Diag.FactBufferLimit)
	assert.Equal(t, DefaultSettings(), cfg.Settings)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DESKPILOT_HOLD_THRESHOLD", "45s")
	t.Setenv("DESKPILOT_AUTOFILL_QUEUE", "Sales")

	cfg, _, err := Load("", WorkspaceOptions{Disable: true})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Hold.Threshold)
	assert.Equal(t, "Sales", cfg.Autofill.Queue)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), WorkspaceOptions{Disable: true})
	assert.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		ok     bool
	}{
		{"defaults", func(*Settings) {}, true},
		{"first seen", func(s *Settings) { s.Hold.Mode = "first_seen" }, true},
		{"bad mode", func(s *Settings) { s.Hold.Mode = "auto" }, false},
		{"negative threshold", func(s *Settings) { s.Hold.Threshold = -time.Second }, false},
		{"negative snooze", func(s *Settings) { s.Hold.Snooze = -time.Second }, false},
		{"no duration attr", func(s *Settings) { s.Hold.DurationAttr = "" }, false},
		{"tiny interval", func(s *Settings) { s.Poll.Interval = time.Millisecond }, false},
		{"huge option delay", func(s *Settings) { s.Autofill.OptionDelay = time.Minute }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLiveSet(t *testing.T) {
	live := NewLive(DefaultSettings())

	s, err := live.Set("hold.threshold", "90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, s.Hold.Threshold)
	assert.Equal(t, 90*time.Second, live.Current().Hold.Threshold)
	assert.Equal(t, int64(1), live.Version())

	_, err = live.Set("hold.snooze", "5000")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, live.Current().Hold.Snooze, "bare numbers are milliseconds")

	_, err = live.Set("autofill.hide_queue", "false")
	require.NoError(t, err)
	assert.False(t, live.Current().Autofill.HideQueue)

	_, err = live.Set("autofill.queue", "  Sales ")
	require.NoError(t, err)
	v, err := live.Get("autofill.queue")
	require.NoError(t, err)
	assert.Equal(t, "Sales", v)
}

func TestLiveSetRejects(t *testing.T) {
	live := NewLive(DefaultSettings())

	_, err := live.Set("hold.volume", "11")
	assert.True(t, eris.Is(err, ErrUnknownKey))

	_, err = live.Set("hold.enabled", "maybe")
	assert.Error(t, err)

	_, err = live.Set("hold.mode", "auto")
	assert.Error(t, err)

	_, err = live.Get("nope")
	assert.True(t, eris.Is(err, ErrUnknownKey))

	assert.Equal(t, DefaultSettings(), live.Current(), "rejected writes leave settings untouched")
	assert.Zero(t, live.Version())
}

func TestLiveKeysCoverSnapshot(t *testing.T) {
	live := NewLive(DefaultSettings())
	snap := live.Snapshot()
	keys := Keys()
	assert.Len(t, snap, len(keys))
	assert.Contains(t, keys, "hold.threshold")
	assert.Contains(t, keys, "poll.autofill_interval")
	assert.Equal(t, "5m0s", snap["hold.threshold"])
	assert.Equal(t, "true", snap["autofill.enabled"])
}

func TestLiveConcurrentReaders(t *testing.T) {
	live := NewLive(DefaultSettings())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = live.Current().Hold.Threshold
			}
		}()
	}
	for j := 0; j < 50; j++ {
		_, err := live.Set("hold.threshold", "1m")
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int64(50), live.Version())
}

func TestReadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval: 250ms\n"), 0644))

	s, err := ReadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, s.Poll.Interval)
	assert.Equal(t, DefaultSettings().Hold, s.Hold)
}

// saveFile replaces path in one rename, the way editors save, so the
// watcher never reads a half-written file.
func saveFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatchReloadsUntilStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval: 1s\n"), 0644))
	live := NewLive(DefaultSettings())

	stop, err := Watch(context.Background(), []string{path}, live, zap.NewNop())
	require.NoError(t, err)

	saveFile(t, path, "poll:\n  interval: 250ms\n")
	require.Eventually(t, func() bool {
		return live.Current().Poll.Interval == 250*time.Millisecond
	}, 5*time.Second, 20*time.Millisecond)

	// Invalid edits leave the last good settings in force.
	saveFile(t, path, "hold:\n  mode: sometimes\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, live.Current().Poll.Interval)

	stop()
	ver := live.Version()
	saveFile(t, path, "poll:\n  interval: 400ms\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, ver, live.Version(), "no reload after stop")
	assert.Equal(t, 250*time.Millisecond, live.Current().Poll.Interval)
}

func TestWatchEndsWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval: 1s\n"), 0644))
	live := NewLive(DefaultSettings())

	ctx, cancel := context.WithCancel(context.Background())
	stop, err := Watch(ctx, []string{path}, live, zap.NewNop())
	require.NoError(t, err)
	cancel()

	finished := make(chan struct{})
	go func() {
		stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after the context ended")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	_, err := Watch(context.Background(), []string{filepath.Join(t.TempDir(), "gone", "c.yaml")}, NewLive(DefaultSettings()), nil)
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	orig := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(orig) })

	file := filepath.Join(t.TempDir(), "deskpilot.log")
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "json", File: file}))
	zap.L().Info("hello")
	_ = zap.L().Sync()

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hello")

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}
