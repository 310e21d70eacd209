package config_test

import (
	"context"
	"testing"
	"time"

	"ollm/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcher_ReloadsOnConfigWrite(t *testing.T) {
	defer goleak.VerifyNone(t)
	clearEnvOverrides(t)
	base := t.TempDir()
	require.NoError(t, config.Save(base, config.Default()))

	reloaded := make(chan config.Config, 1)
	w, err := config.NewWatcher(base, func(cfg config.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	updated := config.Default()
	updated.ContextWindow.MaxTokens = 12345
	require.NoError(t, config.Save(base, updated))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 12345, cfg.ContextWindow.MaxTokens)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the reloaded config")
	}
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	defer goleak.VerifyNone(t)
	clearEnvOverrides(t)
	base := t.TempDir()

	reloaded := make(chan config.Config, 1)
	w, err := config.NewWatcher(base, func(cfg config.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	bad := config.Default()
	bad.ContextWindow.MaxTokens = -1
	require.NoError(t, config.Save(base, bad))

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was delivered: max_tokens=%d", cfg.ContextWindow.MaxTokens)
	case <-time.After(1 * time.Second):
		// Rejected, as expected.
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	base := t.TempDir()

	w, err := config.NewWatcher(base, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}
