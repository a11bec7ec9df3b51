package daemon_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"cliparr/internal/config"
	"cliparr/internal/daemon"
	"cliparr/internal/testsupport"
)

func newDaemonConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t,
		testsupport.WithRedisAddr(mr.Addr()),
		testsupport.WithStubbedBinaries(),
	)
	cfg.Sonarr.ImportMode = config.ImportModeNone
	cfg.Workers.CPULimit = 1
	cfg.Workers.GPULimit = 1
	cfg.Workers.QueuePollSeconds = 1
	cfg.Workers.ShutdownGraceSeconds = 2
	return cfg
}

func TestDaemonServesAPIAndShutsDown(t *testing.T) {
	cfg := newDaemonConfig(t)

	d, err := daemon.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	require.NotEmpty(t, d.APIAddr())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + d.APIAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d.Stop()

	// The listener is gone after shutdown.
	_, err = client.Get("http://" + d.APIAddr() + "/healthz")
	require.Error(t, err)
}

func TestDaemonRejectsSecondInstance(t *testing.T) {
	cfg := newDaemonConfig(t)

	first, err := daemon.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, first.Start(ctx))

	second, err := daemon.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	err = second.Start(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")
}

func TestDaemonStartAfterStop(t *testing.T) {
	cfg := newDaemonConfig(t)

	d, err := daemon.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	d.Stop()
	require.NoError(t, d.Start(ctx))
	d.Stop()
}
