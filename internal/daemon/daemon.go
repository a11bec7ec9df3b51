// Package daemon assembles the long-running services: store, broker,
// worker pipeline, Sonarr sync, cleanup, and the HTTP API. It enforces
// single-instance execution through a lock file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"cliparr/internal/api"
	"cliparr/internal/broker"
	"cliparr/internal/cleanup"
	"cliparr/internal/config"
	"cliparr/internal/logging"
	"cliparr/internal/pipeline"
	"cliparr/internal/progress"
	"cliparr/internal/queue"
	"cliparr/internal/sonarr"
)

// Daemon owns every background service and the API listener.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *queue.Store
	broker  *broker.Broker
	events  *progress.Broadcaster
	manager *pipeline.Manager
	cleaner *cleanup.Service
	syncer  *sonarr.Syncer

	handler  http.Handler
	server   *http.Server
	listener net.Listener

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New constructs a daemon with initialized dependencies. The caller still
// has to Start it.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	brk, err := broker.New(cfg, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	events := progress.NewBroadcaster(0)

	manager, err := pipeline.New(cfg, store, brk, events, logger)
	if err != nil {
		store.Close()
		_ = brk.Close()
		return nil, err
	}
	cleaner := cleanup.New(cfg, store, brk, manager.Registry(), events, logger)

	client := sonarr.NewClient(cfg.Sonarr.URL, cfg.Sonarr.APIKey)
	syncer := sonarr.NewSyncer(cfg, client, store, manager, logger)

	apiServer := api.New(cfg, store, manager, brk, cleaner, events, logger)
	lockPath := filepath.Join(cfg.Paths.DataDir, "cliparrd.lock")

	return &Daemon{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "daemon"),
		store:   store,
		broker:  brk,
		events:  events,
		manager: manager,
		cleaner: cleaner,
		syncer:   syncer,
		handler:  apiServer.Handler(),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, binds the API listener, and launches
// the pipeline, the Sonarr sync loop, and the HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another cliparr daemon instance is already running")
	}

	listener, err := net.Listen("tcp", d.cfg.Paths.APIBind)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("api listen: %w", err)
	}
	d.listener = listener
	// A fresh server per start; Shutdown retires the previous one for good.
	d.server = &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server := d.server

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.manager.Start(runCtx)

	group, groupCtx := errgroup.WithContext(runCtx)
	d.group = group
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		d.syncer.Run(groupCtx)
		return nil
	})

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("api", listener.Addr().String()),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// APIAddr reports the bound API address, empty before Start.
func (d *Daemon) APIAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Wait blocks until the background services exit.
func (d *Daemon) Wait() error {
	if d.group == nil {
		return nil
	}
	return d.group.Wait()
}

// Stop shuts the services down in dependency order: no new HTTP work, no
// new pickups, drain the pipeline, then release the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.server.Shutdown(shutdownCtx)

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.manager.Stop()
	if d.group != nil {
		if err := d.group.Wait(); err != nil {
			d.logger.Warn("background service exited with error", logging.Error(err))
		}
		d.group = nil
	}
	d.events.Close()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases the store and broker connections.
func (d *Daemon) Close() error {
	d.Stop()
	err := d.broker.Close()
	if storeErr := d.store.Close(); storeErr != nil && err == nil {
		err = storeErr
	}
	return err
}
