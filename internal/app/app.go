// Package app wires the coordination engines into one object built at
// startup. Nothing in the service is reached through globals.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/archive"
	"github.com/mistakeknot/intermail/internal/buildslot"
	"github.com/mistakeknot/intermail/internal/config"
	"github.com/mistakeknot/intermail/internal/mailer"
	"github.com/mistakeknot/intermail/internal/metrics"
	"github.com/mistakeknot/intermail/internal/repocache"
	"github.com/mistakeknot/intermail/internal/reservation"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

type App struct {
	Config       config.Config
	Log          zerolog.Logger
	Metrics      *metrics.Metrics
	Store        *sqlite.Store
	Cache        *repocache.Cache
	Reservations *reservation.Engine
	Slots        *buildslot.Engine
	Mailer       *mailer.Archiver

	sweeper *sqlite.Sweeper
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the store and builds every engine. Background work starts with
// Start.
func New(cfg config.Config, logger zerolog.Logger) (*App, error) {
	layout, err := mailer.ParseRepoLayout(cfg.Archive.Layout)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	breaker := sqlite.NewCircuitBreaker(5, 30*time.Second)
	breaker.OnStateChange(m.BreakerChanged)
	store, err := sqlite.Open(sqlite.Options{
		Path:    cfg.Storage.DBPath,
		Breaker: breaker,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	author := archive.Identity{Name: cfg.Archive.AuthorName, Email: cfg.Archive.AuthorEmail}
	cache, err := repocache.New(cfg.Cache.Capacity, func(path string, lock *sync.Mutex) (*archive.Repo, error) {
		return archive.Open(path, archive.Options{Author: author, Logger: logger, Lock: lock})
	}, m, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		Config:       cfg,
		Log:          logger,
		Metrics:      m,
		Store:        store,
		Cache:        cache,
		Reservations: reservation.New(store, m, logger),
		Slots:        buildslot.New(store, m, logger),
		Mailer: mailer.New(store, cache, mailer.Options{
			Root:   cfg.Storage.Root,
			Layout: layout,
			Logger: logger,
			Obs:    m,
		}),
		sweeper: sqlite.NewSweeper(store, m, cfg.Sweeper.Interval, logger),
	}, nil
}

// Start runs the expiry sweeper and, when a grace period is configured, the
// archive reconciler.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.sweeper.Start(ctx)

	grace := a.Config.Sweeper.ReconcileGrace
	if grace <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.Config.Sweeper.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.Mailer.Reconcile(ctx, grace); err != nil && ctx.Err() == nil {
					a.Log.Warn().Err(err).Msg("archive reconcile incomplete")
				}
			}
		}
	}()
}

// Close stops background work, closes cached repositories and the store.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.sweeper.Stop()
	a.wg.Wait()
	a.Cache.Clear()
	return a.Store.Close()
}
