package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SweepObserver is told how many rows each sweep released.
type SweepObserver interface {
	Swept(kind string, n int64)
}

// ReapExpired marks every expired, unreleased build slot as released at its
// expiry time. File reservations are left alone: only an explicit release ends
// one, and an expired reservation can still be renewed. Active-row queries
// already ignore expired rows of both kinds.
func (s *Store) ReapExpired(ctx context.Context) (slots int64, err error) {
	now := FormatTime(s.Now())
	err = s.Write(ctx, "reap expired", func(q Querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE build_slots SET released_at = expires_at
			 WHERE released_at IS NULL AND expires_at <= ?`, now)
		if err != nil {
			return fmt.Errorf("reap slots: %w", err)
		}
		slots, err = res.RowsAffected()
		return err
	})
	return slots, err
}

// Sweeper periodically reaps expired build slots.
type Sweeper struct {
	store    *Store
	obs      SweepObserver
	log      zerolog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a Sweeper. obs may be nil. Call Start to begin.
func NewSweeper(store *Store, obs SweepObserver, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		obs:      obs,
		log:      logger.With().Str("component", "sweeper").Logger(),
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
		<-sw.done
	}
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	slots, err := sw.store.ReapExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sw.log.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	if slots == 0 {
		return
	}
	sw.log.Info().Int64("slots", slots).Msg("reaped expired build slots")
	if sw.obs != nil {
		sw.obs.Swept("build_slot", slots)
	}
}
