package sweeper

import (
	"context"
	"sync"
	"time"
)

// Runner drives a Sweeper on two independent tickers.
type Runner struct {
	sweeper         *Sweeper
	offlineInterval time.Duration
	pruneInterval   time.Duration

	wg sync.WaitGroup
}

func NewRunner(s *Sweeper, offlineInterval, pruneInterval time.Duration) *Runner {
	return &Runner{
		sweeper:         s,
		offlineInterval: offlineInterval,
		pruneInterval:   pruneInterval,
	}
}

// Start launches the loops; they exit when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.sweeper.log.Info().
		Dur("offline_interval", r.offlineInterval).
		Dur("prune_interval", r.pruneInterval).
		Msg("starting sweeper")

	r.wg.Add(2)
	go r.loop(ctx, r.offlineInterval, func(ctx context.Context) error {
		_, err := r.sweeper.SweepOffline(ctx)
		return err
	})
	go r.loop(ctx, r.pruneInterval, func(ctx context.Context) error {
		_, err := r.sweeper.SweepHistory(ctx)
		return err
	})
}

// Wait blocks until both loops have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, job func(context.Context) error) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job(ctx); err != nil && ctx.Err() == nil {
				r.sweeper.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
