// Package sweeper runs the periodic maintenance sweeps. Each sweep holds a Redis lock for its run so
// only one instance executes it per tick.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/lock"
	"github.com/fjod/go_cart/commerce-service/internal/service"
)

type CartSweeper interface {
	SweepAbandoned(ctx context.Context, threshold time.Duration, batch int) (service.SweepResult, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type OrderSweeper interface {
	SweepStaleOrders(ctx context.Context, recheckAfter, pendingTTL time.Duration, batch int) (service.StaleSweepResult, error)
}

type Config struct {
	Interval       time.Duration
	AbandonedAfter time.Duration
	BatchSize      int
	RecheckAfter   time.Duration
	PendingTTL     time.Duration
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

type Sweeper struct {
	locker   *lock.RedisLocker
	log      *slog.Logger
	interval time.Duration
	jobs     []job
}

func New(locker *lock.RedisLocker, carts CartSweeper, orders OrderSweeper, log *slog.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	s := &Sweeper{locker: locker, log: log, interval: cfg.Interval}

	s.jobs = []job{
		{name: "abandoned-carts", run: func(ctx context.Context) error {
			res, err := carts.SweepAbandoned(ctx, cfg.AbandonedAfter, cfg.BatchSize)
			if err != nil {
				return err
			}
			log.InfoContext(ctx, "abandoned cart sweep finished",
				"found", res.Found, "notified", res.Notified, "skipped", res.Skipped, "failed", res.Failed)
			return nil
		}},
		{name: "expired-carts", run: func(ctx context.Context) error {
			n, err := carts.DeleteExpired(ctx)
			if err != nil {
				return err
			}
			log.InfoContext(ctx, "expired cart sweep finished", "deleted", n)
			return nil
		}},
		{name: "stale-orders", run: func(ctx context.Context) error {
			res, err := orders.SweepStaleOrders(ctx, cfg.RecheckAfter, cfg.PendingTTL, cfg.BatchSize)
			if err != nil {
				return err
			}
			log.InfoContext(ctx, "stale order sweep finished",
				"checked", res.Checked, "changed", res.Changed, "cancelled", res.Cancelled, "failed", res.Failed)
			return nil
		}},
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs every sweep this instance can lock. It returns the names of the sweeps it ran.
func (s *Sweeper) RunOnce(ctx context.Context) []string {
	var ran []string
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			return ran
		}
		if s.runLocked(ctx, j) {
			ran = append(ran, j.name)
		}
	}
	return ran
}

func (s *Sweeper) runLocked(ctx context.Context, j job) bool {
	lk, err := s.locker.TryAcquire(ctx, "sweep:"+j.name, s.interval)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.log.DebugContext(ctx, "sweep held by another instance", "sweep", j.name)
		return false
	}
	if err != nil {
		s.log.WarnContext(ctx, "sweep lock failed", "sweep", j.name, "error", err)
		return false
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.WarnContext(ctx, "sweep lock release failed", "sweep", j.name, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	start := time.Now()
	if err := j.run(runCtx); err != nil {
		s.log.ErrorContext(ctx, "sweep failed", "sweep", j.name, "error", err)
		return true
	}
	s.log.DebugContext(ctx, "sweep done", "sweep", j.name, "took", time.Since(start))
	return true
}
