// Package retention deletes test records, and the images behind them, once
// they are older than the configured retention window.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Brownie44l1/retina-api/internal/media"
	"github.com/Brownie44l1/retina-api/internal/store"
)

type Store interface {
	ListTestsBefore(ctx context.Context, cutoff time.Time) ([]store.TestRecord, error)
	DeleteTest(ctx context.Context, id int64) (store.TestRecord, bool, error)
}

type Sweeper struct {
	store  Store
	media  *media.Storage
	maxAge time.Duration
	now    func() time.Time
}

func NewSweeper(s Store, m *media.Storage, days int) *Sweeper {
	return &Sweeper{
		store:  s,
		media:  m,
		maxAge: time.Duration(days) * 24 * time.Hour,
		now:    time.Now,
	}
}

type Result struct {
	Deleted     int
	ImageErrors int
	Cutoff      time.Time
}

// Sweep removes every record created before now minus the retention window.
// A failed image removal is logged and counted; the record is still gone.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	res := Result{Cutoff: s.now().UTC().Add(-s.maxAge)}

	expired, err := s.store.ListTestsBefore(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("list expired tests: %w", err)
	}
	for _, t := range expired {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		deleted, found, err := s.store.DeleteTest(ctx, t.ID)
		if err != nil {
			return res, fmt.Errorf("delete test %d: %w", t.ID, err)
		}
		if !found {
			continue
		}
		res.Deleted++
		if err := s.media.Remove(deleted.ImageRef); err != nil {
			res.ImageErrors++
			log.Printf("Retention: failed to remove %s: %v", deleted.ImageRef, err)
		}
	}
	return res, nil
}

// Run sweeps on every tick of sched until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, sched cron.Schedule) error {
	for {
		now := s.now()
		next := sched.Next(now)
		wait := next.Sub(now)
		log.Printf("Next retention sweep at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		res, err := s.Sweep(ctx)
		if err != nil {
			log.Printf("Retention sweep error: %v", err)
			continue
		}
		log.Printf("Retention sweep complete: %d tests older than %s removed (%d image errors)",
			res.Deleted, res.Cutoff.Format(time.DateOnly), res.ImageErrors)
	}
}
