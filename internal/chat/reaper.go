package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"
)

// Reaper soft-deletes self-destructing messages once their deadline passed.
// Sweeps are idempotent: a failed sweep is simply redone on the next tick.
type Reaper struct {
	store    MessageStore
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewReaper(store MessageStore, interval time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("Starting expiry reaper", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("Expiry sweep failed, retrying next tick", "err", err)
			}
		}
	}
}

// Sweep marks every expired message deleted in one batch and returns how many changed.
// Nobody is notified; clients notice on their next history fetch.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.store.FindExpired(ctx, r.now().UTC())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := lo.Map(expired, func(m Message, _ int) int64 { return m.ID })
	n, err := r.store.MarkDeleted(ctx, ids)
	if err != nil {
		return 0, err
	}
	r.log.Debug("Expired messages deleted", "selected", len(ids), "deleted", n)
	return n, nil
}
