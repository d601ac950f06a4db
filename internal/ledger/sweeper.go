package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically credits due accrual periods.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	batch    int
}

// NewSweeper creates a sweeper running every interval over up to batch
// due positions per tick.
func NewSweeper(svc *Service, interval time.Duration, batch int) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, batch: batch}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	slog.Info("accrual sweeper started", "interval", sw.interval.String(), "batch", sw.batch)
	for {
		sw.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	if _, err := sw.svc.ApplyDueAccruals(ctx, sw.svc.now(), sw.batch); err != nil && ctx.Err() == nil {
		slog.Error("accrual sweep failed", "err", err)
	}
}
