package risk

import (
	"context"
	"time"
)

// Watchdog polls the kill switch bookkeeping and fires the heartbeat and
// data-gap triggers.
type Watchdog struct {
	ks       *KillSwitch
	interval time.Duration
}

func NewWatchdog(ks *KillSwitch) *Watchdog {
	return &Watchdog{ks: ks, interval: ks.cfg.CheckInterval}
}

// Check runs one pass.
func (w *Watchdog) Check(ctx context.Context) {
	if age := w.ks.HeartbeatAge(); age >= w.ks.cfg.HeartbeatTimeout {
		w.ks.TriggerHeartbeatMissed(ctx, age)
	}
	for market, gap := range w.ks.CheckDataGaps(w.ks.now()) {
		w.ks.TriggerDataGap(ctx, market, gap)
	}
}

// Run checks every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
