// Package reconcile compares locally tracked orders with the venue's view.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"polymm/internal/model"
	"polymm/internal/obs"

	"github.com/yanun0323/logs"
)

const defaultInterval = 30 * time.Second

const (
	StatusClean    = "clean"
	StatusMismatch = "mismatch"
)

type Config struct {
	Interval time.Duration
}

// LocalView is the order tracker as seen by the reconciler.
type LocalView interface {
	ActiveOrders() []model.Order
}

// Venue lists the orders the venue considers open.
type Venue interface {
	OpenOrders(ctx context.Context) ([]model.Order, error)
}

// Publisher is the event bus as seen by the reconciler.
type Publisher interface {
	Publish(topic string, payload map[string]any, correlationID string) model.Event
}

// Callback receives every non-empty mismatch list.
type Callback func(ctx context.Context, mismatches []model.Mismatch) error

type Stats struct {
	TotalRuns       int
	TotalMismatches int
	LastRun         time.Time
}

// Reconciler diffs local and venue orders on a timer.
type Reconciler struct {
	cfg       Config
	local     LocalView
	venue     Venue
	publisher Publisher
	callback  Callback
	metrics   *obs.Metrics
	now       func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New creates a reconciler. publisher and callback may be nil.
func New(cfg Config, local LocalView, venue Venue, publisher Publisher, callback Callback, metrics *obs.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reconciler{
		cfg:       cfg,
		local:     local,
		venue:     venue,
		publisher: publisher,
		callback:  callback,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run reconciles every interval until ctx is done. The first cycle runs
// one interval after start.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.safeRunOnce(ctx)
		}
	}
}

func (r *Reconciler) safeRunOnce(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			logs.Errorf("reconcile cycle panicked, recovered: %v", p)
		}
	}()
	_ = r.RunOnce(ctx)
}

// RunOnce performs one cycle and returns what it found.
func (r *Reconciler) RunOnce(ctx context.Context) []model.Mismatch {
	r.mu.Lock()
	r.stats.TotalRuns++
	r.stats.LastRun = r.now()
	run := r.stats.TotalRuns
	r.mu.Unlock()

	status := StatusClean
	local := r.local.ActiveOrders()
	remote, err := r.venue.OpenOrders(ctx)

	var mismatches []model.Mismatch
	if err != nil {
		status = StatusMismatch
		logs.Warnf("reconcile fetch venue orders failed, run: %d, err: %+v", run, err)
		mismatches = []model.Mismatch{{
			Type:   model.MismatchVenueFetchError,
			Detail: fmt.Sprintf("fetch open orders: %v", err),
			Extra:  map[string]any{"error": err.Error()},
		}}
	} else {
		mismatches = Diff(local, remote)
		if len(mismatches) > 0 {
			status = StatusMismatch
		}
	}

	counts := model.CountMismatches(mismatches)
	r.mu.Lock()
	r.stats.TotalMismatches += len(mismatches)
	r.mu.Unlock()

	r.metrics.ReconcileRun(status)
	for kind, n := range counts {
		r.metrics.ReconcileMismatch(kind, n)
	}

	if r.publisher != nil {
		r.publisher.Publish(model.TopicReconciliation, map[string]any{
			"status":         status,
			"mismatch_count": len(mismatches),
			"counts":         counts,
			"run_number":     run,
		}, "")
	}

	if len(mismatches) == 0 {
		logs.Debugf("reconcile clean, run: %d, local: %d, venue: %d", run, len(local), len(remote))
		return mismatches
	}

	logs.Warnf("reconcile found %d mismatches, run: %d, counts: %v", len(mismatches), run, counts)
	if r.callback != nil {
		if err := r.callback(ctx, mismatches); err != nil {
			logs.Errorf("reconcile mismatch callback failed, run: %d, err: %+v", run, err)
		}
	}
	return mismatches
}

func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Diff classifies divergences between local and venue orders, matched by
// local order id. The result is sorted by type then order id.
func Diff(local, remote []model.Order) []model.Mismatch {
	venueByID := make(map[string]model.Order, len(remote))
	for _, o := range remote {
		venueByID[o.ID] = o
	}
	localByID := make(map[string]model.Order, len(local))
	for _, o := range local {
		localByID[o.ID] = o
	}

	var out []model.Mismatch
	for id, lo := range localByID {
		vo, ok := venueByID[id]
		if !ok {
			lo := lo
			out = append(out, model.Mismatch{
				Type:       model.MismatchGhostOrder,
				Detail:     fmt.Sprintf("order %s tracked locally but not open on venue", id),
				LocalOrder: &lo,
				Extra:      map[string]any{"order_id": id},
			})
			continue
		}
		if !lo.Filled.Equal(vo.Filled) {
			lo, vo := lo, vo
			out = append(out, model.Mismatch{
				Type:       model.MismatchFillMismatch,
				Detail:     fmt.Sprintf("order %s filled %s locally, %s on venue", id, lo.Filled, vo.Filled),
				LocalOrder: &lo,
				VenueOrder: &vo,
				Extra: map[string]any{
					"order_id":     id,
					"local_filled": lo.Filled.String(),
					"venue_filled": vo.Filled.String(),
				},
			})
		}
	}
	for id, vo := range venueByID {
		if _, ok := localByID[id]; ok {
			continue
		}
		vo := vo
		out = append(out, model.Mismatch{
			Type:       model.MismatchOrphanOrder,
			Detail:     fmt.Sprintf("order %s open on venue but not tracked", id),
			VenueOrder: &vo,
			Extra:      map[string]any{"order_id": id},
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Extra["order_id"].(string) < out[j].Extra["order_id"].(string)
	})
	return out
}
