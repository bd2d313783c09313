package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"polymm/internal/alert"
	"polymm/internal/bus"
	"polymm/internal/execution"
	"polymm/internal/model"
	"polymm/internal/obs"
	"polymm/internal/ops"
	"polymm/internal/order"
	"polymm/internal/queue"
	"polymm/internal/reconcile"
	"polymm/internal/risk"
	"polymm/internal/state"
	"polymm/internal/store"
	"polymm/internal/unwind"
	"polymm/pkg/conn"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"
)

const (
	storeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var one = decimal.NewFromInt(1)

func run(ctx context.Context, loaded ops.Loaded) error {
	metrics := obs.NewMetrics()
	eventBus := bus.New(loaded.Bus, metrics)

	paper := execution.NewPaper(loaded.Paper)
	for _, m := range loaded.Markets {
		paper.SetBid(m.TokenA, m.Bid, m.Depth)
		paper.SetAsk(m.TokenA, m.Ask, m.Depth)
		paper.SetBid(m.TokenB, one.Sub(m.Ask), m.Depth)
		paper.SetAsk(m.TokenB, one.Sub(m.Bid), m.Depth)
	}

	recovered, err := state.Recover(loaded.Snapshot.Path, loaded.RecoveryStrategy)
	if err != nil {
		return err
	}
	book := recovered.Book
	for _, m := range loaded.Markets {
		book.Register(m.ID, m.TokenA, m.TokenB)
	}

	orders := order.NewManager(loaded.Order, paper, metrics)
	ks := risk.NewKillSwitch(loaded.KillSwitch, orders, eventBus, alert.Log{}, metrics)
	defer ks.Close()
	orders.SetGuard(risk.NewGate(loaded.Gate, ks).Check)

	reconciler := reconcile.New(loaded.Reconcile, orders, paper, eventBus, ks.TriggerReconciliationMismatch, metrics)
	unwinder := unwind.NewManager(loaded.Unwind, unwind.Deps{
		Orders:    orders,
		Executor:  paper,
		Prices:    paper,
		Merger:    unwind.NewMerger(&unwind.PaperChain{GasUsed: 150_000, GasPrice: big.NewInt(30_000_000_000)}),
		Publisher: eventBus,
		Metrics:   metrics,
	})

	st, closeStore, err := openStore(ctx, loaded.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	if recovered.Found && !recovered.Clean {
		unwindBook(ctx, unwinder, book, ks, st, "crash recovery", recovered.Strategy)
	}
	if err := writeSnapshot(loaded.Snapshot.Path, book, false); err != nil {
		return err
	}

	// the audit consumer outlives the run loops so a halt racing the
	// shutdown is still written
	storeCtx, stopStore := context.WithCancel(ctx)
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		if st != nil {
			_ = st.Consume(storeCtx, eventBus)
		}
	}()
	defer func() {
		stopStore()
		<-storeDone
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return risk.NewWatchdog(ks).Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		q := &quoter{
			markets:  loaded.Markets,
			orders:   orders,
			paper:    paper,
			tracker:  queue.NewTracker(loaded.Queue),
			book:     book,
			ks:       ks,
			tick:     loaded.Tick,
			unit:     loaded.SizeUnit,
			size:     loaded.QuoteSize,
			interval: loaded.QuoteInterval,
			live:     make(map[string]string),
			levels:   make(map[string]execution.Level),
		}
		return q.Run(gctx)
	})
	g.Go(func() error { return snapshotLoop(gctx, loaded.Snapshot, book) })
	if loaded.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, loaded.MetricsAddr, metrics) })
	}

	logs.Infof("polymm started, markets: %d, open positions: %v", len(loaded.Markets), book.Open())

	reason, strategy := "shutdown", unwind.StrategyAggressive
	select {
	case <-sys.Shutdown():
		logs.Info("shutdown signal received")
	case <-ks.Halted():
		reason, strategy = "kill switch halt", unwind.StrategySweep
	case <-gctx.Done():
		reason = "component failure"
	}

	cancel()
	runErr := g.Wait()

	unwindBook(context.Background(), unwinder, book, ks, st, reason, strategy)
	if err := writeSnapshot(loaded.Snapshot.Path, book, true); err != nil {
		return err
	}

	stats := eventBus.Stats()
	logs.Infof("polymm stopped, events published: %d, dropped: %d, kill switch: %s", stats.Published, stats.Dropped, ks.State())
	return runErr
}

func openStore(ctx context.Context, opt *conn.Option) (*store.Store, func(), error) {
	if opt == nil {
		return nil, func() {}, nil
	}

	client, err := conn.New(*opt)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logs.Warnf("close postgres failed, err: %+v", err)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		closeFn()
		return nil, nil, err
	}

	st := store.New(client.DB())
	if err := st.AutoMigrate(pingCtx); err != nil {
		closeFn()
		return nil, nil, err
	}
	logs.Infof("postgres store ready, dsn: %s", opt.Redacted())
	return st, closeFn, nil
}

// unwindBook runs an unwind on a copy of the book, writes the result back and
// books the realized PnL against the daily loss limit.
func unwindBook(ctx context.Context, unwinder *unwind.Manager, book *state.Book, ks *risk.KillSwitch, st *store.Store, reason string, strategy unwind.Strategy) *unwind.Report {
	positions := book.Positions()
	before := realizedPnL(positions)
	report := unwinder.Run(ctx, reason, strategy, positions)
	book.Replace(positions)
	ks.RecordPnL(ctx, realizedPnL(positions).Sub(before))

	for _, o := range report.Orphaned {
		logs.Errorf("unwind left %s of %s on %s, reason: %s", o.Qty, o.TokenID, o.MarketID, o.Reason)
	}

	if st != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := st.SaveUnwindReport(sctx, report); err != nil {
			logs.Errorf("persist unwind report failed, err: %+v", err)
		}
	}
	return report
}

func realizedPnL(positions map[string]*model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p != nil {
			total = total.Add(p.RealizedPnL)
		}
	}
	return total
}

func writeSnapshot(path string, book *state.Book, clean bool) error {
	if path == "" {
		return nil
	}
	return state.WriteSnapshot(path, book.Snapshot(clean))
}

func snapshotLoop(ctx context.Context, cfg ops.SnapshotConfig, book *state.Book) error {
	if cfg.Path == "" || cfg.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := writeSnapshot(cfg.Path, book, false); err != nil {
				logs.Warnf("write snapshot %s failed, err: %+v", cfg.Path, err)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, metrics *obs.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logs.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
