// Package risk holds the kill switch, its watchdog and the pre-trade gate.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"polymm/internal/alert"
	"polymm/internal/model"
	"polymm/internal/obs"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const (
	defaultRestartBaseBackoff = 5 * time.Second
	defaultRestartMaxBackoff  = 5 * time.Minute
	defaultHeartbeatTimeout   = 30 * time.Second
	defaultDataGapTolerance   = time.Minute
	defaultCheckInterval      = time.Second

	alertTimeout = 10 * time.Second
)

const (
	ActionPause       = "pause"
	ActionResume      = "resume"
	ActionHalt        = "halt"
	ActionPauseMarket = "pause_market"
	ActionReset       = "reset"
)

// KillSwitchConfig holds the kill switch thresholds. A zero MaxDailyLoss
// disables the drawdown check.
type KillSwitchConfig struct {
	RestartBaseBackoff time.Duration
	RestartMaxBackoff  time.Duration
	HeartbeatTimeout   time.Duration
	DataGapTolerance   time.Duration
	MaxDailyLoss       decimal.Decimal
	CheckInterval      time.Duration
}

func (c KillSwitchConfig) withDefaults() KillSwitchConfig {
	if c.RestartBaseBackoff <= 0 {
		c.RestartBaseBackoff = defaultRestartBaseBackoff
	}
	if c.RestartMaxBackoff <= 0 {
		c.RestartMaxBackoff = defaultRestartMaxBackoff
	}
	if c.RestartMaxBackoff < c.RestartBaseBackoff {
		c.RestartMaxBackoff = c.RestartBaseBackoff
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.DataGapTolerance <= 0 {
		c.DataGapTolerance = defaultDataGapTolerance
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	return c
}

// Canceller is the order layer as seen by the kill switch.
type Canceller interface {
	CancelAll(ctx context.Context) int
	CancelMarket(ctx context.Context, marketID string) int
}

// Publisher is the event bus as seen by the kill switch.
type Publisher interface {
	Publish(topic string, payload map[string]any, correlationID string) model.Event
}

// KillSwitch is the single authority that pauses or halts trading.
type KillSwitch struct {
	cfg       KillSwitchConfig
	canceller Canceller
	publisher Publisher
	alerter   alert.Alerter
	metrics   *obs.Metrics
	now       func() time.Time

	mu            sync.Mutex
	state         State
	restartCount  int
	restartGen    uint64
	restartTimer  *time.Timer
	lastHeartbeat time.Time
	lastData      map[string]time.Time
	pausedMarkets map[string]time.Time
	dailyLoss     decimal.Decimal
	lossDay       time.Time
	triggers      []TriggerRecord
	halted        chan struct{}
	closed        bool

	alerts sync.WaitGroup
}

// NewKillSwitch starts in RUNNING with a fresh heartbeat. canceller,
// publisher and alerter may be nil.
func NewKillSwitch(cfg KillSwitchConfig, canceller Canceller, publisher Publisher, alerter alert.Alerter, metrics *obs.Metrics) *KillSwitch {
	k := &KillSwitch{
		cfg:           cfg.withDefaults(),
		canceller:     canceller,
		publisher:     publisher,
		alerter:       alerter,
		metrics:       metrics,
		now:           time.Now,
		state:         StateRunning,
		lastData:      make(map[string]time.Time),
		pausedMarkets: make(map[string]time.Time),
		dailyLoss:     decimal.Zero,
		halted:        make(chan struct{}),
	}
	k.lastHeartbeat = k.now()
	k.lossDay = utcDay(k.lastHeartbeat)
	k.metrics.KillSwitchState(StateRunning.String(), stateLabels()...)
	return k
}

// TriggerEngineRestart pauses trading and schedules an automatic resume
// after an exponential backoff. It returns the backoff, or zero when halted.
func (k *KillSwitch) TriggerEngineRestart(ctx context.Context, details map[string]any) time.Duration {
	k.mu.Lock()
	if k.state == StateHalted || k.closed {
		k.mu.Unlock()
		return 0
	}

	k.restartCount++
	backoff := k.backoffLocked(k.restartCount)
	k.state = StatePaused
	k.stopTimerLocked()
	gen := k.restartGen
	k.restartTimer = time.AfterFunc(backoff, func() { k.autoResume(gen) })

	details = copyDetails(details)
	details["consecutive"] = k.restartCount
	details["backoff_seconds"] = backoff.Seconds()
	rec := k.appendLocked(TriggerEngineRestart, details)
	k.metrics.KillSwitchState(StatePaused.String(), stateLabels()...)
	k.mu.Unlock()

	logs.Warnf("kill switch paused by engine restart, consecutive: %d, backoff: %s", details["consecutive"], backoff)
	k.emit(ctx, ActionPause, rec, nil, alert.SeverityWarning, "Trading paused", "venue engine restart, resuming after "+backoff.String())
	return backoff
}

func (k *KillSwitch) backoffLocked(n int) time.Duration {
	backoff := k.cfg.RestartBaseBackoff
	for i := 1; i < n; i++ {
		backoff *= 2
		if backoff >= k.cfg.RestartMaxBackoff {
			return k.cfg.RestartMaxBackoff
		}
	}
	return min(backoff, k.cfg.RestartMaxBackoff)
}

func (k *KillSwitch) autoResume(gen uint64) {
	k.mu.Lock()
	if gen != k.restartGen || k.state != StatePaused || k.closed {
		k.mu.Unlock()
		return
	}
	k.state = StateRunning
	k.restartTimer = nil
	k.metrics.KillSwitchState(StateRunning.String(), stateLabels()...)
	k.mu.Unlock()

	logs.Infof("kill switch auto resumed after engine restart backoff")
	k.publish(ActionResume, TriggerEngineRestart.String(), map[string]any{"auto": true}, nil)
}

// TriggerHeartbeatMissed halts trading and cancels every order.
func (k *KillSwitch) TriggerHeartbeatMissed(ctx context.Context, age time.Duration) bool {
	return k.halt(ctx, TriggerHeartbeatMissed, map[string]any{
		"heartbeat_age_seconds": age.Seconds(),
		"timeout_seconds":       k.cfg.HeartbeatTimeout.Seconds(),
	}, "Trading halted", "heartbeat missed for "+age.String())
}

// TriggerDataGap pauses one market when its data is at least the tolerance
// old. The global state is untouched.
func (k *KillSwitch) TriggerDataGap(ctx context.Context, marketID string, gap time.Duration) bool {
	if gap < k.cfg.DataGapTolerance {
		return false
	}

	k.mu.Lock()
	if _, paused := k.pausedMarkets[marketID]; paused || k.closed {
		k.mu.Unlock()
		return false
	}
	k.pausedMarkets[marketID] = k.now()
	rec := k.appendLocked(TriggerDataGap, map[string]any{
		"market_id":         marketID,
		"gap_seconds":       gap.Seconds(),
		"tolerance_seconds": k.cfg.DataGapTolerance.Seconds(),
	})
	k.metrics.PausedMarkets(len(k.pausedMarkets))
	k.mu.Unlock()

	cancelled := 0
	if k.canceller != nil {
		cancelled = k.canceller.CancelMarket(ctx, marketID)
	}
	logs.Warnf("market %s paused for stale data, gap: %s, cancelled: %d", marketID, gap, cancelled)
	k.emit(ctx, ActionPauseMarket, rec, map[string]any{"orders_cancelled": cancelled},
		alert.SeverityWarning, "Market paused", "no data for "+marketID+" in "+gap.String())
	return true
}

// RecordLoss adds a realized loss to today's total and halts once the
// configured limit is reached.
func (k *KillSwitch) RecordLoss(ctx context.Context, amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}

	k.mu.Lock()
	k.rollDayLocked()
	k.dailyLoss = k.dailyLoss.Add(amount)
	total := k.dailyLoss
	breached := k.cfg.MaxDailyLoss.IsPositive() && total.GreaterThanOrEqual(k.cfg.MaxDailyLoss)
	k.metrics.DailyLoss(total.InexactFloat64())
	k.mu.Unlock()

	if !breached {
		return false
	}
	return k.halt(ctx, TriggerMaxDrawdown, map[string]any{
		"daily_loss": total.String(),
		"limit":      k.cfg.MaxDailyLoss.String(),
	}, "Trading halted", "daily loss "+total.String()+" reached limit "+k.cfg.MaxDailyLoss.String())
}

// RecordPnL feeds signed PnL into the drawdown check. Gains are ignored.
func (k *KillSwitch) RecordPnL(ctx context.Context, pnl decimal.Decimal) bool {
	if !pnl.IsNegative() {
		return false
	}
	return k.RecordLoss(ctx, pnl.Neg())
}

// TriggerReconciliationMismatch halts on any non-empty mismatch list. It
// matches the reconciler callback signature.
func (k *KillSwitch) TriggerReconciliationMismatch(ctx context.Context, mismatches []model.Mismatch) error {
	if len(mismatches) == 0 {
		return nil
	}

	serialized := make([]map[string]any, 0, len(mismatches))
	for _, m := range mismatches {
		serialized = append(serialized, m.Map())
	}
	counts := model.CountMismatches(mismatches)
	logs.Errorf("reconciliation mismatch, count: %d, by type: %v", len(mismatches), counts)

	k.halt(ctx, TriggerReconciliationMismatch, map[string]any{
		"mismatch_count": len(mismatches),
		"counts":         counts,
		"mismatches":     serialized,
	}, "Trading halted", "reconciliation found divergent orders")
	return nil
}

// Halt stops trading on operator request.
func (k *KillSwitch) Halt(ctx context.Context, reason string) bool {
	return k.halt(ctx, TriggerManual, map[string]any{"reason": reason}, "Trading halted", "manual halt: "+reason)
}

func (k *KillSwitch) halt(ctx context.Context, trigger Trigger, details map[string]any, title, message string) bool {
	k.mu.Lock()
	if k.state == StateHalted || k.closed {
		k.mu.Unlock()
		logs.Debugf("kill switch already halted, ignore trigger: %s", trigger)
		return false
	}
	k.state = StateHalted
	k.stopTimerLocked()
	close(k.halted)
	rec := k.appendLocked(trigger, details)
	k.metrics.KillSwitchState(StateHalted.String(), stateLabels()...)
	k.mu.Unlock()

	cancelled := 0
	if k.canceller != nil {
		cancelled = k.canceller.CancelAll(ctx)
	}
	logs.Errorf("kill switch halted, trigger: %s, cancelled: %d", trigger, cancelled)
	k.emit(ctx, ActionHalt, rec, map[string]any{"orders_cancelled": cancelled}, alert.SeverityCritical, title, message)
	return true
}

// Resume moves PAUSED back to RUNNING. Any other state is left alone.
func (k *KillSwitch) Resume() bool {
	k.mu.Lock()
	if k.state != StatePaused {
		k.mu.Unlock()
		return false
	}
	k.state = StateRunning
	k.restartCount = 0
	k.stopTimerLocked()
	k.metrics.KillSwitchState(StateRunning.String(), stateLabels()...)
	k.mu.Unlock()

	logs.Infof("kill switch resumed manually")
	k.publish(ActionResume, TriggerManual.String(), map[string]any{"auto": false}, nil)
	return true
}

// Reset returns to RUNNING from any state and clears every counter. It is
// meant for operator recovery only.
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	from := k.state
	k.state = StateRunning
	k.restartCount = 0
	k.stopTimerLocked()
	k.dailyLoss = decimal.Zero
	k.lossDay = utcDay(k.now())
	k.pausedMarkets = make(map[string]time.Time)
	if from == StateHalted {
		k.halted = make(chan struct{})
	}
	k.metrics.KillSwitchState(StateRunning.String(), stateLabels()...)
	k.metrics.PausedMarkets(0)
	k.metrics.DailyLoss(0)
	k.mu.Unlock()

	logs.Warnf("kill switch reset, previous state: %s", from)
	k.publish(ActionReset, TriggerManual.String(), map[string]any{"previous_state": from.String()}, nil)
}

// RecordHeartbeat marks the venue connection alive and clears the restart streak.
func (k *KillSwitch) RecordHeartbeat() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastHeartbeat = k.now()
	k.restartCount = 0
}

func (k *KillSwitch) HeartbeatAge() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now().Sub(k.lastHeartbeat)
}

// RecordDataUpdate marks fresh data for a market and lifts its pause.
func (k *KillSwitch) RecordDataUpdate(marketID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastData[marketID] = k.now()
	if _, ok := k.pausedMarkets[marketID]; ok {
		delete(k.pausedMarkets, marketID)
		k.metrics.PausedMarkets(len(k.pausedMarkets))
	}
}

// CheckDataGaps returns the markets whose last update is at least the
// tolerance old, with their gap.
func (k *KillSwitch) CheckDataGaps(now time.Time) map[string]time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()

	gaps := make(map[string]time.Duration)
	for market, last := range k.lastData {
		if gap := now.Sub(last); gap >= k.cfg.DataGapTolerance {
			gaps[market] = gap
		}
	}
	return gaps
}

func (k *KillSwitch) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *KillSwitch) IsHalted() bool {
	return k.State() == StateHalted
}

// CanTrade reports whether new orders may be placed on marketID.
func (k *KillSwitch) CanTrade(marketID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != StateRunning {
		return false
	}
	_, paused := k.pausedMarkets[marketID]
	return !paused
}

func (k *KillSwitch) PausedMarkets() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.pausedMarkets))
	for m := range k.pausedMarkets {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Triggers returns a copy of the audit trail.
func (k *KillSwitch) Triggers() []TriggerRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]TriggerRecord, len(k.triggers))
	copy(out, k.triggers)
	return out
}

func (k *KillSwitch) DailyLoss() decimal.Decimal {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rollDayLocked()
	return k.dailyLoss
}

func (k *KillSwitch) RestartCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.restartCount
}

// Halted is closed when the switch enters HALTED. Reset arms a new channel.
func (k *KillSwitch) Halted() <-chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}

// Close stops the auto-resume timer and waits for pending alerts.
func (k *KillSwitch) Close() {
	k.mu.Lock()
	k.closed = true
	k.stopTimerLocked()
	k.mu.Unlock()
	k.alerts.Wait()
}

func (k *KillSwitch) stopTimerLocked() {
	k.restartGen++
	if k.restartTimer != nil {
		k.restartTimer.Stop()
		k.restartTimer = nil
	}
}

func (k *KillSwitch) appendLocked(trigger Trigger, details map[string]any) TriggerRecord {
	rec := TriggerRecord{Trigger: trigger, Timestamp: k.now().UTC(), Details: details}
	k.triggers = append(k.triggers, rec)
	k.metrics.KillSwitchTrigger(trigger.String())
	return rec
}

func (k *KillSwitch) rollDayLocked() {
	if day := utcDay(k.now()); !day.Equal(k.lossDay) {
		k.lossDay = day
		k.dailyLoss = decimal.Zero
		k.metrics.DailyLoss(0)
	}
}

// emit publishes the trigger and dispatches its alert in the background.
func (k *KillSwitch) emit(ctx context.Context, action string, rec TriggerRecord, extra map[string]any, severity alert.Severity, title, message string) {
	k.publish(action, rec.Trigger.String(), rec.Details, extra)

	if k.alerter == nil {
		return
	}
	details := copyDetails(rec.Details)
	details["trigger"] = rec.Trigger.String()
	for key, v := range extra {
		details[key] = v
	}

	k.alerts.Add(1)
	go func() {
		defer k.alerts.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		if err := k.alerter.Send(actx, title, message, severity, details); err != nil {
			logs.Warnf("send kill switch alert failed, trigger: %s, err: %+v", rec.Trigger, err)
		}
	}()
}

func (k *KillSwitch) publish(action, trigger string, details, extra map[string]any) {
	if k.publisher == nil {
		return
	}
	payload := map[string]any{
		"action":  action,
		"trigger": trigger,
		"details": details,
	}
	for key, v := range extra {
		payload[key] = v
	}
	k.publisher.Publish(model.TopicKillSwitch, payload, "")
}

func copyDetails(src map[string]any) map[string]any {
	out := make(map[string]any, len(src)+2)
	for key, v := range src {
		out[key] = v
	}
	return out
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
