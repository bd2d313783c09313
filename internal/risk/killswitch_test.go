package risk

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"polymm/internal/alert"
	"polymm/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeCanceller struct {
	mu      sync.Mutex
	all     int
	markets []string
}

func (f *fakeCanceller) CancelAll(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all++
	return 3
}

func (f *fakeCanceller) CancelMarket(_ context.Context, marketID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets = append(f.markets, marketID)
	return 1
}

func (f *fakeCanceller) counts() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all, append([]string(nil), f.markets...)
}

type recordPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordPublisher) Publish(topic string, payload map[string]any, correlationID string) model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := model.Event{Topic: topic, Payload: payload, CorrelationID: correlationID, Timestamp: time.Now()}
	p.events = append(p.events, e)
	return e
}

func (p *recordPublisher) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Payload["action"].(string))
	}
	return out
}

type fixture struct {
	ks        *KillSwitch
	clock     *clock
	canceller *fakeCanceller
	publisher *recordPublisher
	alerts    *alert.Recorder
}

func newFixture(t *testing.T, cfg KillSwitchConfig) *fixture {
	t.Helper()
	f := &fixture{
		clock:     &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
		canceller: &fakeCanceller{},
		publisher: &recordPublisher{},
		alerts:    &alert.Recorder{},
	}
	f.ks = NewKillSwitch(cfg, f.canceller, f.publisher, f.alerts, nil)
	f.ks.now = f.clock.Now
	f.ks.RecordHeartbeat()
	f.ks.lossDay = utcDay(f.clock.Now())
	t.Cleanup(f.ks.Close)
	return f
}

func TestEngineRestartBackoffDoubles(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{RestartBaseBackoff: time.Hour, RestartMaxBackoff: 10 * time.Hour})
	ctx := context.Background()

	assert.Equal(t, time.Hour, f.ks.TriggerEngineRestart(ctx, nil))
	assert.Equal(t, 2*time.Hour, f.ks.TriggerEngineRestart(ctx, nil))
	assert.Equal(t, 4*time.Hour, f.ks.TriggerEngineRestart(ctx, nil))
	assert.Equal(t, 8*time.Hour, f.ks.TriggerEngineRestart(ctx, nil))
	assert.Equal(t, 10*time.Hour, f.ks.TriggerEngineRestart(ctx, nil), "capped")

	assert.Equal(t, StatePaused, f.ks.State())
	assert.Equal(t, 5, f.ks.RestartCount())
	assert.False(t, f.ks.CanTrade("m-1"))

	f.ks.RecordHeartbeat()
	assert.Zero(t, f.ks.RestartCount())
	assert.Equal(t, time.Hour, f.ks.TriggerEngineRestart(ctx, nil), "heartbeat restarts the streak")

	all, _ := f.canceller.counts()
	assert.Zero(t, all, "a pause never cancels orders")
}

func TestEngineRestartAutoResumes(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{RestartBaseBackoff: 20 * time.Millisecond})

	f.ks.TriggerEngineRestart(context.Background(), map[string]any{"code": 425})
	require.Equal(t, StatePaused, f.ks.State())

	require.Eventually(t, func() bool { return f.ks.State() == StateRunning }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.ks.RestartCount(), "auto resume keeps the streak")
	require.Eventually(t, func() bool {
		actions := f.publisher.actions()
		return len(actions) == 2 && actions[1] == ActionResume
	}, time.Second, 5*time.Millisecond)
}

func TestRetriggerReplacesPendingResume(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{RestartBaseBackoff: 30 * time.Millisecond, RestartMaxBackoff: time.Hour})
	ctx := context.Background()

	f.ks.TriggerEngineRestart(ctx, nil)
	f.ks.TriggerEngineRestart(ctx, nil)
	f.ks.TriggerEngineRestart(ctx, nil)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StatePaused, f.ks.State(), "only the latest 120ms timer may resume")
	require.Eventually(t, func() bool { return f.ks.State() == StateRunning }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatMissedHaltsOnce(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{MaxDailyLoss: decimal.NewFromInt(10)})
	ctx := context.Background()

	assert.True(t, f.ks.TriggerHeartbeatMissed(ctx, 45*time.Second))
	assert.False(t, f.ks.TriggerHeartbeatMissed(ctx, 50*time.Second))
	assert.False(t, f.ks.Halt(ctx, "operator"))
	assert.False(t, f.ks.RecordLoss(ctx, decimal.NewFromInt(20)))
	assert.NoError(t, f.ks.TriggerReconciliationMismatch(ctx, []model.Mismatch{{Type: model.MismatchGhostOrder}}))
	assert.Zero(t, f.ks.TriggerEngineRestart(ctx, nil))

	all, _ := f.canceller.counts()
	assert.Equal(t, 1, all)
	assert.True(t, f.ks.IsHalted())
	assert.Len(t, f.ks.Triggers(), 1)

	select {
	case <-f.ks.Halted():
	default:
		t.Fatal("halted channel must be closed")
	}

	f.ks.Close()
	records := f.alerts.Records()
	require.Len(t, records, 1)
	assert.Equal(t, alert.SeverityCritical, records[0].Severity)
	assert.Equal(t, "HEARTBEAT_MISSED", records[0].Details["trigger"])
	assert.Equal(t, 3, records[0].Details["orders_cancelled"])
}

func TestHaltFromPaused(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{RestartBaseBackoff: 30 * time.Millisecond})
	ctx := context.Background()

	f.ks.TriggerEngineRestart(ctx, nil)
	require.True(t, f.ks.Halt(ctx, "manual"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalted, f.ks.State(), "halt cancels the pending resume")
	assert.False(t, f.ks.Resume())
}

func TestDataGapPausesOneMarket(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{DataGapTolerance: 30 * time.Second})
	ctx := context.Background()

	assert.False(t, f.ks.TriggerDataGap(ctx, "m-1", 10*time.Second))
	assert.True(t, f.ks.TriggerDataGap(ctx, "m-1", 45*time.Second))
	assert.False(t, f.ks.TriggerDataGap(ctx, "m-1", 50*time.Second), "already paused")

	_, markets := f.canceller.counts()
	assert.Equal(t, []string{"m-1"}, markets)
	assert.Equal(t, StateRunning, f.ks.State())
	assert.False(t, f.ks.CanTrade("m-1"))
	assert.True(t, f.ks.CanTrade("m-2"))
	assert.Equal(t, []string{"m-1"}, f.ks.PausedMarkets())

	f.ks.RecordDataUpdate("m-1")
	assert.True(t, f.ks.CanTrade("m-1"))
	assert.Empty(t, f.ks.PausedMarkets())
}

func TestCheckDataGaps(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{DataGapTolerance: 30 * time.Second})

	f.ks.RecordDataUpdate("m-1")
	f.clock.Advance(20 * time.Second)
	f.ks.RecordDataUpdate("m-2")
	f.clock.Advance(10 * time.Second)

	gaps := f.ks.CheckDataGaps(f.clock.Now())
	assert.Equal(t, map[string]time.Duration{"m-1": 30 * time.Second}, gaps)
}

func TestDrawdownHalts(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{MaxDailyLoss: decimal.NewFromInt(100)})
	ctx := context.Background()

	assert.False(t, f.ks.RecordLoss(ctx, decimal.NewFromInt(60)))
	assert.False(t, f.ks.RecordPnL(ctx, decimal.NewFromInt(50)), "gains do not offset losses")
	assert.True(t, f.ks.DailyLoss().Equal(decimal.NewFromInt(60)))

	assert.True(t, f.ks.RecordPnL(ctx, decimal.NewFromInt(-40)))
	assert.True(t, f.ks.IsHalted())

	triggers := f.ks.Triggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, TriggerMaxDrawdown, triggers[0].Trigger)
	assert.Equal(t, "100", triggers[0].Details["daily_loss"])
}

func TestDailyLossResetsAtUTCMidnight(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{MaxDailyLoss: decimal.NewFromInt(100)})
	ctx := context.Background()

	f.ks.RecordLoss(ctx, decimal.NewFromInt(90))
	f.clock.Advance(11*time.Hour + 59*time.Minute)
	assert.True(t, f.ks.DailyLoss().Equal(decimal.NewFromInt(90)))

	f.clock.Advance(2 * time.Minute)
	assert.True(t, f.ks.DailyLoss().IsZero())
	assert.False(t, f.ks.RecordLoss(ctx, decimal.NewFromInt(90)))
	assert.False(t, f.ks.IsHalted())
}

func TestReconciliationMismatch(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{})
	ctx := context.Background()

	require.NoError(t, f.ks.TriggerReconciliationMismatch(ctx, nil))
	assert.Equal(t, StateRunning, f.ks.State())
	assert.Empty(t, f.ks.Triggers())

	mismatches := []model.Mismatch{
		{Type: model.MismatchGhostOrder, Detail: "o-1 missing on venue"},
		{Type: model.MismatchGhostOrder, Detail: "o-2 missing on venue"},
		{Type: model.MismatchOrphanOrder, Detail: "v-9 unknown"},
	}
	require.NoError(t, f.ks.TriggerReconciliationMismatch(ctx, mismatches))
	assert.True(t, f.ks.IsHalted())

	triggers := f.ks.Triggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, map[string]int{"ghost_order": 2, "orphan_order": 1}, triggers[0].Details["counts"])
	assert.Equal(t, 3, triggers[0].Details["mismatch_count"])
}

func TestResumeAndReset(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{RestartBaseBackoff: time.Hour, MaxDailyLoss: decimal.NewFromInt(5)})
	ctx := context.Background()

	assert.False(t, f.ks.Resume(), "running cannot resume")

	f.ks.TriggerEngineRestart(ctx, nil)
	assert.True(t, f.ks.Resume())
	assert.Equal(t, StateRunning, f.ks.State())
	assert.Zero(t, f.ks.RestartCount())

	f.ks.TriggerDataGap(ctx, "m-1", time.Hour)
	f.ks.RecordLoss(ctx, decimal.NewFromInt(7))
	require.True(t, f.ks.IsHalted())
	halted := f.ks.Halted()

	f.ks.Reset()
	assert.Equal(t, StateRunning, f.ks.State())
	assert.Empty(t, f.ks.PausedMarkets())
	assert.True(t, f.ks.DailyLoss().IsZero())
	assert.NotEqual(t, halted, f.ks.Halted())
	select {
	case <-f.ks.Halted():
		t.Fatal("reset must arm a fresh channel")
	default:
	}

	assert.Equal(t, []string{ActionPause, ActionResume, ActionPauseMarket, ActionHalt, ActionReset}, f.publisher.actions())
	assert.Len(t, f.ks.Triggers(), 3, "resume and reset are not triggers")
}

func TestAlertFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{})
	f.alerts.Err = errors.New("webhook down")

	assert.True(t, f.ks.Halt(context.Background(), "drill"))
	f.ks.Close()
	assert.True(t, f.ks.IsHalted())
	assert.Len(t, f.alerts.Records(), 1)
}

func TestPublishedPayload(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{})
	f.ks.Halt(context.Background(), "drill")

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	require.Len(t, f.publisher.events, 1)
	e := f.publisher.events[0]
	assert.Equal(t, model.TopicKillSwitch, e.Topic)
	assert.Equal(t, ActionHalt, e.Payload["action"])
	assert.Equal(t, "MANUAL", e.Payload["trigger"])
	assert.Equal(t, map[string]any{"reason": "drill"}, e.Payload["details"])
	assert.Equal(t, 3, e.Payload["orders_cancelled"])
}

func TestTriggerRecordJSON(t *testing.T) {
	rec := TriggerRecord{
		Trigger:   TriggerDataGap,
		Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Details:   map[string]any{"market_id": "m-1"},
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"trigger":"DATA_GAP","timestamp":"2026-03-10T12:00:00Z","details":{"market_id":"m-1"}}`, string(b))

	var back TriggerRecord
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, TriggerDataGap, back.Trigger)
}

func TestNilDependencies(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{}, nil, nil, nil, nil)
	defer ks.Close()

	assert.True(t, ks.Halt(context.Background(), "no deps"))
	assert.True(t, ks.IsHalted())
}

func TestWatchdogCheck(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{HeartbeatTimeout: 30 * time.Second, DataGapTolerance: 10 * time.Second})
	w := NewWatchdog(f.ks)
	ctx := context.Background()

	f.ks.RecordDataUpdate("m-1")
	f.clock.Advance(15 * time.Second)
	f.ks.RecordHeartbeat()

	w.Check(ctx)
	assert.Equal(t, []string{"m-1"}, f.ks.PausedMarkets())
	assert.Equal(t, StateRunning, f.ks.State())

	f.clock.Advance(31 * time.Second)
	w.Check(ctx)
	assert.True(t, f.ks.IsHalted())

	all, markets := f.canceller.counts()
	assert.Equal(t, 1, all)
	assert.Equal(t, []string{"m-1"}, markets)
}

func TestWatchdogRunStops(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{CheckInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewWatchdog(f.ks).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}

func TestStateAndTriggerNames(t *testing.T) {
	assert.Equal(t, "HALTED", StateHalted.String())
	assert.Equal(t, "UNKNOWN", State(0).String())
	assert.Equal(t, []string{"RUNNING", "PAUSED", "HALTED"}, stateLabels())
	assert.Equal(t, "RECONCILIATION_MISMATCH", TriggerReconciliationMismatch.String())

	var tr Trigger
	assert.Error(t, tr.UnmarshalText([]byte("NOPE")))
}
