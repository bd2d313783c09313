// Package ops loads the process configuration and resolves it into the
// per-component configs.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"polymm/internal/bus"
	"polymm/internal/errors"
	"polymm/internal/execution"
	"polymm/internal/order"
	"polymm/internal/queue"
	"polymm/internal/reconcile"
	"polymm/internal/risk"
	"polymm/internal/unwind"
	"polymm/pkg/conn"
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "1m30s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return errors.Wrapf(exception.ErrInvalidConfig, "parse duration %q", b)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Bus        BusConfig        `json:"bus" yaml:"bus"`
	Order      OrderConfig      `json:"order" yaml:"order"`
	Reconcile  ReconcileConfig  `json:"reconcile" yaml:"reconcile"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Quant      QuantConfig      `json:"quant" yaml:"quant"`
	KillSwitch KillSwitchConfig `json:"killSwitch" yaml:"killSwitch"`
	Gate       GateConfig       `json:"gate" yaml:"gate"`
	Unwind     UnwindConfig     `json:"unwind" yaml:"unwind"`
	Paper      PaperConfig      `json:"paper" yaml:"paper"`
	Quote      QuoteConfig      `json:"quote" yaml:"quote"`
	Markets    []MarketConfig   `json:"markets" yaml:"markets"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Profiling  ProfilingConfig  `json:"profiling" yaml:"profiling"`
	Snapshot   SnapshotConfig   `json:"snapshot" yaml:"snapshot"`
}

type BusConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"`
}

type OrderConfig struct {
	Retention Duration `json:"retention" yaml:"retention"`
}

type ReconcileConfig struct {
	Interval Duration `json:"interval" yaml:"interval"`
}

type QueueConfig struct {
	RepriceThreshold float64 `json:"repriceThreshold" yaml:"repriceThreshold"`
}

type QuantConfig struct {
	Tick     float64 `json:"tick" yaml:"tick"`
	SizeUnit float64 `json:"sizeUnit" yaml:"sizeUnit"`
}

type KillSwitchConfig struct {
	RestartBaseBackoff Duration `json:"restartBaseBackoff" yaml:"restartBaseBackoff"`
	RestartMaxBackoff  Duration `json:"restartMaxBackoff" yaml:"restartMaxBackoff"`
	HeartbeatTimeout   Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`
	DataGapTolerance   Duration `json:"dataGapTolerance" yaml:"dataGapTolerance"`
	CheckInterval      Duration `json:"checkInterval" yaml:"checkInterval"`
	MaxDailyLoss       float64  `json:"maxDailyLoss" yaml:"maxDailyLoss"`
}

type GateConfig struct {
	MaxOrderSize     float64  `json:"maxOrderSize" yaml:"maxOrderSize"`
	MaxOrderNotional float64  `json:"maxOrderNotional" yaml:"maxOrderNotional"`
	OrderRateLimit   int      `json:"orderRateLimit" yaml:"orderRateLimit"`
	OrderRateWindow  Duration `json:"orderRateWindow" yaml:"orderRateWindow"`
}

type UnwindConfig struct {
	MaxTime          Duration  `json:"maxTime" yaml:"maxTime"`
	MergeEnabled     bool      `json:"mergeEnabled" yaml:"mergeEnabled"`
	DustThreshold    float64   `json:"dustThreshold" yaml:"dustThreshold"`
	PriceOffsets     []float64 `json:"priceOffsets" yaml:"priceOffsets"`
	SweepOffset      float64   `json:"sweepOffset" yaml:"sweepOffset"`
	AttemptPause     Duration  `json:"attemptPause" yaml:"attemptPause"`
	CancelTimeout    Duration  `json:"cancelTimeout" yaml:"cancelTimeout"`
	RecoveryStrategy string    `json:"recoveryStrategy" yaml:"recoveryStrategy"`
}

type PaperConfig struct {
	AmendSupported bool     `json:"amendSupported" yaml:"amendSupported"`
	Latency        Duration `json:"latency" yaml:"latency"`
}

// QuoteConfig drives the paper quoting loop.
type QuoteConfig struct {
	Interval Duration `json:"interval" yaml:"interval"`
	Size     float64  `json:"size" yaml:"size"`
}

// MarketConfig registers one binary market. Bid, Ask and Depth seed the
// paper venue's book for both tokens, the second token at 1-price.
type MarketConfig struct {
	ID     string  `json:"id" yaml:"id"`
	TokenA string  `json:"tokenA" yaml:"tokenA"`
	TokenB string  `json:"tokenB" yaml:"tokenB"`
	Bid    float64 `json:"bid" yaml:"bid"`
	Ask    float64 `json:"ask" yaml:"ask"`
	Depth  float64 `json:"depth" yaml:"depth"`
}

type StoreConfig struct {
	DSN          string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns int      `json:"maxOpenConns" yaml:"maxOpenConns"`
	ConnLifetime Duration `json:"connLifetime" yaml:"connLifetime"`
}

type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type ProfilingConfig struct {
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	ServerAddress   string            `json:"serverAddress" yaml:"serverAddress"`
	ApplicationName string            `json:"applicationName" yaml:"applicationName"`
	Tags            map[string]string `json:"tags" yaml:"tags"`
}

type SnapshotConfig struct {
	Path     string   `json:"path" yaml:"path"`
	Interval Duration `json:"interval" yaml:"interval"`
}

// Market is a resolved MarketConfig.
type Market struct {
	ID     string
	TokenA string
	TokenB string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Depth  decimal.Decimal
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Bus              bus.Config
	Order            order.Config
	Reconcile        reconcile.Config
	Queue            queue.Config
	Tick             decimal.Decimal
	SizeUnit         decimal.Decimal
	KillSwitch       risk.KillSwitchConfig
	Gate             risk.GateConfig
	Unwind           unwind.Config
	RecoveryStrategy unwind.Strategy
	Paper            execution.PaperConfig
	QuoteInterval    time.Duration
	QuoteSize        decimal.Decimal
	Markets          []Market
	Store            *conn.Option
	MetricsAddr      string
	Profiling        ProfilingConfig
	Snapshot         SnapshotConfig
}

// Default returns the file config used when no file is given, and the base
// every file is merged onto.
func Default() FileConfig {
	return FileConfig{
		Bus:       BusConfig{Capacity: 1024},
		Order:     OrderConfig{Retention: Duration(5 * time.Minute)},
		Reconcile: ReconcileConfig{Interval: Duration(30 * time.Second)},
		Queue:     QueueConfig{RepriceThreshold: 0.5},
		Quant:     QuantConfig{Tick: 0.01, SizeUnit: 0.01},
		KillSwitch: KillSwitchConfig{
			RestartBaseBackoff: Duration(5 * time.Second),
			RestartMaxBackoff:  Duration(5 * time.Minute),
			HeartbeatTimeout:   Duration(30 * time.Second),
			DataGapTolerance:   Duration(time.Minute),
			CheckInterval:      Duration(time.Second),
		},
		Unwind: UnwindConfig{
			MaxTime:          Duration(time.Minute),
			MergeEnabled:     true,
			DustThreshold:    1,
			PriceOffsets:     []float64{0, 1, 2, 5, 10},
			SweepOffset:      50,
			AttemptPause:     Duration(500 * time.Millisecond),
			CancelTimeout:    Duration(5 * time.Second),
			RecoveryStrategy: unwind.StrategyHold.String(),
		},
		Quote:     QuoteConfig{Interval: Duration(time.Second), Size: 10},
		Metrics:   MetricsConfig{Addr: ":9090"},
		Profiling: ProfilingConfig{ApplicationName: "polymm"},
		Snapshot:  SnapshotConfig{Path: "data/positions.json", Interval: Duration(time.Minute)},
	}
}

// Load reads a JSON or YAML config file, chosen by extension, on top of
// Default. An empty path loads Default alone.
func Load(path string) (Loaded, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, err
		}
		if err := Decode(path, data, &cfg); err != nil {
			return Loaded{}, err
		}
	}
	return cfg.Resolve()
}

// Decode unmarshals data into cfg using the format of path's extension.
func Decode(path string, data []byte, cfg *FileConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(exception.ErrInvalidConfig, "decode yaml %s: %v", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(exception.ErrInvalidConfig, "decode json %s: %v", path, err)
		}
	}
	return nil
}

// Resolve validates the file config and converts it into component configs.
func (cfg FileConfig) Resolve() (Loaded, error) {
	if err := cfg.Validate(); err != nil {
		return Loaded{}, err
	}

	var strategy unwind.Strategy
	if err := strategy.UnmarshalText([]byte(strings.ToUpper(cfg.Unwind.RecoveryStrategy))); err != nil {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "unknown recovery strategy %q", cfg.Unwind.RecoveryStrategy)
	}

	tick := decimal.NewFromFloat(cfg.Quant.Tick)
	sizeUnit := decimal.NewFromFloat(cfg.Quant.SizeUnit)

	offsets := make([]decimal.Decimal, 0, len(cfg.Unwind.PriceOffsets))
	for _, off := range cfg.Unwind.PriceOffsets {
		offsets = append(offsets, decimal.NewFromFloat(off))
	}

	markets := make([]Market, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets = append(markets, Market{
			ID:     m.ID,
			TokenA: m.TokenA,
			TokenB: m.TokenB,
			Bid:    decimal.NewFromFloat(m.Bid),
			Ask:    decimal.NewFromFloat(m.Ask),
			Depth:  decimal.NewFromFloat(m.Depth),
		})
	}

	var store *conn.Option
	if cfg.Store.DSN != "" {
		store = &conn.Option{
			ConnString:      cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			ConnMaxLifetime: cfg.Store.ConnLifetime.Std(),
		}
	}

	return Loaded{
		Bus:       bus.Config{Capacity: cfg.Bus.Capacity},
		Order:     order.Config{Retention: cfg.Order.Retention.Std()},
		Reconcile: reconcile.Config{Interval: cfg.Reconcile.Interval.Std()},
		Queue:     queue.Config{RepriceThreshold: decimal.NewFromFloat(cfg.Queue.RepriceThreshold)},
		Tick:      tick,
		SizeUnit:  sizeUnit,
		KillSwitch: risk.KillSwitchConfig{
			RestartBaseBackoff: cfg.KillSwitch.RestartBaseBackoff.Std(),
			RestartMaxBackoff:  cfg.KillSwitch.RestartMaxBackoff.Std(),
			HeartbeatTimeout:   cfg.KillSwitch.HeartbeatTimeout.Std(),
			DataGapTolerance:   cfg.KillSwitch.DataGapTolerance.Std(),
			MaxDailyLoss:       decimal.NewFromFloat(cfg.KillSwitch.MaxDailyLoss),
			CheckInterval:      cfg.KillSwitch.CheckInterval.Std(),
		},
		Gate: risk.GateConfig{
			MaxOrderSize:     decimal.NewFromFloat(cfg.Gate.MaxOrderSize),
			MaxOrderNotional: decimal.NewFromFloat(cfg.Gate.MaxOrderNotional),
			OrderRateLimit:   cfg.Gate.OrderRateLimit,
			OrderRateWindow:  cfg.Gate.OrderRateWindow.Std(),
		},
		Unwind: unwind.Config{
			MaxTime:       cfg.Unwind.MaxTime.Std(),
			MergeEnabled:  cfg.Unwind.MergeEnabled,
			DustThreshold: decimal.NewFromFloat(cfg.Unwind.DustThreshold),
			PriceOffsets:  offsets,
			SweepOffset:   decimal.NewFromFloat(cfg.Unwind.SweepOffset),
			AttemptPause:  cfg.Unwind.AttemptPause.Std(),
			CancelTimeout: cfg.Unwind.CancelTimeout.Std(),
			Tick:          tick,
			SizeUnit:      sizeUnit,
		},
		RecoveryStrategy: strategy,
		Paper: execution.PaperConfig{
			AmendSupported: cfg.Paper.AmendSupported,
			Latency:        cfg.Paper.Latency.Std(),
		},
		QuoteInterval: cfg.Quote.Interval.Std(),
		QuoteSize:     decimal.NewFromFloat(cfg.Quote.Size),
		Markets:       markets,
		Store:         store,
		MetricsAddr:   cfg.Metrics.Addr,
		Profiling:     cfg.Profiling,
		Snapshot:      cfg.Snapshot,
	}, nil
}

// Validate rejects values the components would otherwise silently default.
func (cfg FileConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Wrap(exception.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if cfg.Bus.Capacity <= 0 {
		return invalid("bus.capacity must be positive, got %d", cfg.Bus.Capacity)
	}
	if cfg.Quant.Tick <= 0 || cfg.Quant.Tick >= 1 {
		return invalid("quant.tick must be in (0, 1), got %v", cfg.Quant.Tick)
	}
	if cfg.Quant.SizeUnit <= 0 {
		return invalid("quant.sizeUnit must be positive, got %v", cfg.Quant.SizeUnit)
	}
	if t := cfg.Queue.RepriceThreshold; t <= 0 || t > 1 {
		return invalid("queue.repriceThreshold must be in (0, 1], got %v", t)
	}
	ks := cfg.KillSwitch
	if ks.RestartMaxBackoff < ks.RestartBaseBackoff {
		return invalid("killSwitch.restartMaxBackoff %s is below restartBaseBackoff %s",
			ks.RestartMaxBackoff.Std(), ks.RestartBaseBackoff.Std())
	}
	if ks.MaxDailyLoss < 0 {
		return invalid("killSwitch.maxDailyLoss must not be negative")
	}
	if cfg.Unwind.MaxTime <= 0 {
		return invalid("unwind.maxTime must be positive")
	}
	if cfg.Quote.Interval <= 0 || cfg.Quote.Size <= 0 {
		return invalid("quote.interval and quote.size must be positive")
	}
	for _, off := range cfg.Unwind.PriceOffsets {
		if off < 0 || off >= 100 {
			return invalid("unwind.priceOffsets must be in [0, 100), got %v", off)
		}
	}

	seen := make(map[string]struct{}, 2*len(cfg.Markets))
	for _, m := range cfg.Markets {
		if m.ID == "" || m.TokenA == "" || m.TokenB == "" || m.TokenA == m.TokenB {
			return invalid("market %q needs an id and two distinct tokens", m.ID)
		}
		for _, token := range []string{m.TokenA, m.TokenB} {
			if _, dup := seen[token]; dup {
				return invalid("token %s is listed twice", token)
			}
			seen[token] = struct{}{}
		}
	}
	return nil
}
