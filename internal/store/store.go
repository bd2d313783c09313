// Package store persists the kill switch audit trail and unwind reports to
// PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"time"

	"polymm/internal/bus"
	"polymm/internal/errors"
	"polymm/internal/model"
	"polymm/internal/unwind"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
)

const writeTimeout = 5 * time.Second

// TriggerRow is one kill switch event.
type TriggerRow struct {
	ID            uint64    `gorm:"primaryKey"`
	Action        string    `gorm:"size:32;index"`
	Trigger       string    `gorm:"size:64;index"`
	CorrelationID string    `gorm:"size:64"`
	Details       string    `gorm:"type:jsonb"`
	OccurredAt    time.Time `gorm:"index"`
	CreatedAt     time.Time
}

func (TriggerRow) TableName() string {
	return "kill_switch_events"
}

// UnwindRow is one finished unwind with its full JSON report.
type UnwindRow struct {
	ID          uint64 `gorm:"primaryKey"`
	Reason      string `gorm:"size:128"`
	Strategy    string `gorm:"size:16"`
	Success     bool   `gorm:"index"`
	TimedOut    bool
	TotalMerged decimal.Decimal `gorm:"type:numeric"`
	TotalSold   decimal.Decimal `gorm:"type:numeric"`
	Orphaned    int
	Report      string `gorm:"type:jsonb"`
	StartedAt   time.Time
	FinishedAt  time.Time
	CreatedAt   time.Time
}

func (UnwindRow) TableName() string {
	return "unwind_reports"
}

// Subscriber is the event bus as seen by the store.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) *bus.Subscription
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&TriggerRow{}, &UnwindRow{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

// SaveEvent stores a kill switch event.
func (s *Store) SaveEvent(ctx context.Context, e model.Event) error {
	row, err := triggerRowFromEvent(e)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "save kill switch event %s", e.CorrelationID)
	}
	return nil
}

func (s *Store) SaveUnwindReport(ctx context.Context, r *unwind.Report) error {
	row, err := unwindRowFromReport(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "save unwind report")
	}
	return nil
}

// RecentTriggers returns the newest kill switch events first.
func (s *Store) RecentTriggers(ctx context.Context, limit int) ([]TriggerRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []TriggerRow
	err := s.db.WithContext(ctx).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query kill switch events")
	}
	return rows, nil
}

// Consume persists every kill switch event until ctx is done, then writes
// the events still buffered. Write failures are logged and skipped.
func (s *Store) Consume(ctx context.Context, sub Subscriber) error {
	consume(ctx, sub, s.save)
	return nil
}

func consume(ctx context.Context, sub Subscriber, write func(context.Context, model.Event) error) {
	writeCtx := context.WithoutCancel(ctx)
	subscription := sub.Subscribe(ctx, model.TopicKillSwitch)
	subscription.Run(ctx, func(e model.Event) {
		if err := write(writeCtx, e); err != nil {
			logs.Errorf("persist kill switch event failed, err: %+v", err)
		}
	})
}

func (s *Store) save(ctx context.Context, e model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.SaveEvent(ctx, e)
}

func triggerRowFromEvent(e model.Event) (TriggerRow, error) {
	details, err := json.Marshal(e.Payload["details"])
	if err != nil {
		return TriggerRow{}, errors.Wrap(err, "marshal event details")
	}
	action, _ := e.Payload["action"].(string)
	trigger, _ := e.Payload["trigger"].(string)
	return TriggerRow{
		Action:        action,
		Trigger:       trigger,
		CorrelationID: e.CorrelationID,
		Details:       string(details),
		OccurredAt:    e.Timestamp.UTC(),
	}, nil
}

func unwindRowFromReport(r *unwind.Report) (UnwindRow, error) {
	report, err := json.Marshal(r)
	if err != nil {
		return UnwindRow{}, errors.Wrap(err, "marshal unwind report")
	}
	return UnwindRow{
		Reason:      r.Reason,
		Strategy:    r.Strategy.String(),
		Success:     r.Success,
		TimedOut:    r.TimedOut,
		TotalMerged: r.TotalMerged,
		TotalSold:   r.TotalSold,
		Orphaned:    len(r.Orphaned),
		Report:      string(report),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}, nil
}
