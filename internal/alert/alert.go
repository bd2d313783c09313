// Package alert delivers operator notifications.
package alert

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/yanun0323/logs"
)

type Severity uint8

const (
	_severity_beg Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityCritical
	_severity_end
)

func (s Severity) IsAvailable() bool {
	return s > _severity_beg && s < _severity_end
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alerter sends one alert. Callers treat errors as non-fatal.
type Alerter interface {
	Send(ctx context.Context, title, message string, severity Severity, details map[string]any) error
}

// Log writes alerts to the process log.
type Log struct{}

func (Log) Send(_ context.Context, title, message string, severity Severity, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}

	switch severity {
	case SeverityCritical:
		logs.Errorf("[ALERT][%s] %s: %s, details: %s", severity, title, message, payload)
	case SeverityWarning:
		logs.Warnf("[ALERT][%s] %s: %s, details: %s", severity, title, message, payload)
	default:
		logs.Infof("[ALERT][%s] %s: %s, details: %s", severity, title, message, payload)
	}
	return nil
}

// Record is one captured alert.
type Record struct {
	Title    string
	Message  string
	Severity Severity
	Details  map[string]any
}

// Recorder keeps every alert in memory and optionally forwards it.
type Recorder struct {
	Next Alerter
	Err  error

	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Send(ctx context.Context, title, message string, severity Severity, details map[string]any) error {
	r.mu.Lock()
	r.records = append(r.records, Record{Title: title, Message: message, Severity: severity, Details: details})
	err := r.Err
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if r.Next != nil {
		return r.Next.Send(ctx, title, message, severity, details)
	}
	return nil
}

// Records returns a copy of everything sent so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Multi fans an alert out to every sink and returns the first error.
type Multi []Alerter

func (m Multi) Send(ctx context.Context, title, message string, severity Severity, details map[string]any) error {
	var first error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Send(ctx, title, message, severity, details); err != nil && first == nil {
			first = err
		}
	}
	return first
}
