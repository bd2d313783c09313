package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"polymm/internal/model"
)

// Snapshot captures the book at a point in time. Clean is false while the
// process runs, so a snapshot left behind by a crash reads as unclean.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Clean     bool             `json:"clean"`
	Positions []model.Position `json:"positions"`
}

// Snapshot builds a snapshot sorted by market.
func (b *Book) Snapshot(clean bool) Snapshot {
	b.mu.Lock()
	entries := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		entries = append(entries, *p)
	}
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MarketID < entries[j].MarketID
	})
	return Snapshot{
		Timestamp: time.Now().UTC(),
		Clean:     clean,
		Positions: entries,
	}
}

// WriteSnapshot writes a snapshot to disk as JSON, replacing the old file
// atomically.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// CompareSnapshots checks if two snapshots hold the same quantities.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Positions) != len(actual.Positions) {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	expectedMap := make(map[string]model.Position, len(expected.Positions))
	for _, p := range expected.Positions {
		expectedMap[p.MarketID] = p
	}
	for _, p := range actual.Positions {
		want, ok := expectedMap[p.MarketID]
		if !ok {
			return fmt.Errorf("snapshot missing market: %s", p.MarketID)
		}
		if !want.QtyA.Equal(p.QtyA) || !want.QtyB.Equal(p.QtyB) {
			return fmt.Errorf("snapshot qty mismatch: market=%s expected=%s/%s actual=%s/%s",
				p.MarketID, want.QtyA, want.QtyB, p.QtyA, p.QtyB)
		}
	}
	return nil
}
