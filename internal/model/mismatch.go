package model

import "encoding/json"

type MismatchType string

const (
	MismatchGhostOrder      MismatchType = "ghost_order"
	MismatchOrphanOrder     MismatchType = "orphan_order"
	MismatchFillMismatch    MismatchType = "fill_mismatch"
	MismatchVenueFetchError MismatchType = "venue_fetch_error"
)

// Mismatch is one divergence found by a reconciliation cycle.
type Mismatch struct {
	Type       MismatchType
	Detail     string
	LocalOrder *Order
	VenueOrder *Order
	Extra      map[string]any
}

// Map returns the flat serialized form. Extra fields sit next to the fixed ones
// and never override them.
func (m Mismatch) Map() map[string]any {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["type"] = string(m.Type)
	out["detail"] = m.Detail
	if m.LocalOrder != nil {
		out["local_order"] = *m.LocalOrder
	}
	if m.VenueOrder != nil {
		out["venue_order"] = *m.VenueOrder
	}
	return out
}

func (m Mismatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

// CountMismatches breaks a mismatch list down by type.
func CountMismatches(mismatches []Mismatch) map[string]int {
	counts := make(map[string]int, 4)
	for _, m := range mismatches {
		counts[string(m.Type)]++
	}
	return counts
}
