package domain

import (
	"sort"
	"time"
)

type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// DataDelta is one detected change to a source entity. Priority 1 is applied first.
type DataDelta struct {
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ChangeType ChangeType `json:"change_type"`
	ChangedAt  time.Time  `json:"changed_at"`
	Priority   int        `json:"priority"`
	OldValues  Entity     `json:"old_values,omitempty"`
	NewValues  Entity     `json:"new_values,omitempty"`
}

// SortDeltas orders deltas by (priority, changedAt). Entity type, id and change
// type break ties so the result does not depend on the input order.
func SortDeltas(deltas []DataDelta) []DataDelta {
	out := append([]DataDelta(nil), deltas...)
	sort.SliceStable(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ChangedAt.Equal(b.ChangedAt) {
			return a.ChangedAt.Before(b.ChangedAt)
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.ChangeType < b.ChangeType
	})
	return out
}
