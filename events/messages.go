package events

import (
	"encoding/json"
	"time"

	"github.com/warp/allocation-engine/allocation"
)

// RoutingOverrideChanged is the routing key of override mutation events.
const RoutingOverrideChanged = "override.changed"

// OverrideChanged tells peer instances that a workspace's derived views are
// stale. It carries no allocation data: peers recompute from storage.
type OverrideChanged struct {
	WorkspaceID string    `json:"workspace_id"`
	Month       string    `json:"month"` // YYYY-MM
	Origin      string    `json:"origin"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewOverrideChanged(ws allocation.WorkspaceID, month allocation.MonthKey, origin string) *OverrideChanged {
	return &OverrideChanged{
		WorkspaceID: string(ws),
		Month:       month.String(),
		Origin:      origin,
		Timestamp:   time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *OverrideChanged) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// OverrideChangedFromJSON parses and validates a message body.
func OverrideChangedFromJSON(data []byte) (*OverrideChanged, error) {
	var msg OverrideChanged
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.WorkspaceID == "" {
		return nil, allocation.NewValidationError("workspace_id", "", "is required")
	}
	if _, err := allocation.ParseMonthKey(msg.Month); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MonthKey returns the parsed month. Valid after OverrideChangedFromJSON.
func (m *OverrideChanged) MonthKey() allocation.MonthKey {
	k, _ := allocation.ParseMonthKey(m.Month)
	return k
}
