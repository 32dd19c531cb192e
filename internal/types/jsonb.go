package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// These ensure the JSONB column types implement both sql.Scanner and
// driver.Valuer, catching any method signature drift at compile time.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*ScheduleDelay)(nil)
	_ driver.Valuer = ScheduleDelay{}
	_ sql.Scanner   = (*AudienceSelector)(nil)
	_ driver.Valuer = AudienceSelector{}
	_ sql.Scanner   = (*JSONPredicate)(nil)
	_ driver.Valuer = JSONPredicate{}
	_ sql.Scanner   = (*TriggerContext)(nil)
	_ driver.Valuer = TriggerContext{}
)

// scanJSONB scans a JSONB database value into a Go pointer. It handles nil
// values, []byte, and string representations from different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB converts a Go value to a JSONB-compatible driver.Value.
func valueJSONB(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements the sql.Scanner interface for reading JSONB.
func (d *ScheduleDelay) Scan(value any) error {
	return scanJSONB(d, value)
}

// Value implements the driver.Valuer interface for writing JSONB.
func (d ScheduleDelay) Value() (driver.Value, error) {
	return valueJSONB(d)
}

// Scan implements the sql.Scanner interface for reading JSONB.
func (a *AudienceSelector) Scan(value any) error {
	return scanJSONB(a, value)
}

// Value implements the driver.Valuer interface for writing JSONB.
func (a AudienceSelector) Value() (driver.Value, error) {
	return valueJSONB(a)
}

// Scan implements the sql.Scanner interface for reading JSONB.
func (p *JSONPredicate) Scan(value any) error {
	return scanJSONB(p, value)
}

// Value implements the driver.Valuer interface for writing JSONB.
func (p JSONPredicate) Value() (driver.Value, error) {
	return valueJSONB(p)
}

// Scan implements the sql.Scanner interface for reading JSONB.
func (tc *TriggerContext) Scan(value any) error {
	return scanJSONB(tc, value)
}

// Value implements the driver.Valuer interface for writing JSONB.
func (tc TriggerContext) Value() (driver.Value, error) {
	return valueJSONB(tc)
}
