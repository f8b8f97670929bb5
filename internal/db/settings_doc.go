package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// SettingsDoc is a JSONB settings object. Nested objects decode as map[string]any.
type SettingsDoc map[string]any

// Scan implements sql.Scanner for reading from the database.
func (d *SettingsDoc) Scan(value any) error {
	if value == nil {
		*d = SettingsDoc{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("db.SettingsDoc.Scan: expected []byte or string, got %T", value)
	}
}

// Value implements driver.Valuer for writing to the database.
func (d SettingsDoc) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}

// TextValue implements the pgtype.TextValuer interface for pgx v5.
func (d SettingsDoc) TextValue() (pgtype.Text, error) {
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return pgtype.Text{}, err
	}
	return pgtype.Text{String: string(b), Valid: true}, nil
}

// Clone returns a deep copy.
func (d SettingsDoc) Clone() SettingsDoc {
	if d == nil {
		return SettingsDoc{}
	}
	return SettingsDoc(cloneValue(map[string]any(d)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case SettingsDoc:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// MergeSettings deep-merges layers left to right. Later layers win per key;
// nested objects are merged recursively and all other values are replaced.
func MergeSettings(layers ...SettingsDoc) SettingsDoc {
	out := map[string]any{}
	for _, layer := range layers {
		mergeInto(out, map[string]any(layer))
	}
	return SettingsDoc(out)
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := asMap(v)
		if !srcIsMap {
			dst[k] = cloneValue(v)
			continue
		}
		dstMap, dstIsMap := asMap(dst[k])
		if !dstIsMap {
			dstMap = map[string]any{}
		}
		mergeInto(dstMap, srcMap)
		dst[k] = dstMap
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case SettingsDoc:
		return map[string]any(t), true
	}
	return nil, false
}
