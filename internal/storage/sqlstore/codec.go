package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// tsLayout is fixed width so lexical order equals time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullInt maps an optional scaled amount to a driver value.
func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// nullStr stores empty optional text as NULL.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func encodeExtras(m map[string]json.RawMessage) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode extras: %w", err)
	}
	return string(data), nil
}

func decodeExtras(s sql.NullString) (map[string]json.RawMessage, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode extras: %w", err)
	}
	return m, nil
}

// differ collects the names of columns whose stored and incoming values
// disagree.
type differ struct {
	fields []string
}

func (d *differ) str(name, stored, incoming string) {
	if stored != incoming {
		d.fields = append(d.fields, name)
	}
}

func (d *differ) nstr(name string, stored sql.NullString, incoming string) {
	d.str(name, stored.String, incoming)
}

func (d *differ) i64(name string, stored, incoming int64) {
	if stored != incoming {
		d.fields = append(d.fields, name)
	}
}

func (d *differ) opt(name string, stored sql.NullInt64, incoming *int64) {
	switch {
	case !stored.Valid && incoming == nil:
	case stored.Valid && incoming != nil && stored.Int64 == *incoming:
	default:
		d.fields = append(d.fields, name)
	}
}

func (d *differ) diverged() bool {
	return len(d.fields) > 0
}
