package cdc

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Operation markers carried in __op.
const (
	OpCreate = "c"
	OpUpdate = "u"
	OpDelete = "d"
	OpRead   = "r"
)

// Change is one flattened row-level change event.
type Change struct {
	Op      string
	Deleted bool
	// SourceTsMs is the commit time at the source; nil when absent.
	SourceTsMs *int64
	Row        Row
}

func (c Change) IsDelete() bool { return c.Deleted || c.Op == OpDelete }

// DecodeChange parses a flattened change event. ok is false for empty
// (tombstone) payloads, which carry nothing to apply.
func DecodeChange(value []byte) (ch Change, ok bool, err error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return Change{}, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return Change{}, false, fmt.Errorf("decode change: %w", err)
	}
	ch = Change{Op: row.StringOr("__op", OpCreate), Row: row}
	switch ch.Op {
	case OpCreate, OpUpdate, OpDelete, OpRead:
	default:
		return Change{}, false, fmt.Errorf("unknown operation %q", ch.Op)
	}
	ch.Deleted = row.String("__deleted") == "true"
	if ts, err := row.Int64("__source_ts_ms"); err == nil && ts > 0 {
		ch.SourceTsMs = &ts
	}
	return ch, true, nil
}
