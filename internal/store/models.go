package store

import "time"

// Entry is one journal record: a connection transition, a snapshot or a
// property write. It is diagnostics only; nothing is restored from it.
type Entry struct {
	Seq    uint64         `json:"seq"`
	Time   time.Time      `json:"time"`
	Type   string         `json:"type"`
	Detail map[string]any `json:"detail,omitempty"`
}
