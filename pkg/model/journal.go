package model

import "time"

// JournalEventType identifies the kind of journaled run event.
type JournalEventType string

const (
	EventRunCompleted JournalEventType = "run_completed"
	EventRunPartial   JournalEventType = "run_partial"
	EventRunFailed    JournalEventType = "run_failed"
)

// JournalRecord is a single line in the local run journal (JSONL format).
type JournalRecord struct {
	Timestamp  time.Time        `json:"timestamp"`
	RunID      string           `json:"run_id"`
	EventType  JournalEventType `json:"event_type"`
	Tag        SnapshotTag      `json:"tag,omitempty"`
	Cluster    string           `json:"cluster,omitempty"`
	Host       string           `json:"host,omitempty"`
	Details    map[string]any   `json:"details,omitempty"`
	PrevHash   HashValue        `json:"prev_hash"`
	RecordHash HashValue        `json:"record_hash"`
}
