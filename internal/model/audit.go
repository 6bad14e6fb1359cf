package model

import "time"

// AuditEntry records which RawEvent contributed a field value during a merge.
// Metadata only; it never participates in matching.
type AuditEntry struct {
	CreatedAt time.Time
	BillID    string
	EventID   string
	Field     string
	Value     string
	ID        int64
}
