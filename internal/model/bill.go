package model

import (
	"fmt"
	"time"
)

// BillKind classifies the direction of a money movement.
type BillKind string

// Bill kind constants.
const (
	KindExpense  BillKind = "expense"
	KindIncome   BillKind = "income"
	KindTransfer BillKind = "transfer"
)

// Valid reports whether the kind is a supported transaction kind.
func (k BillKind) Valid() bool {
	switch k {
	case KindExpense, KindIncome, KindTransfer:
		return true
	}
	return false
}

// BillState is the merge lifecycle state of a BillRecord.
type BillState string

// Bill state constants.
const (
	// BillOpen accepts further merges.
	BillOpen BillState = "OPEN"
	// BillSettled is immutable; a later candidate with the same fingerprint
	// starts a fresh root.
	BillSettled BillState = "SETTLED"
)

// BillCandidate is the ephemeral output of rule or analyzer matching. It is
// never persisted directly; the merge engine consumes it immediately.
type BillCandidate struct {
	Kind         BillKind
	Currency     string
	Counterparty string
	FromAccount  string
	ToAccount    string
	Channel      string
	EventID      string
	// Amount is in minor units (fixed point, never floating point).
	Amount int64
	// OccurredAt is epoch milliseconds.
	OccurredAt int64
}

// BillRecord is the canonical persisted transaction, possibly built from many
// candidates. Amount and OccurredAt are fixed at creation and never altered by
// later merges.
type BillRecord struct {
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ID            string
	ParentID      string
	GroupID       string
	Kind          BillKind
	Currency      string
	Counterparty  string
	FromAccount   string
	ToAccount     string
	State         BillState
	Channels      []string
	Lineage       []string
	Amount        int64
	OccurredAt    int64
	AutoConfirmed bool
}

// IsRoot reports whether this record is the root of its transaction cluster.
func (b *BillRecord) IsRoot() bool {
	return b.ParentID == b.ID
}

// Fingerprint clusters candidates believed to describe the same real-world
// transaction: exact fixed-point amount plus a coarse time bucket. Kind is
// empty when kind matching is disabled.
type Fingerprint struct {
	Kind   BillKind
	Amount int64
	Bucket int64
}

// String renders the fingerprint as a lock/store key.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%d:%d:%s", f.Amount, f.Bucket, f.Kind)
}

// FingerprintOf computes a candidate's fingerprint. bucket is the width of the
// sliding time window; matchKind controls whether the transaction kind
// participates in clustering.
func FingerprintOf(c BillCandidate, bucket time.Duration, matchKind bool) Fingerprint {
	ms := bucket.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	fp := Fingerprint{
		Amount: c.Amount,
		Bucket: c.OccurredAt / ms,
	}
	if matchKind {
		fp.Kind = c.Kind
	}
	return fp
}
