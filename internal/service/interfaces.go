// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
)

// Storage defines the contract for our persistence layer.
type Storage interface {
	// Raw event operations
	SaveRawEvent(ctx context.Context, event *model.RawEvent) error
	GetRawEventByID(ctx context.Context, id string) (*model.RawEvent, error)
	MarkRawEventStatus(ctx context.Context, id string, status model.RawEventStatus) error
	ListUnmatchedRawEvents(ctx context.Context, limit int) ([]model.RawEvent, error)
	ListApps(ctx context.Context) ([]string, error)

	// Rule operations
	SaveRule(ctx context.Context, rule *model.Rule) error
	GetRuleByID(ctx context.Context, id int64) (*model.Rule, error)
	GetRulesFor(ctx context.Context, app string, channel model.Channel) ([]model.Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]model.Rule, error)
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
	IncrementRuleUseCount(ctx context.Context, id int64) error
	DeleteRule(ctx context.Context, id int64) error

	// Bill operations
	SaveBill(ctx context.Context, bill *model.BillRecord) error
	UpdateBill(ctx context.Context, bill *model.BillRecord) error
	GetBillByID(ctx context.Context, id string) (*model.BillRecord, error)
	GetBillsByGroup(ctx context.Context, groupID string) ([]model.BillRecord, error)
	FindOpenBillByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.BillRecord, error)
	ListBillGroups(ctx context.Context, start, end time.Time) ([]BillGroup, error)
	SettleBillsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FinalizeBill(ctx context.Context, id string) error

	// Merge audit trail
	AppendBillAudit(ctx context.Context, entries []model.AuditEntry) error
	GetBillAudit(ctx context.Context, billID string) ([]model.AuditEntry, error)

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit() error
	Rollback() error
	// Include all Storage methods for use within transaction
	Storage
}

// RuleFilter defines filtering options for rule queries.
type RuleFilter struct {
	App     string
	Channel model.Channel
	Origin  model.RuleOrigin
}

// BillGroup is one transaction cluster as seen by external consumers.
type BillGroup struct {
	Date      time.Time
	GroupID   string
	MemberIDs []string
}

// Settings supplies user-tunable pipeline configuration: the known-asset set
// and the merge-window/TTL durations.
type Settings interface {
	KnownAssets() map[string]struct{}
	MergeWindow() time.Duration
	TimeBucket() time.Duration
	DedupTTL() time.Duration
	AnalyzerTimeout() time.Duration
	MatchKind() bool
}

// RuleSource supplies enabled rules scoped by app and channel.
type RuleSource interface {
	RulesFor(ctx context.Context, app string, channel model.Channel) ([]model.Rule, error)
}

// Analyzer is the AI fallback collaborator, invoked when no rule matches.
// Implementations may be slow; callers pass a context with a deadline.
type Analyzer interface {
	Analyze(ctx context.Context, app string, channel model.Channel, payload string) (*model.BillCandidate, error)
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
