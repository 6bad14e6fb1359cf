// Package storage provides the data persistence layer for the autoledger application.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/service"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db        *sql.DB
	dbPath    string
	bucket    time.Duration
	matchKind bool
}

// Config holds fingerprint tuning for the storage layer. The stored
// fingerprint columns must be computed with the same parameters the merge
// engine uses for lookups.
type Config struct {
	Bucket    time.Duration
	MatchKind bool
}

// DefaultConfig returns the default fingerprint configuration.
func DefaultConfig() Config {
	return Config{
		Bucket:    time.Minute,
		MatchKind: true,
	}
}

// NewSQLiteStorage creates a new SQLite storage instance with default
// fingerprint parameters.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	return NewSQLiteStorageWithConfig(dbPath, DefaultConfig())
}

// NewSQLiteStorageWithConfig creates a new SQLite storage instance.
func NewSQLiteStorageWithConfig(dbPath string, cfg Config) (*SQLiteStorage, error) {
	// Validate input
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	// Ensure directory exists for file-backed databases
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Bucket <= 0 {
		cfg.Bucket = time.Minute
	}

	return &SQLiteStorage{
		db:        db,
		dbPath:    dbPath,
		bucket:    cfg.Bucket,
		matchKind: cfg.MatchKind,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// sqliteTransaction wraps sql.Tx to implement service.Transaction.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

// Transaction methods delegate to the main storage with the transaction.
func (t *sqliteTransaction) SaveRawEvent(ctx context.Context, event *model.RawEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRawEvent(event); err != nil {
		return err
	}
	return t.storage.saveRawEventTx(ctx, t.tx, event)
}

func (t *sqliteTransaction) GetRawEventByID(ctx context.Context, id string) (*model.RawEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getRawEventByIDTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) MarkRawEventStatus(ctx context.Context, id string, status model.RawEventStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.markRawEventStatusTx(ctx, t.tx, id, status)
}

func (t *sqliteTransaction) ListUnmatchedRawEvents(ctx context.Context, limit int) ([]model.RawEvent, error) {
	return t.storage.listUnmatchedRawEventsTx(ctx, t.tx, limit)
}

func (t *sqliteTransaction) ListApps(ctx context.Context) ([]string, error) {
	return t.storage.listAppsTx(ctx, t.tx)
}

func (t *sqliteTransaction) SaveRule(ctx context.Context, rule *model.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return t.storage.saveRuleTx(ctx, t.tx, rule)
}

func (t *sqliteTransaction) GetRuleByID(ctx context.Context, id int64) (*model.Rule, error) {
	return t.storage.getRuleByIDTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) GetRulesFor(ctx context.Context, app string, channel model.Channel) ([]model.Rule, error) {
	return t.storage.getRulesForTx(ctx, t.tx, app, channel)
}

func (t *sqliteTransaction) ListRules(ctx context.Context, filter service.RuleFilter) ([]model.Rule, error) {
	return t.storage.listRulesTx(ctx, t.tx, filter)
}

func (t *sqliteTransaction) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	return t.storage.setRuleEnabledTx(ctx, t.tx, id, enabled)
}

func (t *sqliteTransaction) IncrementRuleUseCount(ctx context.Context, id int64) error {
	return t.storage.incrementRuleUseCountTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) DeleteRule(ctx context.Context, id int64) error {
	return t.storage.deleteRuleTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) SaveBill(ctx context.Context, bill *model.BillRecord) error {
	if err := validateBill(bill); err != nil {
		return err
	}
	return t.storage.saveBillTx(ctx, t.tx, bill)
}

func (t *sqliteTransaction) UpdateBill(ctx context.Context, bill *model.BillRecord) error {
	if err := validateBill(bill); err != nil {
		return err
	}
	return t.storage.updateBillTx(ctx, t.tx, bill)
}

func (t *sqliteTransaction) GetBillByID(ctx context.Context, id string) (*model.BillRecord, error) {
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getBillByIDTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) GetBillsByGroup(ctx context.Context, groupID string) ([]model.BillRecord, error) {
	if err := validateString(groupID, "groupID"); err != nil {
		return nil, err
	}
	return t.storage.getBillsByGroupTx(ctx, t.tx, groupID)
}

func (t *sqliteTransaction) FindOpenBillByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.BillRecord, error) {
	return t.storage.findOpenBillByFingerprintTx(ctx, t.tx, fp)
}

func (t *sqliteTransaction) ListBillGroups(ctx context.Context, start, end time.Time) ([]service.BillGroup, error) {
	return t.storage.listBillGroupsTx(ctx, t.tx, start, end)
}

func (t *sqliteTransaction) SettleBillsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.storage.settleBillsBeforeTx(ctx, t.tx, cutoff)
}

func (t *sqliteTransaction) FinalizeBill(ctx context.Context, id string) error {
	return t.storage.finalizeBillTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) AppendBillAudit(ctx context.Context, entries []model.AuditEntry) error {
	return t.storage.appendBillAuditTx(ctx, t.tx, entries)
}

func (t *sqliteTransaction) GetBillAudit(ctx context.Context, billID string) ([]model.AuditEntry, error) {
	return t.storage.getBillAuditTx(ctx, t.tx, billID)
}

func (t *sqliteTransaction) Migrate(_ context.Context) error {
	// Migrations should not be run within a transaction
	return fmt.Errorf("migrations cannot be run within a transaction")
}

func (t *sqliteTransaction) BeginTx(_ context.Context) (service.Transaction, error) {
	// Nested transactions not supported
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *sqliteTransaction) Close() error {
	// Transactions should be committed or rolled back, not closed
	return fmt.Errorf("transactions must be committed or rolled back, not closed")
}
