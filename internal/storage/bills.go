package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// SaveBill inserts a new bill record. The open-fingerprint unique index rejects
// a second OPEN root with the same fingerprint.
func (s *SQLiteStorage) SaveBill(ctx context.Context, bill *model.BillRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBill(bill); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveBillTx(ctx, tx, bill); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) saveBillTx(ctx context.Context, tx *sql.Tx, bill *model.BillRecord) error {
	channels, lineage, err := marshalBillLists(bill)
	if err != nil {
		return err
	}

	fp := s.billFingerprint(bill)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bills (id, parent_id, group_id, kind, amount, currency, occurred_at,
			fp_bucket, fp_kind, counterparty, from_account, to_account,
			channels, lineage, state, auto_confirmed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, bill.ID, bill.ParentID, bill.GroupID, string(bill.Kind), bill.Amount, bill.Currency,
		bill.OccurredAt, fp.Bucket, string(fp.Kind), bill.Counterparty, bill.FromAccount,
		bill.ToAccount, channels, lineage, string(bill.State), bill.AutoConfirmed)
	if err != nil {
		return fmt.Errorf("failed to save bill: %w", err)
	}
	return nil
}

// UpdateBill rewrites the mergeable fields of an existing record. Amount and
// occurrence time are intentionally not part of the UPDATE.
func (s *SQLiteStorage) UpdateBill(ctx context.Context, bill *model.BillRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBill(bill); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateBillTx(ctx, tx, bill); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) updateBillTx(ctx context.Context, tx *sql.Tx, bill *model.BillRecord) error {
	channels, lineage, err := marshalBillLists(bill)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE bills SET counterparty = ?, from_account = ?, to_account = ?,
			channels = ?, lineage = ?, state = ?, auto_confirmed = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, bill.Counterparty, bill.FromAccount, bill.ToAccount,
		channels, lineage, string(bill.State), bill.AutoConfirmed, bill.ID)
	if err != nil {
		return fmt.Errorf("failed to update bill: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("bill %s: %w", bill.ID, common.ErrNotFound)
	}
	return nil
}

// GetBillByID fetches a single bill record.
func (s *SQLiteStorage) GetBillByID(ctx context.Context, id string) (*model.BillRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	bill, err := s.getBillByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	return bill, tx.Commit()
}

const billColumns = `id, parent_id, group_id, kind, amount, currency, occurred_at,
	counterparty, from_account, to_account, channels, lineage, state, auto_confirmed,
	created_at, updated_at`

func (s *SQLiteStorage) getBillByIDTx(ctx context.Context, tx *sql.Tx, id string) (*model.BillRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE id = ?`, id)

	bill, err := scanBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bill %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	return bill, nil
}

// GetBillsByGroup returns every record sharing a group identifier, root first.
func (s *SQLiteStorage) GetBillsByGroup(ctx context.Context, groupID string) ([]model.BillRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(groupID, "groupID"); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	bills, err := s.getBillsByGroupTx(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}

	return bills, tx.Commit()
}

func (s *SQLiteStorage) getBillsByGroupTx(ctx context.Context, tx *sql.Tx, groupID string) ([]model.BillRecord, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE group_id = ? ORDER BY (id = parent_id) DESC, created_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bills []model.BillRecord
	for rows.Next() {
		bill, scanErr := scanBill(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan bill: %w", scanErr)
		}
		bills = append(bills, *bill)
	}

	return bills, rows.Err()
}

// FindOpenBillByFingerprint looks up the OPEN record carrying a fingerprint.
// Settled records are never returned.
func (s *SQLiteStorage) FindOpenBillByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.BillRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	bill, err := s.findOpenBillByFingerprintTx(ctx, tx, fp)
	if err != nil {
		return nil, err
	}

	return bill, tx.Commit()
}

func (s *SQLiteStorage) findOpenBillByFingerprintTx(ctx context.Context, tx *sql.Tx, fp model.Fingerprint) (*model.BillRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE amount = ? AND fp_bucket = ? AND fp_kind = ? AND state = ?
	`, fp.Amount, fp.Bucket, string(fp.Kind), string(model.BillOpen))

	bill, err := scanBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fp, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bill by fingerprint: %w", err)
	}
	return bill, nil
}

// ListBillGroups returns (date, memberIds) pairs for root records in the range.
func (s *SQLiteStorage) ListBillGroups(ctx context.Context, start, end time.Time) ([]service.BillGroup, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %v after %v", ErrInvalidDateRange, start, end)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	groups, err := s.listBillGroupsTx(ctx, tx, start, end)
	if err != nil {
		return nil, err
	}

	return groups, tx.Commit()
}

func (s *SQLiteStorage) listBillGroupsTx(ctx context.Context, tx *sql.Tx, start, end time.Time) ([]service.BillGroup, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT group_id, MIN(occurred_at), GROUP_CONCAT(id)
		FROM bills WHERE occurred_at >= ? AND occurred_at < ?
		GROUP BY group_id ORDER BY MIN(occurred_at)
	`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list bill groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []service.BillGroup
	for rows.Next() {
		var g service.BillGroup
		var occurredAt int64
		var members string
		if err := rows.Scan(&g.GroupID, &occurredAt, &members); err != nil {
			return nil, fmt.Errorf("failed to scan bill group: %w", err)
		}
		g.Date = time.UnixMilli(occurredAt).UTC()
		g.MemberIDs = splitConcat(members)
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// SettleBillsBefore transitions OPEN records untouched since the cutoff to
// SETTLED. Returns the number of records settled.
func (s *SQLiteStorage) SettleBillsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := s.settleBillsBeforeTx(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}

	return n, tx.Commit()
}

func (s *SQLiteStorage) settleBillsBeforeTx(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE bills SET state = ? WHERE state = ? AND updated_at < ?
	`, string(model.BillSettled), string(model.BillOpen), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to settle bills: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count settled bills: %w", err)
	}
	return n, nil
}

// FinalizeBill explicitly settles a single record.
func (s *SQLiteStorage) FinalizeBill(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.finalizeBillTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) finalizeBillTx(ctx context.Context, tx *sql.Tx, id string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE bills SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(model.BillSettled), id)
	if err != nil {
		return fmt.Errorf("failed to finalize bill: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check finalize: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("bill %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// AppendBillAudit records which event contributed which field values.
func (s *SQLiteStorage) AppendBillAudit(ctx context.Context, entries []model.AuditEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendBillAuditTx(ctx, tx, entries); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) appendBillAuditTx(ctx context.Context, tx *sql.Tx, entries []model.AuditEntry) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bill_audit (bill_id, event_id, field, value) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, entry.BillID, entry.EventID, entry.Field, entry.Value); err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

// GetBillAudit returns the audit trail for a bill, oldest first.
func (s *SQLiteStorage) GetBillAudit(ctx context.Context, billID string) ([]model.AuditEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(billID, "billID"); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entries, err := s.getBillAuditTx(ctx, tx, billID)
	if err != nil {
		return nil, err
	}

	return entries, tx.Commit()
}

func (s *SQLiteStorage) getBillAuditTx(ctx context.Context, tx *sql.Tx, billID string) ([]model.AuditEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, bill_id, event_id, field, value, created_at
		FROM bill_audit WHERE bill_id = ? ORDER BY id
	`, billID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditEntry
	for rows.Next() {
		var entry model.AuditEntry
		if err := rows.Scan(&entry.ID, &entry.BillID, &entry.EventID, &entry.Field, &entry.Value, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// billFingerprint recomputes the stored fingerprint columns from a record.
func (s *SQLiteStorage) billFingerprint(bill *model.BillRecord) model.Fingerprint {
	cand := model.BillCandidate{Amount: bill.Amount, OccurredAt: bill.OccurredAt, Kind: bill.Kind}
	return model.FingerprintOf(cand, s.bucket, s.matchKind)
}

func marshalBillLists(bill *model.BillRecord) (channels string, lineage string, err error) {
	channelsBytes, err := json.Marshal(emptyIfNil(bill.Channels))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal channels: %w", err)
	}
	lineageBytes, err := json.Marshal(emptyIfNil(bill.Lineage))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal lineage: %w", err)
	}
	return string(channelsBytes), string(lineageBytes), nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func scanBill(row scanner) (*model.BillRecord, error) {
	var bill model.BillRecord
	var kind, state, channels, lineage string
	var counterparty, fromAccount, toAccount sql.NullString
	err := row.Scan(&bill.ID, &bill.ParentID, &bill.GroupID, &kind, &bill.Amount,
		&bill.Currency, &bill.OccurredAt, &counterparty, &fromAccount, &toAccount,
		&channels, &lineage, &state, &bill.AutoConfirmed, &bill.CreatedAt, &bill.UpdatedAt)
	if err != nil {
		return nil, err
	}

	bill.Kind = model.BillKind(kind)
	bill.State = model.BillState(state)
	bill.Counterparty = counterparty.String
	bill.FromAccount = fromAccount.String
	bill.ToAccount = toAccount.String
	if err := json.Unmarshal([]byte(channels), &bill.Channels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channels: %w", err)
	}
	if err := json.Unmarshal([]byte(lineage), &bill.Lineage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lineage: %w", err)
	}
	return &bill, nil
}

func splitConcat(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
