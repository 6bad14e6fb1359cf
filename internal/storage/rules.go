package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// SaveRule inserts a new rule or updates an existing one by ID.
func (s *SQLiteStorage) SaveRule(ctx context.Context, rule *model.Rule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveRuleTx(ctx, tx, rule); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) saveRuleTx(ctx context.Context, tx *sql.Tx, rule *model.Rule) error {
	if rule.ID == 0 {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO rules (name, app, channel, kind, body, origin, priority, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rule.Name, rule.App, string(rule.Channel), string(rule.Kind), rule.Body,
			string(rule.Origin), rule.Priority, rule.Enabled)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get rule id: %w", err)
		}
		rule.ID = id
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE rules SET name = ?, app = ?, channel = ?, kind = ?, body = ?,
			origin = ?, priority = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, rule.Name, rule.App, string(rule.Channel), string(rule.Kind), rule.Body,
		string(rule.Origin), rule.Priority, rule.Enabled, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

// GetRuleByID fetches a single rule.
func (s *SQLiteStorage) GetRuleByID(ctx context.Context, id int64) (*model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rule, err := s.getRuleByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	return rule, tx.Commit()
}

func (s *SQLiteStorage) getRuleByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*model.Rule, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, app, channel, kind, body, origin, priority, use_count, enabled, created_at, updated_at
		FROM rules WHERE id = ?
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// GetRulesFor returns enabled rules applicable to (app, channel), in
// evaluation order.
func (s *SQLiteStorage) GetRulesFor(ctx context.Context, app string, channel model.Channel) ([]model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(app, "app"); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rules, err := s.getRulesForTx(ctx, tx, app, channel)
	if err != nil {
		return nil, err
	}

	return rules, tx.Commit()
}

func (s *SQLiteStorage) getRulesForTx(ctx context.Context, tx *sql.Tx, app string, channel model.Channel) ([]model.Rule, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, app, channel, kind, body, origin, priority, use_count, enabled, created_at, updated_at
		FROM rules WHERE app = ? AND channel = ? AND enabled = 1
	`, app, string(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rules, err := collectRules(rows)
	if err != nil {
		return nil, err
	}

	model.SortRules(rules)
	return rules, nil
}

// ListRules returns rules matching the filter, including disabled ones.
func (s *SQLiteStorage) ListRules(ctx context.Context, filter service.RuleFilter) ([]model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rules, err := s.listRulesTx(ctx, tx, filter)
	if err != nil {
		return nil, err
	}

	return rules, tx.Commit()
}

func (s *SQLiteStorage) listRulesTx(ctx context.Context, tx *sql.Tx, filter service.RuleFilter) ([]model.Rule, error) {
	query := `SELECT id, name, app, channel, kind, body, origin, priority, use_count, enabled, created_at, updated_at FROM rules`
	var conds []string
	var args []any

	if filter.App != "" {
		conds = append(conds, "app = ?")
		args = append(args, filter.App)
	}
	if filter.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, string(filter.Channel))
	}
	if filter.Origin != "" {
		conds = append(conds, "origin = ?")
		args = append(args, string(filter.Origin))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectRules(rows)
}

// SetRuleEnabled toggles a rule without touching its body.
func (s *SQLiteStorage) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.setRuleEnabledTx(ctx, tx, id, enabled); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) setRuleEnabledTx(ctx context.Context, tx *sql.Tx, id int64, enabled bool) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE rules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to toggle rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %d: %w", id, common.ErrNotFound)
	}
	return nil
}

// IncrementRuleUseCount bumps a rule's usage counter. Best effort; callers may
// ignore the error.
func (s *SQLiteStorage) IncrementRuleUseCount(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.incrementRuleUseCountTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) incrementRuleUseCountTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE rules SET use_count = use_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment rule use count: %w", err)
	}
	return nil
}

// DeleteRule removes a rule permanently.
func (s *SQLiteStorage) DeleteRule(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.deleteRuleTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) deleteRuleTx(ctx context.Context, tx *sql.Tx, id int64) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %d: %w", id, common.ErrNotFound)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*model.Rule, error) {
	var rule model.Rule
	var channel, kind, origin string
	err := row.Scan(&rule.ID, &rule.Name, &rule.App, &channel, &kind, &rule.Body,
		&origin, &rule.Priority, &rule.UseCount, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Channel = model.Channel(channel)
	rule.Kind = model.RuleKind(kind)
	rule.Origin = model.RuleOrigin(origin)
	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]model.Rule, error) {
	var rules []model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}
