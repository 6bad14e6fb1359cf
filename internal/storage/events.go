package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
)

// SaveRawEvent persists a captured event. Events are immutable; saving the
// same ID twice is an error.
func (s *SQLiteStorage) SaveRawEvent(ctx context.Context, event *model.RawEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRawEvent(event); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveRawEventTx(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) saveRawEventTx(ctx context.Context, tx *sql.Tx, event *model.RawEvent) error {
	status := event.Status
	if status == "" {
		status = model.EventPending
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO raw_events (id, app, channel, payload, digest, status, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.App, string(event.Channel), event.Payload, event.Digest, string(status), event.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to save raw event: %w", err)
	}
	return nil
}

// GetRawEventByID fetches a single raw event.
func (s *SQLiteStorage) GetRawEventByID(ctx context.Context, id string) (*model.RawEvent, error) {
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

	event, err := s.getRawEventByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	return event, tx.Commit()
}

func (s *SQLiteStorage) getRawEventByIDTx(ctx context.Context, tx *sql.Tx, id string) (*model.RawEvent, error) {
	var event model.RawEvent
	var channel, status string
	err := tx.QueryRowContext(ctx, `
		SELECT id, app, channel, payload, digest, status, captured_at
		FROM raw_events WHERE id = ?
	`, id).Scan(&event.ID, &event.App, &channel, &event.Payload, &event.Digest, &status, &event.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw event %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw event: %w", err)
	}

	event.Channel = model.Channel(channel)
	event.Status = model.RawEventStatus(status)
	return &event, nil
}

// MarkRawEventStatus records what the pipeline did with an event.
func (s *SQLiteStorage) MarkRawEventStatus(ctx context.Context, id string, status model.RawEventStatus) error {
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

	if err := s.markRawEventStatusTx(ctx, tx, id, status); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) markRawEventStatusTx(ctx context.Context, tx *sql.Tx, id string, status model.RawEventStatus) error {
	result, err := tx.ExecContext(ctx, `UPDATE raw_events SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to mark raw event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("raw event %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// ListUnmatchedRawEvents returns archived events awaiting manual handling or
// reprocessing, oldest first.
func (s *SQLiteStorage) ListUnmatchedRawEvents(ctx context.Context, limit int) ([]model.RawEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	events, err := s.listUnmatchedRawEventsTx(ctx, tx, limit)
	if err != nil {
		return nil, err
	}

	return events, tx.Commit()
}

func (s *SQLiteStorage) listUnmatchedRawEventsTx(ctx context.Context, tx *sql.Tx, limit int) ([]model.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, app, channel, payload, digest, status, captured_at
		FROM raw_events WHERE status IN (?, ?) ORDER BY captured_at ASC LIMIT ?
	`, string(model.EventUnmatched), string(model.EventFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.RawEvent
	for rows.Next() {
		var event model.RawEvent
		var channel, status string
		if err := rows.Scan(&event.ID, &event.App, &channel, &event.Payload, &event.Digest, &status, &event.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		event.Channel = model.Channel(channel)
		event.Status = model.RawEventStatus(status)
		events = append(events, event)
	}

	return events, rows.Err()
}

// ListApps returns the distinct source applications seen so far.
func (s *SQLiteStorage) ListApps(ctx context.Context) ([]string, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	apps, err := s.listAppsTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	return apps, tx.Commit()
}

func (s *SQLiteStorage) listAppsTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT app FROM raw_events ORDER BY app`)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var apps []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		apps = append(apps, app)
	}

	return apps, rows.Err()
}
