// Package merge implements the bill deduplication and merge engine: it maps a
// normalized candidate onto an existing open bill record or creates a new
// root, resolving field conflicts against the known-asset set.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// Engine performs the find-or-create-or-merge step. The per-fingerprint keyed
// lock guarantees at most one open root per fingerprint cluster even under
// concurrent submission.
type Engine struct {
	storage  service.Storage
	settings service.Settings
	locks    *keyedMutex
	stopCh   chan struct{}
}

// NewEngine creates a merge engine.
func NewEngine(storage service.Storage, settings service.Settings) *Engine {
	return &Engine{
		storage:  storage,
		settings: settings,
		locks:    newKeyedMutex(),
		stopCh:   make(chan struct{}),
	}
}

// MergeOrCreate folds a candidate into the open record sharing its
// fingerprint, or creates a fresh root when none exists. The returned record
// reflects the state after the merge.
func (e *Engine) MergeOrCreate(ctx context.Context, cand model.BillCandidate) (*model.BillRecord, error) {
	if cand.Amount == 0 {
		return nil, fmt.Errorf("candidate has no amount")
	}

	fp := model.FingerprintOf(cand, e.settings.TimeBucket(), e.settings.MatchKind())

	// Exclusive section keyed by fingerprint: concurrent candidates sharing a
	// fingerprint cannot both race to create a root.
	key := fp.String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	tx, err := e.storage.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := tx.FindOpenBillByFingerprint(ctx, fp)
	switch {
	case errors.Is(err, common.ErrNotFound):
		record, createErr := e.createRoot(ctx, tx, cand)
		if createErr != nil {
			return nil, createErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, fmt.Errorf("failed to commit new bill: %w", commitErr)
		}
		slog.Info("Created bill root",
			"bill_id", record.ID,
			"amount", record.Amount,
			"kind", record.Kind)
		return record, nil

	case err != nil:
		return nil, err

	default:
		record, mergeErr := e.mergeInto(ctx, tx, existing, cand)
		if mergeErr != nil {
			return nil, mergeErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, fmt.Errorf("failed to commit merge: %w", commitErr)
		}
		slog.Info("Merged candidate into bill",
			"bill_id", record.ID,
			"lineage", len(record.Lineage))
		return record, nil
	}
}

// createRoot seeds a new record from the candidate. The record is its own
// parent and group.
func (e *Engine) createRoot(ctx context.Context, tx service.Transaction, cand model.BillCandidate) (*model.BillRecord, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	record := &model.BillRecord{
		ID:           id,
		ParentID:     id,
		GroupID:      id,
		Kind:         cand.Kind,
		Amount:       cand.Amount,
		Currency:     cand.Currency,
		OccurredAt:   cand.OccurredAt,
		Counterparty: cand.Counterparty,
		FromAccount:  cand.FromAccount,
		ToAccount:    cand.ToAccount,
		Channels:     appendUnique(nil, cand.Channel),
		Lineage:      []string{cand.EventID},
		State:        model.BillOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := tx.SaveBill(ctx, record); err != nil {
		return nil, err
	}

	if err := tx.AppendBillAudit(ctx, seedAudit(record, cand)); err != nil {
		return nil, err
	}

	return record, nil
}

// mergeInto applies the candidate to an existing open record. The record's
// amount and occurrence time are never touched.
func (e *Engine) mergeInto(ctx context.Context, tx service.Transaction, record *model.BillRecord, cand model.BillCandidate) (*model.BillRecord, error) {
	known := KnownAssets(e.settings.KnownAssets())

	var audit []model.AuditEntry
	resolve := func(field, source string, target *string) {
		winner := SelectBetterAccount(source, *target, known)
		if winner != *target {
			*target = winner
			audit = append(audit, model.AuditEntry{
				BillID:  record.ID,
				EventID: cand.EventID,
				Field:   field,
				Value:   winner,
			})
		}
	}

	resolve("from_account", cand.FromAccount, &record.FromAccount)
	resolve("to_account", cand.ToAccount, &record.ToAccount)
	resolve("counterparty", cand.Counterparty, &record.Counterparty)

	record.Lineage = append(record.Lineage, cand.EventID)
	record.Channels = appendUnique(record.Channels, cand.Channel)
	record.UpdatedAt = time.Now().UTC()

	if err := tx.UpdateBill(ctx, record); err != nil {
		return nil, err
	}
	if err := tx.AppendBillAudit(ctx, audit); err != nil {
		return nil, err
	}

	return record, nil
}

// Finalize explicitly settles a record. Later candidates with the same
// fingerprint will start a fresh root.
func (e *Engine) Finalize(ctx context.Context, id string) error {
	return e.storage.FinalizeBill(ctx, id)
}

// StartSettlement launches the background sweeper that settles open records
// whose merge window has elapsed with no further candidates. It returns
// immediately; Close stops the sweeper.
func (e *Engine) StartSettlement(ctx context.Context) {
	go func() {
		interval := e.settings.MergeWindow() / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-e.settings.MergeWindow())
				n, err := e.storage.SettleBillsBefore(ctx, cutoff)
				if err != nil {
					slog.Error("Settlement sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("Settled bills", "count", n)
				}
			}
		}
	}()
}

// Close stops the settlement sweeper.
func (e *Engine) Close() {
	close(e.stopCh)
}

// seedAudit records the candidate as the source of every seeded field.
func seedAudit(record *model.BillRecord, cand model.BillCandidate) []model.AuditEntry {
	entry := func(field, value string) *model.AuditEntry {
		if value == "" {
			return nil
		}
		return &model.AuditEntry{
			BillID:  record.ID,
			EventID: cand.EventID,
			Field:   field,
			Value:   value,
		}
	}

	var audit []model.AuditEntry
	for _, a := range []*model.AuditEntry{
		entry("from_account", record.FromAccount),
		entry("to_account", record.ToAccount),
		entry("counterparty", record.Counterparty),
	} {
		if a != nil {
			audit = append(audit, *a)
		}
	}
	return audit
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
