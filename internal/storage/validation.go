package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
)

// Validation errors.
var (
	ErrNilContext       = errors.New("context cannot be nil")
	ErrEmptyString      = errors.New("string parameter cannot be empty")
	ErrNilParameter     = errors.New("parameter cannot be nil")
	ErrInvalidDateRange = errors.New("start date must be before end date")
	ErrInvalidEvent     = errors.New("invalid raw event")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrInvalidBill      = errors.New("invalid bill record")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateRawEvent validates a raw event before persistence.
func validateRawEvent(event *model.RawEvent) error {
	if event == nil {
		return fmt.Errorf("%w: event", ErrNilParameter)
	}
	if event.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidEvent)
	}
	if event.App == "" {
		return fmt.Errorf("%w: missing app", ErrInvalidEvent)
	}
	if !event.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidEvent, event.Channel)
	}
	if event.Digest == "" {
		return fmt.Errorf("%w: missing digest", ErrInvalidEvent)
	}
	if event.CapturedAt.IsZero() {
		return fmt.Errorf("%w: missing capture time", ErrInvalidEvent)
	}
	return nil
}

// validateRule validates a rule.
func validateRule(rule *model.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule", ErrNilParameter)
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.App) == "" {
		return fmt.Errorf("%w: missing app", ErrInvalidRule)
	}
	if !rule.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRule, rule.Channel)
	}
	switch rule.Kind {
	case model.RuleKindPattern, model.RuleKindField:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}
	switch rule.Origin {
	case model.OriginSystem, model.OriginUser:
	default:
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidRule, rule.Origin)
	}
	if strings.TrimSpace(rule.Body) == "" {
		return fmt.Errorf("%w: missing body", ErrInvalidRule)
	}
	return nil
}

// validateBill validates a bill record.
func validateBill(bill *model.BillRecord) error {
	if bill == nil {
		return fmt.Errorf("%w: bill", ErrNilParameter)
	}
	if bill.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidBill)
	}
	if bill.ParentID == "" || bill.GroupID == "" {
		return fmt.Errorf("%w: missing lineage identifiers", ErrInvalidBill)
	}
	if !bill.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidBill, bill.Kind)
	}
	if bill.OccurredAt <= 0 {
		return fmt.Errorf("%w: missing occurrence time", ErrInvalidBill)
	}
	switch bill.State {
	case model.BillOpen, model.BillSettled:
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidBill, bill.State)
	}
	return nil
}
