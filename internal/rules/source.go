package rules

import (
	"context"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// StorageSource supplies rules from the persistence layer.
type StorageSource struct {
	storage service.Storage
}

// NewStorageSource creates a rule source backed by storage.
func NewStorageSource(storage service.Storage) *StorageSource {
	return &StorageSource{storage: storage}
}

// RulesFor returns enabled rules scoped by app and channel.
func (s *StorageSource) RulesFor(ctx context.Context, app string, channel model.Channel) ([]model.Rule, error) {
	return s.storage.GetRulesFor(ctx, app, channel)
}

// StaticSource serves a fixed rule set. Used by tests and one-shot tools.
type StaticSource struct {
	rules []model.Rule
}

// NewStaticSource creates a rule source over a fixed slice.
func NewStaticSource(rules []model.Rule) *StaticSource {
	return &StaticSource{rules: rules}
}

// RulesFor filters the static set by app and channel.
func (s *StaticSource) RulesFor(_ context.Context, app string, channel model.Channel) ([]model.Rule, error) {
	var out []model.Rule
	for _, rule := range s.rules {
		if rule.App == app && rule.Channel == channel {
			out = append(out, rule)
		}
	}
	return out, nil
}
