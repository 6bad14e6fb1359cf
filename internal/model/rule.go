package model

import (
	"sort"
	"time"
)

// RuleKind selects the matching strategy a rule body encodes.
type RuleKind string

// Rule kind constants.
const (
	// RuleKindPattern is a regular expression with named capture groups,
	// evaluated against text payloads.
	RuleKindPattern RuleKind = "pattern"
	// RuleKindField is a JSON field-path mapping, evaluated against
	// structured payloads.
	RuleKindField RuleKind = "field"
)

// RuleOrigin records who authored a rule.
type RuleOrigin string

// Rule origin constants.
const (
	OriginSystem RuleOrigin = "system"
	OriginUser   RuleOrigin = "user"
)

// Rule is an ordered, versioned matching unit. Rules are data: the engine owns
// no rule state beyond what is supplied per invocation.
type Rule struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Name      string     `json:"name"`
	App       string     `json:"app"`
	Channel   Channel    `json:"channel"`
	Kind      RuleKind   `json:"kind"`
	Body      string     `json:"body"`
	Origin    RuleOrigin `json:"origin"`
	ID        int64      `json:"id"`
	Priority  int        `json:"priority"`
	UseCount  int        `json:"use_count"`
	Enabled   bool       `json:"enabled"`
}

// SortRules orders rules for evaluation: user-authored rules before system
// rules, then by explicit priority (highest first), then by insertion order.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Origin != rules[j].Origin {
			return rules[i].Origin == OriginUser
		}
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
