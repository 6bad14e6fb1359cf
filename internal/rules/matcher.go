// Package rules implements the rule-matching engine that turns raw payloads
// into bill candidates. Rules come in two kinds: regex pattern rules over text
// payloads and field-path rules over structured payloads. Both implement the
// same matcher capability and are selected by explicit priority metadata.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/normalize"
)

// matcher is the capability both rule kinds implement: attempt to extract
// candidate fields from a payload. A nil result with a nil error means the
// rule simply did not match.
type matcher interface {
	match(payload string) (*normalize.RawCandidate, error)
}

// compile builds the matcher variant a rule's kind selects.
func compile(rule model.Rule) (matcher, error) {
	switch rule.Kind {
	case model.RuleKindPattern:
		return compilePattern(rule)
	case model.RuleKindField:
		return compileField(rule)
	default:
		return nil, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

// patternRule evaluates a regular expression with named capture groups against
// a text payload. Recognized group names: amount, kind, counterparty, from,
// to, currency, time, channel.
type patternRule struct {
	re *regexp.Regexp
}

func compilePattern(rule model.Rule) (*patternRule, error) {
	re, err := regexp.Compile(rule.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern body: %w", err)
	}
	return &patternRule{re: re}, nil
}

func (p *patternRule) match(payload string) (*normalize.RawCandidate, error) {
	groups := p.re.SubexpNames()
	values := p.re.FindStringSubmatch(payload)
	if values == nil {
		return nil, nil
	}

	var raw normalize.RawCandidate
	for i, name := range groups {
		if i == 0 || i >= len(values) || values[i] == "" {
			continue
		}
		assignField(&raw, name, values[i])
	}

	if raw.Amount == "" {
		// A match without an amount extracts nothing useful.
		return nil, nil
	}
	return &raw, nil
}

// fieldRule maps candidate fields to dot-separated key paths in a JSON
// payload. A mapping value prefixed with "=" is a literal constant instead of
// a path.
type fieldRule struct {
	mapping map[string]string
}

func compileField(rule model.Rule) (*fieldRule, error) {
	var mapping map[string]string
	if err := json.Unmarshal([]byte(rule.Body), &mapping); err != nil {
		return nil, fmt.Errorf("invalid field body: %w", err)
	}
	if mapping["amount"] == "" {
		return nil, fmt.Errorf("field body missing amount mapping")
	}
	return &fieldRule{mapping: mapping}, nil
}

func (f *fieldRule) match(payload string) (*normalize.RawCandidate, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("payload is not structured: %w", err)
	}

	var raw normalize.RawCandidate
	for field, path := range f.mapping {
		var value string
		if lit, ok := strings.CutPrefix(path, "="); ok {
			value = lit
		} else {
			value = lookupPath(doc, path)
		}
		if value == "" {
			continue
		}
		assignField(&raw, field, value)
	}

	if raw.Amount == "" {
		return nil, nil
	}
	return &raw, nil
}

// lookupPath walks a dot-separated key path through nested JSON objects and
// renders the leaf as a string.
func lookupPath(doc map[string]any, path string) string {
	var current any = doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = obj[key]
		if !ok {
			return ""
		}
	}

	switch v := current.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render without exponent.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return ""
	}
}

func assignField(raw *normalize.RawCandidate, name, value string) {
	switch name {
	case "amount":
		raw.Amount = value
	case "kind", "type":
		raw.Kind = value
	case "counterparty", "shop":
		raw.Counterparty = value
	case "from", "from_account":
		raw.FromAccount = value
	case "to", "to_account":
		raw.ToAccount = value
	case "currency":
		raw.Currency = value
	case "time", "timestamp":
		raw.Time = value
	case "channel":
		raw.Channel = value
	}
}
