package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/normalize"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// UseRecorder tracks which rule produced a match. Best effort; failures are
// logged and ignored.
type UseRecorder interface {
	IncrementRuleUseCount(ctx context.Context, id int64) error
}

// Engine evaluates the ordered rule set for a payload. The engine owns no rule
// state beyond what the source supplies per invocation.
type Engine struct {
	source   service.RuleSource
	recorder UseRecorder
}

// NewEngine creates a rule engine. recorder may be nil.
func NewEngine(source service.RuleSource, recorder UseRecorder) *Engine {
	return &Engine{
		source:   source,
		recorder: recorder,
	}
}

// Match evaluates rules applicable to (app, channel) in priority order against
// the payload. The first rule that successfully extracts a result wins. A rule
// that fails during evaluation is recorded and skipped; one bad rule never
// aborts the whole evaluation. Returns (nil, nil, nil) when no rule matches.
func (e *Engine) Match(ctx context.Context, event *model.RawEvent) (*model.BillCandidate, *model.Rule, error) {
	applicable, err := e.source.RulesFor(ctx, event.App, event.Channel)
	if err != nil {
		return nil, nil, err
	}

	model.SortRules(applicable)

	for i := range applicable {
		rule := applicable[i]
		if !rule.Enabled {
			continue
		}

		raw, matchErr := e.evaluate(rule, event.Payload)
		if matchErr != nil {
			slog.Warn("Rule evaluation failed, skipping",
				"rule_id", rule.ID,
				"rule", rule.Name,
				"error", matchErr)
			continue
		}
		if raw == nil {
			continue
		}

		raw.EventID = event.ID
		if raw.Channel == "" {
			raw.Channel = rule.Name
		}

		cand, normErr := normalize.Candidate(*raw, event.CapturedAt)
		if normErr != nil {
			slog.Warn("Rule extracted unusable fields, skipping",
				"rule_id", rule.ID,
				"rule", rule.Name,
				"error", normErr)
			continue
		}

		if e.recorder != nil {
			if useErr := e.recorder.IncrementRuleUseCount(ctx, rule.ID); useErr != nil {
				slog.Warn("Failed to record rule use", "rule_id", rule.ID, "error", useErr)
			}
		}

		slog.Debug("Rule matched",
			"rule_id", rule.ID,
			"rule", rule.Name,
			"app", event.App,
			"elapsed", time.Since(event.CapturedAt))

		return &cand, &rule, nil
	}

	return nil, nil, nil
}

// evaluate compiles and runs one rule, containing any panic from a pathological
// body to that rule alone.
func (e *Engine) evaluate(rule model.Rule, payload string) (raw *normalize.RawCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw = nil
			err = &ruleFault{rule: rule.Name, cause: r}
		}
	}()

	m, err := compile(rule)
	if err != nil {
		return nil, err
	}
	return m.match(payload)
}

type ruleFault struct {
	cause any
	rule  string
}

func (f *ruleFault) Error() string {
	return "rule " + f.rule + " panicked during evaluation"
}
