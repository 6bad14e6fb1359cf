// Package pipeline wires the processing chain for captured events: dedup →
// rule engine → analyzer fallback → normalizer → merge engine. Submission
// hands off to background workers and returns immediately; producers are never
// blocked by pipeline processing.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/dedup"
	"github.com/AutoAccountingOrg/autoledger/internal/merge"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/rules"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

// Outcome describes what the pipeline did with an event.
type Outcome string

// Outcome constants.
const (
	OutcomeMatched   Outcome = "matched"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// SubmitRequest is one captured payload entering the pipeline.
type SubmitRequest struct {
	App     string
	Channel model.Channel
	Payload string
	ForceAI bool
}

// job is one queued unit of background work.
type job struct {
	event   model.RawEvent
	forceAI bool
}

// Result is the processing outcome for one event.
type Result struct {
	Candidate *model.BillCandidate
	Bill      *model.BillRecord
	EventID   string
	Outcome   Outcome
}

// Config holds pipeline tuning.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
	}
}

// Pipeline processes captured events concurrently. Distinct fingerprints
// proceed in parallel; the merge engine serializes per fingerprint.
type Pipeline struct {
	storage  service.Storage
	settings service.Settings
	dedup    *dedup.Cache
	rules    *rules.Engine
	analyzer service.Analyzer
	merger   *merge.Engine
	jobs     chan job
	wg       sync.WaitGroup
	closed   sync.Once
}

// New creates a pipeline and starts its workers. analyzer may be nil to run
// rule-only.
func New(storage service.Storage, settings service.Settings, cache *dedup.Cache, engine *rules.Engine, analyzer service.Analyzer, merger *merge.Engine, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	p := &Pipeline{
		storage:  storage,
		settings: settings,
		dedup:    cache,
		rules:    engine,
		analyzer: analyzer,
		merger:   merger,
		jobs:     make(chan job, cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit accepts a captured payload, persists the raw event, and queues it for
// background processing. It returns the event ID and whether the submission
// was accepted; a duplicate within the dedup TTL is silently ignored
// (idempotent, not an error).
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (string, bool, error) {
	digest := model.ComputeDigest(req.App, req.Channel, req.Payload)
	if !p.dedup.Submit(digest) {
		slog.Debug("Dropped duplicate submission", "app", req.App, "digest", digest)
		return "", false, nil
	}

	event, err := p.recordEvent(ctx, req, digest)
	if err != nil {
		return "", false, err
	}

	p.jobs <- job{event: *event, forceAI: req.ForceAI}
	return event.ID, true, nil
}

// ProcessSync runs the full chain for one submission and waits for the
// outcome. Used by callers that need the result in the response; the same
// per-fingerprint serialization applies.
func (p *Pipeline) ProcessSync(ctx context.Context, req SubmitRequest) (Result, error) {
	digest := model.ComputeDigest(req.App, req.Channel, req.Payload)
	if !p.dedup.Submit(digest) {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	event, err := p.recordEvent(ctx, req, digest)
	if err != nil {
		return Result{Outcome: OutcomeError}, err
	}

	return p.process(ctx, *event, req.ForceAI), nil
}

// Reprocess runs an already-archived event through the matching chain again.
func (p *Pipeline) Reprocess(ctx context.Context, event model.RawEvent) Result {
	return p.process(ctx, event, false)
}

func (p *Pipeline) recordEvent(ctx context.Context, req SubmitRequest, digest string) (*model.RawEvent, error) {
	event := &model.RawEvent{
		ID:         uuid.NewString(),
		App:        req.App,
		Channel:    req.Channel,
		Payload:    req.Payload,
		Digest:     digest,
		Status:     model.EventPending,
		CapturedAt: time.Now(),
	}
	if err := p.storage.SaveRawEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	// Workers run on a background context: a submitting caller's teardown
	// must not leave a half-applied merge.
	ctx := context.Background()

	for j := range p.jobs {
		result := p.process(ctx, j.event, j.forceAI)
		if result.Outcome == OutcomeError {
			slog.Error("Event processing failed", "event_id", j.event.ID)
		}
	}
}

// process runs matching, normalization, and merging for one event. No rule
// and no analyzer result is not an error: the event is archived as unmatched
// for later manual handling.
func (p *Pipeline) process(ctx context.Context, event model.RawEvent, forceAI bool) Result {
	cand := p.match(ctx, event, forceAI)
	if cand == nil {
		p.mark(ctx, event.ID, model.EventUnmatched)
		return Result{EventID: event.ID, Outcome: OutcomeUnmatched}
	}

	var bill *model.BillRecord
	err := common.WithRetry(ctx, func() error {
		var mergeErr error
		bill, mergeErr = p.merger.MergeOrCreate(ctx, *cand)
		if mergeErr != nil {
			return &common.RetryableError{Err: mergeErr, Retryable: true}
		}
		return nil
	}, service.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})
	if err != nil {
		// Left unmatched for reprocessing rather than silently dropped.
		common.LogError(err, "Merge failed after retries", common.Fields{"event_id": event.ID})
		p.mark(ctx, event.ID, model.EventFailed)
		return Result{EventID: event.ID, Candidate: cand, Outcome: OutcomeError}
	}

	p.mark(ctx, event.ID, model.EventMatched)
	return Result{EventID: event.ID, Candidate: cand, Bill: bill, Outcome: OutcomeMatched}
}

// match runs the rule engine and, when nothing matches, the analyzer
// fallback. Analyzer faults and timeouts are treated identically to "no
// match": the pipeline fails open. The per-fingerprint lock is never held
// here, so a slow analyzer cannot starve unrelated merges.
func (p *Pipeline) match(ctx context.Context, event model.RawEvent, forceAI bool) *model.BillCandidate {
	if !forceAI {
		cand, rule, err := p.rules.Match(ctx, &event)
		if err != nil {
			common.LogError(err, "Rule lookup failed", common.Fields{"event_id": event.ID})
		}
		if cand != nil {
			slog.Debug("Rule matched event", "event_id", event.ID, "rule_id", rule.ID)
			return cand
		}
	}

	if p.analyzer == nil {
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, p.settings.AnalyzerTimeout())
	defer cancel()

	cand, err := p.analyzer.Analyze(actx, event.App, event.Channel, event.Payload)
	if err != nil {
		slog.Warn("Analyzer fallback failed, archiving as unmatched",
			"event_id", event.ID,
			"error", err)
		return nil
	}
	if cand != nil {
		cand.EventID = event.ID
	}
	return cand
}

func (p *Pipeline) mark(ctx context.Context, eventID string, status model.RawEventStatus) {
	if err := p.storage.MarkRawEventStatus(ctx, eventID, status); err != nil {
		common.LogError(err, "Failed to mark event status", common.Fields{
			"event_id": eventID,
			"status":   status,
		})
	}
}

// Close drains queued work and stops the workers. In-flight processing is
// allowed to complete; no partial bill states are left behind.
func (p *Pipeline) Close() {
	p.closed.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
