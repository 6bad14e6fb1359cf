package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AutoAccountingOrg/autoledger/internal/dedup"
	"github.com/AutoAccountingOrg/autoledger/internal/merge"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/rules"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
	"github.com/AutoAccountingOrg/autoledger/internal/storage"
)

type stubSettings struct{}

func (stubSettings) KnownAssets() map[string]struct{} { return nil }
func (stubSettings) MergeWindow() time.Duration       { return 5 * time.Minute }
func (stubSettings) TimeBucket() time.Duration        { return time.Minute }
func (stubSettings) DedupTTL() time.Duration          { return 3 * time.Minute }
func (stubSettings) AnalyzerTimeout() time.Duration   { return time.Second }
func (stubSettings) MatchKind() bool                  { return true }

type stubAnalyzer struct {
	cand *model.BillCandidate
	err  error
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ string, _ model.Channel, _ string) (*model.BillCandidate, error) {
	return a.cand, a.err
}

func wechatRule() model.Rule {
	return model.Rule{
		ID:      1,
		Name:    "wechat-pay",
		App:     "com.tencent.mm",
		Channel: model.ChannelNotification,
		Kind:    model.RuleKindPattern,
		Body:    `已支付¥(?P<amount>[\d.]+)，收款方(?P<counterparty>\S+)`,
		Origin:  model.OriginSystem,
		Enabled: true,
	}
}

func newTestPipeline(t *testing.T, ruleSet []model.Rule, analyzer service.Analyzer) (*Pipeline, service.Storage) {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	cache := dedup.NewCache(time.Minute, 64)
	t.Cleanup(cache.Close)

	merger := merge.NewEngine(store, stubSettings{})
	t.Cleanup(merger.Close)

	p := New(store, stubSettings{}, cache, rules.NewEngine(rules.NewStaticSource(ruleSet), nil), analyzer, merger, Config{Workers: 2, QueueSize: 16})
	t.Cleanup(p.Close)

	return p, store
}

func TestProcessSyncMatchesAndMerges(t *testing.T) {
	p, store := newTestPipeline(t, []model.Rule{wechatRule()}, nil)
	ctx := context.Background()

	result, err := p.ProcessSync(ctx, SubmitRequest{
		App:     "com.tencent.mm",
		Channel: model.ChannelNotification,
		Payload: "已支付¥12.50，收款方星巴克",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, result.Outcome)
	require.NotNil(t, result.Bill)
	assert.Equal(t, int64(1250), result.Bill.Amount)
	assert.Equal(t, "星巴克", result.Bill.Counterparty)

	event, err := store.GetRawEventByID(ctx, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventMatched, event.Status)
}

func TestProcessSyncDropsDuplicate(t *testing.T) {
	p, _ := newTestPipeline(t, []model.Rule{wechatRule()}, nil)
	ctx := context.Background()

	req := SubmitRequest{
		App:     "com.tencent.mm",
		Channel: model.ChannelNotification,
		Payload: "已支付¥12.50，收款方星巴克",
	}

	first, err := p.ProcessSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, first.Outcome)

	second, err := p.ProcessSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Empty(t, second.EventID, "duplicate submissions never create events")
}

func TestProcessSyncArchivesUnmatched(t *testing.T) {
	p, store := newTestPipeline(t, nil, nil)
	ctx := context.Background()

	result, err := p.ProcessSync(ctx, SubmitRequest{
		App:     "com.unknown.app",
		Channel: model.ChannelNotification,
		Payload: "一条无规则可匹配的通知",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, result.Outcome)

	event, err := store.GetRawEventByID(ctx, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventUnmatched, event.Status)

	archived, err := store.ListUnmatchedRawEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, result.EventID, archived[0].ID)
}

func TestAnalyzerFallback(t *testing.T) {
	analyzer := &stubAnalyzer{
		cand: &model.BillCandidate{
			Kind:       model.KindExpense,
			Amount:     3200,
			Currency:   "CNY",
			OccurredAt: time.Now().UnixMilli(),
			Channel:    "ai",
		},
	}
	p, _ := newTestPipeline(t, nil, analyzer)

	result, err := p.ProcessSync(context.Background(), SubmitRequest{
		App:     "com.unknown.app",
		Channel: model.ChannelNotification,
		Payload: "向星巴克付款32.00元",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, result.Outcome)
	require.NotNil(t, result.Bill)
	assert.Equal(t, int64(3200), result.Bill.Amount)
	assert.Equal(t, result.EventID, result.Candidate.EventID)
}

func TestAnalyzerFailureFailsOpen(t *testing.T) {
	p, store := newTestPipeline(t, nil, &stubAnalyzer{err: errors.New("model unavailable")})

	result, err := p.ProcessSync(context.Background(), SubmitRequest{
		App:     "com.unknown.app",
		Channel: model.ChannelNotification,
		Payload: "向星巴克付款32.00元",
	})
	require.NoError(t, err, "analyzer faults never surface as submission errors")
	assert.Equal(t, OutcomeUnmatched, result.Outcome)

	event, err := store.GetRawEventByID(context.Background(), result.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventUnmatched, event.Status)
}

func TestForceAISkipsRules(t *testing.T) {
	analyzer := &stubAnalyzer{
		cand: &model.BillCandidate{
			Kind:       model.KindExpense,
			Amount:     9900,
			Currency:   "CNY",
			OccurredAt: time.Now().UnixMilli(),
			Channel:    "ai",
		},
	}
	// The rule would match, but ForceAI bypasses it.
	p, _ := newTestPipeline(t, []model.Rule{wechatRule()}, analyzer)

	result, err := p.ProcessSync(context.Background(), SubmitRequest{
		App:     "com.tencent.mm",
		Channel: model.ChannelNotification,
		Payload: "已支付¥12.50，收款方星巴克",
		ForceAI: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, result.Outcome)
	assert.Equal(t, int64(9900), result.Bill.Amount)
	assert.Equal(t, []string{"ai"}, result.Bill.Channels)
}

func TestSubmitProcessesAsync(t *testing.T) {
	p, store := newTestPipeline(t, []model.Rule{wechatRule()}, nil)
	ctx := context.Background()

	eventID, accepted, err := p.Submit(ctx, SubmitRequest{
		App:     "com.tencent.mm",
		Channel: model.ChannelNotification,
		Payload: "已支付¥88.00，收款方肯德基",
	})
	require.NoError(t, err)
	require.True(t, accepted)
	require.NotEmpty(t, eventID)

	// Close drains the queue before returning.
	p.Close()

	event, err := store.GetRawEventByID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventMatched, event.Status)
}

func TestReprocessRecoversArchivedEvent(t *testing.T) {
	p, store := newTestPipeline(t, []model.Rule{wechatRule()}, nil)
	ctx := context.Background()

	// Archived before any rule existed for its app.
	event := &model.RawEvent{
		ID:         "evt-old",
		App:        "com.tencent.mm",
		Channel:    model.ChannelNotification,
		Payload:    "已支付¥12.50，收款方星巴克",
		Digest:     model.ComputeDigest("com.tencent.mm", model.ChannelNotification, "已支付¥12.50，收款方星巴克"),
		Status:     model.EventUnmatched,
		CapturedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveRawEvent(ctx, event))

	result := p.Reprocess(ctx, *event)
	assert.Equal(t, OutcomeMatched, result.Outcome)

	got, err := store.GetRawEventByID(ctx, "evt-old")
	require.NoError(t, err)
	assert.Equal(t, model.EventMatched, got.Status)
}
