package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

func setupTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEvent(id string) *model.RawEvent {
	return &model.RawEvent{
		ID:         id,
		App:        "com.tencent.mm",
		Channel:    model.ChannelNotification,
		Payload:    "已支付¥12.50",
		Digest:     model.ComputeDigest("com.tencent.mm", model.ChannelNotification, "已支付¥12.50"+id),
		Status:     model.EventPending,
		CapturedAt: time.Now().UTC(),
	}
}

func testBill(id string, amount int64, occurredAt int64) *model.BillRecord {
	return &model.BillRecord{
		ID:         id,
		ParentID:   id,
		GroupID:    id,
		Kind:       model.KindExpense,
		Amount:     amount,
		Currency:   "CNY",
		OccurredAt: occurredAt,
		Channels:   []string{"wechat-pay"},
		Lineage:    []string{"evt-" + id},
		State:      model.BillOpen,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := setupTestStorage(t)
	assert.NoError(t, store.Migrate(context.Background()))
}

func TestRawEventRoundTrip(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	event := testEvent("evt-1")
	require.NoError(t, store.SaveRawEvent(ctx, event))

	got, err := store.GetRawEventByID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.App, got.App)
	assert.Equal(t, event.Channel, got.Channel)
	assert.Equal(t, event.Payload, got.Payload)
	assert.Equal(t, model.EventPending, got.Status)

	t.Run("duplicate ID rejected", func(t *testing.T) {
		assert.Error(t, store.SaveRawEvent(ctx, event))
	})

	t.Run("unknown ID", func(t *testing.T) {
		_, err := store.GetRawEventByID(ctx, "nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestMarkRawEventStatus(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRawEvent(ctx, testEvent("evt-1")))
	require.NoError(t, store.MarkRawEventStatus(ctx, "evt-1", model.EventMatched))

	got, err := store.GetRawEventByID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventMatched, got.Status)

	assert.ErrorIs(t, store.MarkRawEventStatus(ctx, "nope", model.EventMatched), common.ErrNotFound)
}

func TestListUnmatchedRawEvents(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"evt-1", "evt-2", "evt-3", "evt-4"} {
		require.NoError(t, store.SaveRawEvent(ctx, testEvent(id)))
	}
	require.NoError(t, store.MarkRawEventStatus(ctx, "evt-1", model.EventUnmatched))
	require.NoError(t, store.MarkRawEventStatus(ctx, "evt-2", model.EventFailed))
	require.NoError(t, store.MarkRawEventStatus(ctx, "evt-3", model.EventMatched))

	events, err := store.ListUnmatchedRawEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2, "unmatched and failed events are both reprocessable")

	ids := []string{events[0].ID, events[1].ID}
	assert.ElementsMatch(t, []string{"evt-1", "evt-2"}, ids)
}

func TestListApps(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	first := testEvent("evt-1")
	second := testEvent("evt-2")
	third := testEvent("evt-3")
	third.App = "com.eg.android.AlipayGphone"

	for _, e := range []*model.RawEvent{first, second, third} {
		require.NoError(t, store.SaveRawEvent(ctx, e))
	}

	apps, err := store.ListApps(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.eg.android.AlipayGphone", "com.tencent.mm"}, apps)
}

func TestRuleLifecycle(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	rule := &model.Rule{
		Name:    "wechat-pay",
		App:     "com.tencent.mm",
		Channel: model.ChannelNotification,
		Kind:    model.RuleKindPattern,
		Body:    `¥(?P<amount>[\d.]+)`,
		Origin:  model.OriginSystem,
		Enabled: true,
	}
	require.NoError(t, store.SaveRule(ctx, rule))
	require.NotZero(t, rule.ID, "insert assigns the rule ID")

	t.Run("round trip", func(t *testing.T) {
		got, err := store.GetRuleByID(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, rule.Name, got.Name)
		assert.Equal(t, rule.Body, got.Body)
		assert.True(t, got.Enabled)
	})

	t.Run("update by ID", func(t *testing.T) {
		rule.Body = `已支付¥(?P<amount>[\d.]+)`
		require.NoError(t, store.SaveRule(ctx, rule))

		got, err := store.GetRuleByID(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, rule.Body, got.Body)
	})

	t.Run("use count", func(t *testing.T) {
		require.NoError(t, store.IncrementRuleUseCount(ctx, rule.ID))
		require.NoError(t, store.IncrementRuleUseCount(ctx, rule.ID))

		got, err := store.GetRuleByID(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.UseCount)
	})

	t.Run("disable excludes from matching set", func(t *testing.T) {
		require.NoError(t, store.SetRuleEnabled(ctx, rule.ID, false))

		rules, err := store.GetRulesFor(ctx, "com.tencent.mm", model.ChannelNotification)
		require.NoError(t, err)
		assert.Empty(t, rules)

		require.NoError(t, store.SetRuleEnabled(ctx, rule.ID, true))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteRule(ctx, rule.ID))
		_, err := store.GetRuleByID(ctx, rule.ID)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestGetRulesForOrdering(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	save := func(name string, origin model.RuleOrigin, priority int) int64 {
		rule := &model.Rule{
			Name:     name,
			App:      "com.tencent.mm",
			Channel:  model.ChannelNotification,
			Kind:     model.RuleKindPattern,
			Body:     `¥(?P<amount>[\d.]+)`,
			Origin:   origin,
			Priority: priority,
			Enabled:  true,
		}
		require.NoError(t, store.SaveRule(ctx, rule))
		return rule.ID
	}

	save("system-high", model.OriginSystem, 100)
	save("user-low", model.OriginUser, 0)
	save("user-high", model.OriginUser, 10)

	rules, err := store.GetRulesFor(ctx, "com.tencent.mm", model.ChannelNotification)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "user-high", rules[0].Name)
	assert.Equal(t, "user-low", rules[1].Name)
	assert.Equal(t, "system-high", rules[2].Name)
}

func TestListRulesFilter(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	for _, r := range []*model.Rule{
		{Name: "a", App: "com.tencent.mm", Channel: model.ChannelNotification, Kind: model.RuleKindPattern, Body: "x", Origin: model.OriginSystem, Enabled: true},
		{Name: "b", App: "com.tencent.mm", Channel: model.ChannelSMS, Kind: model.RuleKindPattern, Body: "x", Origin: model.OriginUser, Enabled: true},
		{Name: "c", App: "com.eg.android", Channel: model.ChannelNotification, Kind: model.RuleKindPattern, Body: "x", Origin: model.OriginUser, Enabled: false},
	} {
		require.NoError(t, store.SaveRule(ctx, r))
	}

	all, err := store.ListRules(ctx, service.RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "unfiltered listing includes disabled rules")

	byApp, err := store.ListRules(ctx, service.RuleFilter{App: "com.tencent.mm"})
	require.NoError(t, err)
	assert.Len(t, byApp, 2)

	byOrigin, err := store.ListRules(ctx, service.RuleFilter{Origin: model.OriginUser})
	require.NoError(t, err)
	assert.Len(t, byOrigin, 2)

	byChannel, err := store.ListRules(ctx, service.RuleFilter{Channel: model.ChannelSMS})
	require.NoError(t, err)
	require.Len(t, byChannel, 1)
	assert.Equal(t, "b", byChannel[0].Name)
}

func TestBillRoundTrip(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	bill := testBill("bill-1", 1250, 1_750_000_020_000)
	bill.Counterparty = "星巴克"
	bill.FromAccount = "微信零钱"
	require.NoError(t, store.SaveBill(ctx, bill))

	got, err := store.GetBillByID(ctx, "bill-1")
	require.NoError(t, err)
	assert.Equal(t, bill.Amount, got.Amount)
	assert.Equal(t, bill.OccurredAt, got.OccurredAt)
	assert.Equal(t, bill.Counterparty, got.Counterparty)
	assert.Equal(t, []string{"wechat-pay"}, got.Channels)
	assert.Equal(t, []string{"evt-bill-1"}, got.Lineage)
	assert.Equal(t, model.BillOpen, got.State)

	_, err = store.GetBillByID(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestFindOpenBillByFingerprint(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	occurredAt := int64(1_750_000_020_000)
	bill := testBill("bill-1", 1250, occurredAt)
	require.NoError(t, store.SaveBill(ctx, bill))

	fp := model.FingerprintOf(model.BillCandidate{
		Kind:       model.KindExpense,
		Amount:     1250,
		OccurredAt: occurredAt + 30_000,
	}, time.Minute, true)

	t.Run("finds open record in bucket", func(t *testing.T) {
		got, err := store.FindOpenBillByFingerprint(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, "bill-1", got.ID)
	})

	t.Run("different amount misses", func(t *testing.T) {
		miss := fp
		miss.Amount = 9999
		_, err := store.FindOpenBillByFingerprint(ctx, miss)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("settled record is invisible", func(t *testing.T) {
		require.NoError(t, store.FinalizeBill(ctx, "bill-1"))
		_, err := store.FindOpenBillByFingerprint(ctx, fp)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestOpenFingerprintUniqueIndex(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	occurredAt := int64(1_750_000_020_000)
	require.NoError(t, store.SaveBill(ctx, testBill("bill-1", 1250, occurredAt)))

	// A second OPEN root in the same fingerprint bucket violates the
	// partial unique index.
	dup := testBill("bill-2", 1250, occurredAt+10_000)
	assert.Error(t, store.SaveBill(ctx, dup))

	// Settling the first frees the fingerprint.
	require.NoError(t, store.FinalizeBill(ctx, "bill-1"))
	assert.NoError(t, store.SaveBill(ctx, dup))
}

func TestUpdateBillNeverTouchesAmount(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	bill := testBill("bill-1", 1250, 1_750_000_020_000)
	require.NoError(t, store.SaveBill(ctx, bill))

	bill.Amount = 99999
	bill.Counterparty = "星巴克"
	require.NoError(t, store.UpdateBill(ctx, bill))

	got, err := store.GetBillByID(ctx, "bill-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), got.Amount, "amount is fixed at creation")
	assert.Equal(t, "星巴克", got.Counterparty)

	t.Run("unknown ID", func(t *testing.T) {
		missing := testBill("nope", 100, 1)
		missing.OccurredAt = 1_750_000_020_000
		assert.ErrorIs(t, store.UpdateBill(ctx, missing), common.ErrNotFound)
	})
}

func TestGetBillsByGroupRootFirst(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	root := testBill("root", 1250, 1_750_000_020_000)
	require.NoError(t, store.SaveBill(ctx, root))

	child := testBill("child", 1250, 1_750_000_600_000)
	child.ParentID = "root"
	child.GroupID = "root"
	require.NoError(t, store.SaveBill(ctx, child))

	bills, err := store.GetBillsByGroup(ctx, "root")
	require.NoError(t, err)
	require.Len(t, bills, 2)
	assert.Equal(t, "root", bills[0].ID)
	assert.True(t, bills[0].IsRoot())
	assert.Equal(t, "child", bills[1].ID)
}

func TestListBillGroups(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBill(ctx, testBill("bill-1", 1250, base.UnixMilli())))
	require.NoError(t, store.SaveBill(ctx, testBill("bill-2", 8800, base.Add(time.Hour).UnixMilli())))
	require.NoError(t, store.SaveBill(ctx, testBill("bill-3", 5000, base.Add(48*time.Hour).UnixMilli())))

	groups, err := store.ListBillGroups(ctx, base.Add(-time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "bill-1", groups[0].GroupID)
	assert.Equal(t, []string{"bill-1"}, groups[0].MemberIDs)
	assert.Equal(t, "bill-2", groups[1].GroupID)

	t.Run("inverted range rejected", func(t *testing.T) {
		_, err := store.ListBillGroups(ctx, base, base.Add(-time.Hour))
		assert.ErrorIs(t, err, ErrInvalidDateRange)
	})
}

func TestSettleBillsBefore(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBill(ctx, testBill("bill-1", 1250, 1_750_000_020_000)))

	t.Run("cutoff in the past settles nothing", func(t *testing.T) {
		n, err := store.SettleBillsBefore(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("elapsed window settles", func(t *testing.T) {
		n, err := store.SettleBillsBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := store.GetBillByID(ctx, "bill-1")
		require.NoError(t, err)
		assert.Equal(t, model.BillSettled, got.State)
	})
}

func TestBillAuditTrail(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBill(ctx, testBill("bill-1", 1250, 1_750_000_020_000)))

	entries := []model.AuditEntry{
		{BillID: "bill-1", EventID: "evt-1", Field: "from_account", Value: "微信零钱"},
		{BillID: "bill-1", EventID: "evt-2", Field: "from_account", Value: "招商银行信用卡"},
	}
	require.NoError(t, store.AppendBillAudit(ctx, entries))
	assert.NoError(t, store.AppendBillAudit(ctx, nil), "empty append is a no-op")

	got, err := store.GetBillAudit(ctx, "bill-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "微信零钱", got[0].Value)
	assert.Equal(t, "招商银行信用卡", got[1].Value)
	assert.Equal(t, "evt-2", got[1].EventID)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	t.Run("rollback discards writes", func(t *testing.T) {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveRawEvent(ctx, testEvent("evt-rollback")))
		require.NoError(t, tx.Rollback())

		_, err = store.GetRawEventByID(ctx, "evt-rollback")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("commit persists writes", func(t *testing.T) {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveRawEvent(ctx, testEvent("evt-commit")))
		require.NoError(t, tx.Commit())

		_, err = store.GetRawEventByID(ctx, "evt-commit")
		assert.NoError(t, err)
	})

	t.Run("nested transactions rejected", func(t *testing.T) {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback() }()

		_, err = tx.BeginTx(ctx)
		assert.Error(t, err)
	})
}
