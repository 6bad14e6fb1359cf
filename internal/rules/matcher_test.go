package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
)

func TestPatternRuleExtraction(t *testing.T) {
	rule := model.Rule{
		Kind: model.RuleKindPattern,
		Body: `向(?P<counterparty>\S+?)付款(?P<amount>[\d.]+)元，支付方式(?P<from>\S+)`,
	}

	m, err := compile(rule)
	require.NoError(t, err)

	t.Run("full extraction", func(t *testing.T) {
		raw, err := m.match("向星巴克付款32.00元，支付方式招商银行信用卡")
		require.NoError(t, err)
		require.NotNil(t, raw)
		assert.Equal(t, "32.00", raw.Amount)
		assert.Equal(t, "星巴克", raw.Counterparty)
		assert.Equal(t, "招商银行信用卡", raw.FromAccount)
	})

	t.Run("no match returns nil without error", func(t *testing.T) {
		raw, err := m.match("收到一条无关推送")
		assert.NoError(t, err)
		assert.Nil(t, raw)
	})
}

func TestPatternRuleRequiresAmount(t *testing.T) {
	rule := model.Rule{
		Kind: model.RuleKindPattern,
		Body: `收款方(?P<counterparty>\S+)`,
	}
	m, err := compile(rule)
	require.NoError(t, err)

	raw, err := m.match("收款方星巴克")
	assert.NoError(t, err)
	assert.Nil(t, raw, "a match without an amount extracts nothing")
}

func TestFieldRuleExtraction(t *testing.T) {
	rule := model.Rule{
		Kind: model.RuleKindField,
		Body: `{"amount":"data.amount","counterparty":"data.shop","time":"ts","kind":"=expense"}`,
	}
	m, err := compile(rule)
	require.NoError(t, err)

	t.Run("nested paths and numeric leaves", func(t *testing.T) {
		raw, err := m.match(`{"ts":1750000000,"data":{"amount":12.5,"shop":"肯德基"}}`)
		require.NoError(t, err)
		require.NotNil(t, raw)
		assert.Equal(t, "12.50", raw.Amount)
		assert.Equal(t, "肯德基", raw.Counterparty)
		assert.Equal(t, "1750000000", raw.Time)
		assert.Equal(t, "expense", raw.Kind)
	})

	t.Run("missing path yields empty field", func(t *testing.T) {
		raw, err := m.match(`{"data":{"amount":"10"}}`)
		require.NoError(t, err)
		require.NotNil(t, raw)
		assert.Equal(t, "10", raw.Amount)
		assert.Empty(t, raw.Counterparty)
	})

	t.Run("non-JSON payload errors", func(t *testing.T) {
		_, err := m.match("plain text payload")
		assert.Error(t, err)
	})
}

func TestFieldRuleRequiresAmountMapping(t *testing.T) {
	_, err := compile(model.Rule{
		Kind: model.RuleKindField,
		Body: `{"counterparty":"shop"}`,
	})
	assert.Error(t, err)
}

func TestCompileRejectsUnknownKind(t *testing.T) {
	_, err := compile(model.Rule{Kind: "script"})
	assert.Error(t, err)
}
