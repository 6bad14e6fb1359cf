package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
)

func completionResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-test",
		"model": "gpt-4o-mini",
		"choices": []map[string]any{
			{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
				"index":         0,
			},
		},
	})
	return string(body)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, common.ErrAnalyzerDisabled)
}

func TestAnalyzeExtractsCandidate(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, completionResponse(`{"amount":"32.00","kind":"expense","counterparty":"星巴克","from":"招商银行信用卡","to":"","currency":"CNY","time":""}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", Endpoint: server.URL})
	require.NoError(t, err)

	cand, err := client.Analyze(context.Background(), "com.tencent.mm", model.ChannelNotification, "向星巴克付款32.00元")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, int64(3200), cand.Amount)
	assert.Equal(t, model.KindExpense, cand.Kind)
	assert.Equal(t, "星巴克", cand.Counterparty)
	assert.Equal(t, "招商银行信用卡", cand.FromAccount)
	assert.Equal(t, "ai", cand.Channel)
}

func TestAnalyzeToleratesMarkdownFences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, completionResponse("```json\n{\"amount\":\"12.50\",\"kind\":\"expense\"}\n```"))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", Endpoint: server.URL})
	require.NoError(t, err)

	cand, err := client.Analyze(context.Background(), "app", model.ChannelNotification, "payload")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), cand.Amount)
}

func TestAnalyzeAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", Endpoint: server.URL})
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), "app", model.ChannelNotification, "payload")
	assert.Error(t, err)
}

func TestAnalyzeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, completionResponse(`{"amount":"1"}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", Endpoint: server.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), "app", model.ChannelNotification, "payload")
	assert.ErrorIs(t, err, common.ErrAnalyzerTimeout)
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		content string
		amount  string
		wantErr bool
	}{
		{name: "bare object", content: `{"amount":"12.50"}`, amount: "12.50"},
		{name: "fenced", content: "```json\n{\"amount\":\"88\"}\n```", amount: "88"},
		{name: "surrounding prose", content: `Here you go: {"amount":"5.00"} Hope that helps!`, amount: "5.00"},
		{name: "missing amount", content: `{"kind":"expense"}`, wantErr: true},
		{name: "not JSON", content: "cannot extract", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := parseExtraction(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.amount, raw.Amount)
		})
	}
}
