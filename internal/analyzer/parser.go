package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AutoAccountingOrg/autoledger/internal/normalize"
)

// parseExtraction pulls the JSON extraction out of a completion. Models
// sometimes wrap the object in markdown fences or prose despite instructions.
func parseExtraction(content string) (*normalize.RawCandidate, error) {
	content = cleanMarkdownWrapper(content)

	var fields struct {
		Amount       string `json:"amount"`
		Kind         string `json:"kind"`
		Counterparty string `json:"counterparty"`
		From         string `json:"from"`
		To           string `json:"to"`
		Currency     string `json:"currency"`
		Time         string `json:"time"`
	}

	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse extraction JSON: %w", err)
	}

	if fields.Amount == "" {
		return nil, fmt.Errorf("no amount found in extraction")
	}

	return &normalize.RawCandidate{
		Amount:       fields.Amount,
		Kind:         fields.Kind,
		Counterparty: fields.Counterparty,
		FromAccount:  fields.From,
		ToAccount:    fields.To,
		Currency:     fields.Currency,
		Time:         fields.Time,
	}, nil
}

// cleanMarkdownWrapper strips markdown code fences and surrounding prose,
// leaving the outermost JSON object.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		if idx := strings.Index(content, "\n"); idx >= 0 {
			content = content[idx+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}

	return content
}
