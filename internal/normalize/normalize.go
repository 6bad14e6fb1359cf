// Package normalize canonicalizes the money, time, and text fields a rule or
// analyzer extracted before the merge engine consumes them.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AutoAccountingOrg/autoledger/internal/model"
)

// Normalization errors.
var (
	ErrEmptyAmount   = errors.New("empty amount")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidKind   = errors.New("invalid transaction kind")
	ErrInvalidTime   = errors.New("invalid timestamp")
)

// RawCandidate carries whatever a rule or analyzer produced, before
// canonicalization. All fields are strings as extracted.
type RawCandidate struct {
	Kind         string
	Amount       string
	Currency     string
	Time         string
	Counterparty string
	FromAccount  string
	ToAccount    string
	Channel      string
	EventID      string
}

// Candidate canonicalizes raw fields into a BillCandidate. capturedAt is the
// fallback when no transaction time was extracted.
func Candidate(raw RawCandidate, capturedAt time.Time) (model.BillCandidate, error) {
	amount, err := ParseMoney(raw.Amount)
	if err != nil {
		return model.BillCandidate{}, err
	}

	kind := model.BillKind(strings.ToLower(strings.TrimSpace(raw.Kind)))
	if kind == "" {
		kind = model.KindExpense
	}
	if !kind.Valid() {
		return model.BillCandidate{}, fmt.Errorf("%w: %q", ErrInvalidKind, raw.Kind)
	}

	occurredAt, err := ParseTime(raw.Time, capturedAt)
	if err != nil {
		return model.BillCandidate{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = "CNY"
	}

	return model.BillCandidate{
		Kind:         kind,
		Amount:       amount,
		Currency:     currency,
		OccurredAt:   occurredAt,
		Counterparty: CleanText(raw.Counterparty),
		FromAccount:  CleanText(raw.FromAccount),
		ToAccount:    CleanText(raw.ToAccount),
		Channel:      strings.TrimSpace(raw.Channel),
		EventID:      raw.EventID,
	}, nil
}

// ParseMoney parses a money string into fixed-point minor units. The parse is
// integer-only: floating point never touches the money path, so downstream
// equality comparisons are exact. Currency signs, spaces, and thousands
// separators are tolerated.
func ParseMoney(s string) (int64, error) {
	// Keep digits, the decimal point, and the sign; currency symbols and
	// thousands separators drop out.
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, strings.TrimSpace(s))

	if cleaned == "" || cleaned == "-" {
		return 0, fmt.Errorf("%w: %q", ErrEmptyAmount, s)
	}

	negative := strings.HasPrefix(cleaned, "-")
	cleaned = strings.TrimPrefix(cleaned, "-")
	if strings.Contains(cleaned, "-") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	whole := cleaned
	frac := ""
	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		whole, frac = cleaned[:i], cleaned[i+1:]
		if strings.Contains(frac, ".") {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrEmptyAmount, s)
	}

	// Two decimal places of precision; truncate anything finer.
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var minor int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		minor = minor*10 + int64(r-'0')
	}

	if negative {
		minor = -minor
	}
	return minor, nil
}

// ParseTime normalizes a timestamp to epoch milliseconds. Epoch values in
// second resolution are detected by magnitude and rescaled. Layouts with and
// without a zone are accepted; empty input falls back to the capture time.
func ParseTime(s string, fallback time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.UnixMilli(), nil
	}

	if epoch, ok := parseEpoch(s); ok {
		// Below ~2001-09 in milliseconds, the value must be seconds.
		if epoch < 1_000_000_000_000 {
			epoch *= 1000
		}
		return epoch, nil
	}

	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixMilli(), nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

func parseEpoch(s string) (int64, bool) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	return n, true
}

// CleanText trims account and counterparty text: surrounding whitespace and
// wrapping punctuation go, inner whitespace runs collapse to one space. The
// canonical name is otherwise whatever the rule or analyzer returned.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'[]«»")
	s = strings.Join(strings.Fields(s), " ")
	return s
}
