package intent

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ParameterKind is the decoded type of an intent parameter value.
type ParameterKind string

const (
	KindString ParameterKind = "string"
	KindNumber ParameterKind = "number"
	KindDate   ParameterKind = "date"
	KindOther  ParameterKind = "other"
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

// Parameter is one named value extracted by the intent service.
type Parameter struct {
	Kind   ParameterKind   `json:"kind"`
	String string          `json:"string,omitempty"`
	Number float64         `json:"number,omitempty"`
	Date   time.Time       `json:"date,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// StringValue renders the parameter as text regardless of its kind.
func (p Parameter) StringValue() string {
	switch p.Kind {
	case KindNumber:
		return strconv.FormatFloat(p.Number, 'f', -1, 64)
	case KindOther:
		return string(p.Raw)
	default:
		return p.String
	}
}

// DateValue returns the parameter as a date when it parsed as one.
func (p Parameter) DateValue() (time.Time, bool) {
	if p.Kind != KindDate {
		return time.Time{}, false
	}
	return p.Date, true
}

func parseParameter(raw json.RawMessage) Parameter {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Parameter{Kind: KindOther}
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Parameter{Kind: KindOther, Raw: append(json.RawMessage(nil), trimmed...)}
		}
		if d, ok := parseDate(s); ok {
			return Parameter{Kind: KindDate, String: s, Date: d}
		}
		return Parameter{Kind: KindString, String: s}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		n, err := strconv.ParseFloat(string(trimmed), 64)
		if err == nil {
			return Parameter{Kind: KindNumber, Number: n}
		}
	}
	return Parameter{Kind: KindOther, Raw: append(json.RawMessage(nil), trimmed...)}
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// Money is the enrichment extracted for the "money" action.
type Money struct {
	Amount   string    `json:"amount"`
	Currency string    `json:"currency"`
	Date     time.Time `json:"date,omitempty"`
	Missing  []string  `json:"missing,omitempty"`
}

// Result is the parsed intent response for one query.
type Result struct {
	ResolvedQuery     string               `json:"resolved_query,omitempty"`
	Action            string               `json:"action,omitempty"`
	Parameters        map[string]Parameter `json:"parameters,omitempty"`
	FulfillmentSpeech string               `json:"fulfillment_speech"`
	Money             *Money               `json:"money,omitempty"`
	Malformed         bool                 `json:"malformed,omitempty"`
}

const moneyAction = "money"

// extractMoney never fails; absent values are listed in Missing.
func extractMoney(params map[string]Parameter) *Money {
	m := &Money{}

	amount, ok := params["amount"]
	if !ok {
		// Older agents were published with the key misspelled.
		amount, ok = params["amout"]
	}
	if ok {
		if amount.Kind == KindOther {
			// unit-currency entities arrive as {"amount": 20, "currency": "USD"}.
			var uc struct {
				Amount   json.Number `json:"amount"`
				Currency string      `json:"currency"`
			}
			if err := json.Unmarshal(amount.Raw, &uc); err == nil {
				m.Amount = uc.Amount.String()
				m.Currency = uc.Currency
			}
		} else {
			m.Amount = amount.StringValue()
		}
	}
	if c, ok := params["currency"]; ok && c.StringValue() != "" {
		m.Currency = c.StringValue()
	}
	if d, ok := params["date"]; ok {
		if v, ok := d.DateValue(); ok {
			m.Date = v
		}
	}

	if m.Amount == "" {
		m.Missing = append(m.Missing, "amount")
	}
	if m.Currency == "" {
		m.Missing = append(m.Missing, "currency")
	}
	if m.Date.IsZero() {
		m.Missing = append(m.Missing, "date")
	}
	return m
}
