package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voiq/sam/internal/fault"
)

func TestHTTPClientDispatchSpeech(t *testing.T) {
	var gotAuth string
	var gotReq queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":{"action":"smalltalk.greetings","fulfillment":{"speech":"OK"}}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Token: "tok-123", Lang: "en"})
	res, err := c.Dispatch(context.Background(), Query{Text: "hello there", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.FulfillmentSpeech != "OK" {
		t.Fatalf("speech = %q, want OK", res.FulfillmentSpeech)
	}
	if res.Malformed {
		t.Fatalf("expected well-formed result")
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if len(gotReq.Query) != 1 || gotReq.Query[0] != "hello there" {
		t.Fatalf("query payload = %#v", gotReq.Query)
	}
	if gotReq.Lang != "en" || gotReq.SessionID != "s-1" {
		t.Fatalf("lang/session = %q/%q", gotReq.Lang, gotReq.SessionID)
	}
}

func TestHTTPClientDispatchMoney(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"action":"money","parameters":{"amount":"20","currency":"USD","date":"2024-01-01"}}}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL}).Dispatch(context.Background(), Query{Text: "I spent 20 dollars"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.FulfillmentSpeech != "" || res.Malformed {
		t.Fatalf("speech = %q malformed = %v, want empty and well-formed", res.FulfillmentSpeech, res.Malformed)
	}
	if res.Money == nil {
		t.Fatalf("expected money enrichment")
	}
	if res.Money.Amount != "20" || res.Money.Currency != "USD" {
		t.Fatalf("money = %+v", res.Money)
	}
	if want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); !res.Money.Date.Equal(want) {
		t.Fatalf("date = %v, want %v", res.Money.Date, want)
	}
	if len(res.Money.Missing) != 0 {
		t.Fatalf("missing = %v", res.Money.Missing)
	}
}

func TestHTTPClientMoneyMisspelledAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"action":"money","parameters":{"amout":{"amount":12.5,"currency":"EUR"}}}}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL}).Dispatch(context.Background(), Query{Text: "twelve fifty"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Money == nil || res.Money.Amount != "12.5" || res.Money.Currency != "EUR" {
		t.Fatalf("money = %+v", res.Money)
	}
	if len(res.Money.Missing) != 1 || res.Money.Missing[0] != "date" {
		t.Fatalf("missing = %v, want [date]", res.Money.Missing)
	}
}

func TestHTTPClientNon2xxIsDispatchFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL}).Dispatch(context.Background(), Query{Text: "hi"})
	if !fault.Is(err, fault.DispatchFailed) {
		t.Fatalf("err = %v, want DispatchFailed", err)
	}
	if !fault.IsRetryable(err) {
		t.Fatalf("503 should be classified retryable")
	}
}

func TestHTTPClientMalformedShape(t *testing.T) {
	cases := []string{
		`not json`,
		`{"status":{"code":200}}`,
		`{"result":"oops"}`,
		`{"result":{"fulfillment":{"speech":42}}}`,
	}
	for _, body := range cases {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		res, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL}).Dispatch(context.Background(), Query{Text: "hi"})
		srv.Close()
		if err != nil {
			t.Fatalf("body %q: Dispatch() error = %v", body, err)
		}
		if !res.Malformed || res.FulfillmentSpeech != "" {
			t.Fatalf("body %q: result = %+v, want malformed with empty speech", body, res)
		}
	}
}

func TestHTTPClientStatusErrorInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":{"code":401,"errorType":"unauthorized","errorDetails":"bad token"}}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL}).Dispatch(context.Background(), Query{Text: "hi"})
	if !fault.Is(err, fault.DispatchFailed) {
		t.Fatalf("err = %v, want DispatchFailed", err)
	}
	if fault.IsRetryable(err) {
		t.Fatalf("401 should not be retryable")
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Dispatch(context.Background(), Query{Text: "hi"})
	if !fault.Is(err, fault.DispatchFailed) {
		t.Fatalf("err = %v, want DispatchFailed", err)
	}
}

func TestMockDispatcherEchoes(t *testing.T) {
	res, err := NewMockDispatcher().Dispatch(context.Background(), Query{Text: "  turn on the lights "})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.FulfillmentSpeech != "You said: turn on the lights" {
		t.Fatalf("speech = %q", res.FulfillmentSpeech)
	}
}

func TestParseParameterKinds(t *testing.T) {
	cases := []struct {
		raw  string
		want ParameterKind
	}{
		{`"hello"`, KindString},
		{`"2024-03-05"`, KindDate},
		{`42`, KindNumber},
		{`-1.5`, KindNumber},
		{`{"a":1}`, KindOther},
		{`true`, KindOther},
	}
	for _, tc := range cases {
		if got := parseParameter(json.RawMessage(tc.raw)).Kind; got != tc.want {
			t.Fatalf("parseParameter(%s).Kind = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestHTTPClientLogsMoneyAsAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"action":"money","parameters":{"amount":"20","currency":"USD","date":"2024-01-01"}}}`))
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	client := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Logger: logger})
	if _, err := client.Dispatch(context.Background(), Query{Text: "I spent 20 dollars"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if rec["msg"] != "money spent" {
			continue
		}
		found = true
		if rec["amount"] != "20" || rec["currency"] != "USD" || rec["date"] != "2024-01-01" {
			t.Fatalf("money log = %v, want amount/currency/date attributes", rec)
		}
	}
	if !found {
		t.Fatalf("no money log record in %s", logs.String())
	}
}
