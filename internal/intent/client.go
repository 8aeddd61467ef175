// Package intent sends finalized transcripts to the conversational-intent API and
// turns its response into something the controller can speak.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voiq/sam/internal/fault"
	"github.com/voiq/sam/internal/reliability"
)

const (
	DefaultEndpoint = "https://api.api.ai/v1/query?v=20150910"
	DefaultTimeout  = 10 * time.Second

	maxResponseBytes = 1 << 20
)

// Query is one request to the intent service.
type Query struct {
	Text      string
	SessionID string
	Lang      string
}

// Dispatcher resolves a transcript into an intent result.
type Dispatcher interface {
	Dispatch(ctx context.Context, q Query) (Result, error)
}

type HTTPConfig struct {
	Endpoint string
	Token    string
	Lang     string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// HTTPClient talks to the intent API over HTTPS with a static bearer token.
// It issues exactly one request per Dispatch and never retries.
type HTTPClient struct {
	endpoint string
	token    string
	lang     string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lang := strings.TrimSpace(cfg.Lang)
	if lang == "" {
		lang = "en"
	}
	return &HTTPClient{
		endpoint: endpoint,
		token:    strings.TrimSpace(cfg.Token),
		lang:     lang,
		client:   client,
		logger:   logger,
	}
}

type queryRequest struct {
	Query     []string `json:"query"`
	Lang      string   `json:"lang,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

type queryResponse struct {
	Result json.RawMessage `json:"result"`
	Status *struct {
		Code         int    `json:"code"`
		ErrorType    string `json:"errorType"`
		ErrorDetails string `json:"errorDetails"`
	} `json:"status"`
}

type queryResult struct {
	ResolvedQuery string                     `json:"resolvedQuery"`
	Action        string                     `json:"action"`
	Parameters    map[string]json.RawMessage `json:"parameters"`
	Fulfillment   json.RawMessage            `json:"fulfillment"`
}

func (c *HTTPClient) Dispatch(ctx context.Context, q Query) (Result, error) {
	lang := q.Lang
	if lang == "" {
		lang = c.lang
	}
	payload, err := json.Marshal(queryRequest{Query: []string{q.Text}, Lang: lang, SessionID: q.SessionID})
	if err != nil {
		return Result{}, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return Result{}, &fault.Error{
			Kind:      fault.DispatchFailed,
			Source:    "intent",
			Retryable: !errors.Is(err, context.Canceled),
			Detail:    "send request",
			Cause:     err,
		}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &fault.Error{Kind: fault.DispatchFailed, Source: "intent", Retryable: true, Detail: "read response", Cause: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Result{}, &fault.Error{
			Kind:      fault.DispatchFailed,
			Source:    "intent",
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Detail:    fmt.Sprintf("http status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return c.parse(body)
}

func (c *HTTPClient) parse(body []byte) (Result, error) {
	var env queryResponse
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Warn("intent response is not json", "error", err)
		return Result{Malformed: true}, nil
	}
	if env.Status != nil && env.Status.Code >= 400 {
		return Result{}, &fault.Error{
			Kind:      fault.DispatchFailed,
			Source:    "intent",
			Retryable: reliability.IsRetryableHTTPStatus(env.Status.Code),
			Detail:    fmt.Sprintf("status %d %s: %s", env.Status.Code, env.Status.ErrorType, env.Status.ErrorDetails),
		}
	}

	var qr queryResult
	if len(env.Result) == 0 || json.Unmarshal(env.Result, &qr) != nil {
		c.logger.Warn("intent response has no usable result object")
		return Result{Malformed: true}, nil
	}

	out := Result{
		ResolvedQuery: qr.ResolvedQuery,
		Action:        qr.Action,
		Parameters:    make(map[string]Parameter, len(qr.Parameters)),
	}
	for name, raw := range qr.Parameters {
		out.Parameters[name] = parseParameter(raw)
	}

	if out.Action == moneyAction {
		out.Money = extractMoney(out.Parameters)
		if len(out.Money.Missing) > 0 {
			c.logger.Warn("money intent incomplete", "missing", strings.Join(out.Money.Missing, ","))
		} else {
			c.logger.Info("money spent",
				"amount", out.Money.Amount,
				"currency", out.Money.Currency,
				"date", out.Money.Date.Format("2006-01-02"))
		}
	}

	speech, ok := fulfillmentSpeech(qr.Fulfillment)
	if !ok {
		c.logger.Warn("intent fulfillment has unexpected shape")
		out.Malformed = true
	}
	out.FulfillmentSpeech = speech
	return out, nil
}

// fulfillmentSpeech reports ok=false only when fulfillment exists but cannot be read.
func fulfillmentSpeech(raw json.RawMessage) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return "", true
	}
	var f map[string]json.RawMessage
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", false
	}
	speechRaw, ok := f["speech"]
	if !ok {
		return "", true
	}
	var speech string
	if err := json.Unmarshal(speechRaw, &speech); err != nil {
		return "", false
	}
	return strings.TrimSpace(speech), true
}
