// Package anthropic adapts the Anthropic messages API.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/llmgate/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an Anthropic adapter. An empty baseURL targets the public
// API; a zero timeout defaults to 30s.
func New(name, apiKey, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  providers.NewHTTPClient(30*time.Second, false),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client, e.g. with a proxy-bypassing one.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
}

func (a *Adapter) EstimateTokens(req *providers.Request) int {
	return providers.EstimateParts(req.Parts)
}

func (a *Adapter) buildPayload(req *providers.Request, stream bool) (map[string]any, error) {
	if req.Config.Task != "" && req.Config.Task != providers.TaskChat {
		return nil, &providers.ClassifiedError{
			Err:   fmt.Errorf("task %q not supported by the anthropic adapter", req.Config.Task),
			Class: providers.ClassFatal,
		}
	}

	// The messages API requires max_tokens.
	maxTokens := req.Config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   []map[string]any{{"role": "user", "content": messageContent(req.Parts)}},
	}
	if req.Config.Temperature != nil {
		payload["temperature"] = *req.Config.Temperature
	}
	if stream {
		payload["stream"] = true
	}
	return payload, nil
}

func messageContent(parts []providers.ContentPart) any {
	textOnly := true
	for _, p := range parts {
		if p.Type != providers.PartText {
			textOnly = false
			break
		}
	}
	if textOnly {
		r := providers.Request{Parts: parts}
		return r.PromptText()
	}

	content := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case providers.PartText:
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case providers.PartImage:
			if p.FileURI != "" {
				content = append(content, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": p.FileURI},
				})
				continue
			}
			content = append(content, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": p.MIMEType,
					"data":       base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		default:
			r := providers.Request{Parts: []providers.ContentPart{p}}
			content = append(content, map[string]any{"type": "text", "text": r.PromptText()})
		}
	}
	return content
}

// messagesResponse is the subset of the messages response we consume.
type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *messagesUsage `json:"usage"`
}

type messagesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (u *messagesUsage) toTokenUsage() providers.TokenUsage {
	return providers.TokenUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens,
		Known:        true,
	}
}

func mapStopReason(s string) providers.FinishReason {
	switch s {
	case "end_turn", "stop_sequence", "":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "refusal":
		return providers.FinishSafetyBlocked
	default:
		return providers.FinishStop
	}
}

func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.GenerationResponse, error) {
	payload, err := a.buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.authHeaders())
	if err != nil {
		return nil, a.classify(err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &providers.ClassifiedError{Err: fmt.Errorf("failed to parse response: %w", err), Class: providers.ClassFatal}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	resp := &providers.GenerationResponse{
		Content:      text,
		Model:        orDefault(parsed.Model, req.Model),
		Provider:     a.name,
		FinishReason: mapStopReason(parsed.StopReason),
		TraceID:      req.TraceID,
	}
	if parsed.Usage != nil {
		resp.Usage = parsed.Usage.toTokenUsage()
	}
	if parsed.ID != "" {
		resp.ProviderMeta = map[string]any{"id": parsed.ID}
	}
	return resp, nil
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request) (providers.StreamHandle, error) {
	payload, err := a.buildPayload(req, true)
	if err != nil {
		return nil, err
	}

	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.authHeaders())
	if err != nil {
		return nil, a.classify(err)
	}
	return newStream(body), nil
}

// classify maps request failures onto the retry taxonomy. 529 is the
// provider's overloaded signal and is treated like 429.
func (a *Adapter) classify(err error) error {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests || se.StatusCode == 529:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassRateLimited, RetryAfter: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassRetryable}
		default:
			return &providers.ClassifiedError{Err: err, Class: providers.ClassFatal}
		}
	}
	return providers.ClassifyTransport(err)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
