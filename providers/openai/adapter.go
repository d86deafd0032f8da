// Package openai adapts the OpenAI chat completions API, including
// OpenAI-compatible backends reachable through a base-URL override.
package openai

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

const defaultBaseURL = "https://api.openai.com"

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an OpenAI adapter. An empty baseURL targets the public API;
// a zero timeout defaults to 30s.
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
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func (a *Adapter) EstimateTokens(req *providers.Request) int {
	return providers.EstimateParts(req.Parts)
}

// buildPayload translates the unified request into a chat completions body.
func (a *Adapter) buildPayload(req *providers.Request, stream bool) (map[string]any, error) {
	if req.Config.Task != "" && req.Config.Task != providers.TaskChat {
		return nil, &providers.ClassifiedError{
			Err:   fmt.Errorf("task %q not supported by the openai adapter", req.Config.Task),
			Class: providers.ClassFatal,
		}
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": []map[string]any{{"role": "user", "content": messageContent(req.Parts)}},
	}
	if req.Config.MaxOutputTokens > 0 {
		payload["max_tokens"] = req.Config.MaxOutputTokens
	}
	if req.Config.Temperature != nil {
		payload["temperature"] = *req.Config.Temperature
	}
	if stream {
		payload["stream"] = true
		// Ask for a usage chunk on the final event.
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload, nil
}

// messageContent renders parts either as a plain string (text only) or as
// the content-array form the vision API expects.
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
			url := p.FileURI
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", p.MIMEType, base64.StdEncoding.EncodeToString(p.Data))
			}
			content = append(content, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})
		default:
			// Unsupported part types degrade to their text placeholder.
			r := providers.Request{Parts: []providers.ContentPart{p}}
			content = append(content, map[string]any{"type": "text", "text": r.PromptText()})
		}
	}
	return content
}

// chatResponse is the subset of the completions response we consume.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u *chatUsage) toTokenUsage() providers.TokenUsage {
	return providers.TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
		Known:        true,
	}
}

func mapFinishReason(s string) providers.FinishReason {
	switch s {
	case "stop", "":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "content_filter":
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

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.authHeaders())
	if err != nil {
		return nil, a.classify(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &providers.ClassifiedError{Err: fmt.Errorf("failed to parse response: %w", err), Class: providers.ClassFatal}
	}
	if len(parsed.Choices) == 0 {
		return nil, &providers.ClassifiedError{Err: errors.New("response has no choices"), Class: providers.ClassFatal}
	}

	resp := &providers.GenerationResponse{
		Content:      parsed.Choices[0].Message.Content,
		Model:        orDefault(parsed.Model, req.Model),
		Provider:     a.name,
		FinishReason: mapFinishReason(parsed.Choices[0].FinishReason),
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

	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.authHeaders())
	if err != nil {
		return nil, a.classify(err)
	}
	return newStream(body), nil
}

// classify maps request failures onto the retry taxonomy. Auth and argument
// errors are fatal; 429 carries the Retry-After hint when present.
func (a *Adapter) classify(err error) error {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
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
