package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jordanhubbard/llmgate/providers"
)

func chatReq(prompt string) *providers.Request {
	return &providers.Request{
		TraceID: "t-1",
		Model:   "claude-sonnet",
		Parts:   []providers.ContentPart{providers.Text(prompt)},
	}
}

func TestInvoke_success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header, got %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("expected anthropic-version header")
		}
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected /v1/messages, got %s", r.URL.Path)
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if _, ok := payload["max_tokens"]; !ok {
			t.Error("max_tokens must always be sent")
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg-1",
			"model": "claude-sonnet",
			"content": []map[string]string{
				{"type": "text", "text": "Hello from Claude!"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 8, "output_tokens": 4},
		})
	}))
	defer ts.Close()

	a := New("anthropic", "test-key", ts.URL)
	resp, err := a.Invoke(context.Background(), chatReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello from Claude!" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 12 || !resp.Usage.Known {
		t.Errorf("Usage = %+v, want known total 12", resp.Usage)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("FinishReason = %s, want stop", resp.FinishReason)
	}
}

func TestInvoke_stop_reason_mapping(t *testing.T) {
	cases := []struct {
		stop string
		want providers.FinishReason
	}{
		{"end_turn", providers.FinishStop},
		{"stop_sequence", providers.FinishStop},
		{"max_tokens", providers.FinishLength},
		{"refusal", providers.FinishSafetyBlocked},
	}
	for _, tc := range cases {
		stop := tc.stop
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content":     []map[string]string{{"type": "text", "text": "x"}},
				"stop_reason": stop,
			})
		}))

		a := New("anthropic", "k", ts.URL)
		resp, err := a.Invoke(context.Background(), chatReq("hi"))
		ts.Close()
		if err != nil {
			t.Fatalf("stop_reason %q: unexpected error: %v", tc.stop, err)
		}
		if resp.FinishReason != tc.want {
			t.Errorf("stop_reason %q: FinishReason = %s, want %s", tc.stop, resp.FinishReason, tc.want)
		}
	}
}

func TestInvoke_rate_limited_429_and_529(t *testing.T) {
	for _, status := range []int{429, 529} {
		code := status
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
		}))

		a := New("anthropic", "k", ts.URL)
		_, err := a.Invoke(context.Background(), chatReq("hi"))
		ts.Close()
		if providers.Classify(err) != providers.ClassRateLimited {
			t.Errorf("status %d: Classify = %s, want rate_limited", code, providers.Classify(err))
		}
	}
}

func TestInvoke_retry_after_hint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "13")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer ts.Close()

	a := New("anthropic", "k", ts.URL)
	_, err := a.Invoke(context.Background(), chatReq("hi"))
	if hint := providers.RetryAfterHint(err); hint.Seconds() != 13 {
		t.Errorf("RetryAfterHint = %v, want 13s", hint)
	}
}

func TestInvoke_bad_request_is_fatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"prompt is too long"}}`))
	}))
	defer ts.Close()

	a := New("anthropic", "k", ts.URL)
	_, err := a.Invoke(context.Background(), chatReq("hi"))
	if providers.Classify(err) != providers.ClassFatal {
		t.Errorf("Classify = %s, want fatal", providers.Classify(err))
	}
}

func TestInvoke_image_payload(t *testing.T) {
	var captured map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "a dog"}},
		})
	}))
	defer ts.Close()

	a := New("anthropic", "k", ts.URL)
	req := &providers.Request{
		Model: "claude-sonnet",
		Parts: []providers.ContentPart{
			providers.Text("what is this?"),
			providers.Image([]byte{9, 9}, "image/jpeg"),
		},
	}
	if _, err := a.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := captured["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content parts = %d, want 2", len(content))
	}
	img := content[1].(map[string]any)
	if img["type"] != "image" {
		t.Errorf("second part type = %v, want image", img["type"])
	}
	src := img["source"].(map[string]any)
	if src["type"] != "base64" || src["media_type"] != "image/jpeg" {
		t.Errorf("image source = %+v", src)
	}
}

func TestStream_event_sequence(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "event: message_start\n")
		_, _ = io.WriteString(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":7}}}`+"\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\n")
		_, _ = io.WriteString(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi "}}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer ts.Close()

	a := New("anthropic", "k", ts.URL)
	h, err := a.Stream(context.Background(), chatReq("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	var text strings.Builder
	var final *providers.StreamEvent
	for {
		ev, err := h.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		text.WriteString(ev.Delta)
		if ev.IsFinal {
			cp := ev
			final = &cp
		}
	}
	if text.String() != "Hi there" {
		t.Errorf("accumulated = %q, want %q", text.String(), "Hi there")
	}
	if final == nil {
		t.Fatal("no terminal event")
	}
	if final.Usage == nil || final.Usage.InputTokens != 7 || final.Usage.OutputTokens != 2 || final.Usage.TotalTokens != 9 {
		t.Errorf("final usage = %+v, want 7/2/9", final.Usage)
	}
}
