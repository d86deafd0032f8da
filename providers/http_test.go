package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// DoRequest tests
// ---------------------------------------------------------------------------

func TestDoRequest_success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json Content-Type, got %s", ct)
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		if in["key"] != "val" {
			t.Errorf("payload key = %q, want %q", in["key"], "val")
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "hello"})
	}))
	defer ts.Close()

	body, err := DoRequest(context.Background(), ts.Client(), ts.URL, map[string]string{"key": "val"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if got["message"] != "hello" {
		t.Errorf("got message=%q, want %q", got["message"], "hello")
	}
}

func TestDoRequest_auth_headers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization header = %q, want %q", got, "Bearer tok")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, map[string]string{"Authorization": "Bearer tok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDoRequest_server_error(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"something broke"}`))
	}))
	defer ts.Close()

	_, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want %d", se.StatusCode, http.StatusInternalServerError)
	}
	if !strings.Contains(se.Body, "something broke") {
		t.Errorf("Body = %q, want it to contain %q", se.Body, "something broke")
	}
}

func TestDoRequest_retry_after_header(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer ts.Close()

	_, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if se.RetryAfterSecs != 42 {
		t.Errorf("RetryAfterSecs = %d, want 42", se.RetryAfterSecs)
	}
}

func TestDoRequest_trace_id_forwarding(t *testing.T) {
	const wantID = "trace-999"
	var gotID string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx := WithTraceID(context.Background(), wantID)
	if _, err := DoRequest(ctx, ts.Client(), ts.URL, struct{}{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != wantID {
		t.Errorf("X-Request-ID = %q, want %q", gotID, wantID)
	}
}

func TestDoRequest_no_trace_id_when_missing(t *testing.T) {
	var gotID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	if _, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != "" {
		t.Errorf("X-Request-ID should be absent, got %q", gotID)
	}
}

func TestDoRequest_timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewHTTPClient(50*time.Millisecond, false)
	_, err := DoRequest(context.Background(), client, ts.URL, struct{}{}, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if Classify(ClassifyTransport(err)) != ClassRetryable {
		t.Errorf("timeout should classify as retryable, got %s", Classify(ClassifyTransport(err)))
	}
}

func TestDoRequest_marshal_error(t *testing.T) {
	// Channels cannot be marshaled to JSON.
	_, err := DoRequest(context.Background(), http.DefaultClient, "http://localhost", make(chan int), nil)
	if err == nil {
		t.Fatal("expected marshal error")
	}
	if !strings.Contains(err.Error(), "marshal") {
		t.Errorf("error = %q, expected it to contain %q", err.Error(), "marshal")
	}
}

func TestDoRequest_concurrent(t *testing.T) {
	var count atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("request %d failed: %v", i, err)
		}
	}
	if got := count.Load(); got != n {
		t.Errorf("server received %d requests, want %d", got, n)
	}
}

// ---------------------------------------------------------------------------
// DoStreamRequest tests
// ---------------------------------------------------------------------------

func TestDoStreamRequest_success(t *testing.T) {
	const want = `data: {"chunk":"1"}` + "\n\n" + `data: {"chunk":"2"}` + "\n\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(want))
	}))
	defer ts.Close()

	rc, err := DoStreamRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	if string(got) != want {
		t.Errorf("stream body = %q, want %q", string(got), want)
	}
}

func TestDoStreamRequest_server_error(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`bad gateway`))
	}))
	defer ts.Close()

	_, err := DoStreamRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
	if err == nil {
		t.Fatal("expected error for 502 response")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", se.StatusCode, http.StatusBadGateway)
	}
	if se.RetryAfterSecs != 10 {
		t.Errorf("RetryAfterSecs = %d, want 10", se.RetryAfterSecs)
	}
}

func TestDoStreamRequest_close_once(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("stream data"))
	}))
	defer ts.Close()

	rc, err := DoStreamRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "stream data" {
		t.Errorf("data = %q, want %q", string(data), "stream data")
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// NewHTTPClient
// ---------------------------------------------------------------------------

func TestNewHTTPClient_proxy_bypass(t *testing.T) {
	direct := NewHTTPClient(time.Second, true)
	tr, ok := direct.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport", direct.Transport)
	}
	if tr.Proxy != nil {
		t.Error("bypass client should have nil Proxy")
	}

	proxied := NewHTTPClient(time.Second, false)
	tr, ok = proxied.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport", proxied.Transport)
	}
	if tr.Proxy == nil {
		t.Error("default client should keep the environment proxy func")
	}
}
