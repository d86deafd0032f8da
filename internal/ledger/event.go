package ledger

import "encoding/json"

// EventType classifies an accounting event within a trace.
type EventType string

const (
	// EventHold reserves estimated spend before the provider call.
	EventHold EventType = "precheck_hold"
	// EventCommit is the terminal record of a finished call, success or not.
	EventCommit EventType = "commit"
	// EventCancel is the terminal record of a call that never completed.
	EventCancel EventType = "cancel"
	// EventAdjust corrects a committed cost after the fact. CostActual
	// carries a signed delta.
	EventAdjust EventType = "adjust"
	// EventRetryAttempt records one adapter attempt inside a trace.
	EventRetryAttempt EventType = "retry_attempt"
)

// Status is the outcome recorded on an event.
type Status string

const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
	StatusRateLimited Status = "rate_limited"
)

// Usage is the usage accounting attached to commit events. Token fields
// cover text models; the remaining units cover image, audio, and TTS
// pricing. Known is false when the provider reported nothing and the
// numbers are estimates.
type Usage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	Images        int64   `json:"images,omitempty"`
	AudioSeconds  float64 `json:"audio_seconds,omitempty"`
	TTSCharacters int64   `json:"tts_characters,omitempty"`
	Known         bool    `json:"known"`
}

// Timing holds per-call latency measurements in milliseconds.
type Timing struct {
	TTFTMs  float64 `json:"ttft_ms,omitempty"`
	TotalMs float64 `json:"total_ms"`
}

// Event is one immutable row in the events table. Producers surrender the
// event on Append; the ledger owns it afterwards.
type Event struct {
	EventID    string
	TraceID    string
	Type       EventType
	Provider   string
	Model      string
	Usage      *Usage
	CostEst    float64
	CostActual float64
	Status     Status
	Timing     *Timing
	Metadata   map[string]any
	Timestamp  float64 // unix seconds, fractional

	done chan error // non-nil when a producer attached a sync handle
}

// terminal events are never evicted from a full queue.
func (e *Event) terminal() bool {
	return e.Type == EventCommit || e.Type == EventCancel
}

func (e *Event) usageJSON() string {
	if e.Usage == nil {
		return ""
	}
	b, _ := json.Marshal(e.Usage)
	return string(b)
}

func (e *Event) timingJSON() string {
	if e.Timing == nil {
		return ""
	}
	b, _ := json.Marshal(e.Timing)
	return string(b)
}

func (e *Event) metadataJSON() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	b, _ := json.Marshal(e.Metadata)
	return string(b)
}

func (e *Event) signal(err error) {
	if e.done != nil {
		e.done <- err
		e.done = nil
	}
}
