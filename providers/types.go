package providers

import "strings"

// PartType discriminates the variants of a ContentPart.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
	PartVideo PartType = "video"
	PartFile  PartType = "file"
)

// ContentPart is one element of a multimodal payload. Exactly one of Text,
// Data or FileURI is set depending on Type; binary parts carry a MIME type
// so adapters can encode them for the wire.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	FileURI  string   `json:"file_uri,omitempty"`
}

// Text builds a text part.
func Text(s string) ContentPart {
	return ContentPart{Type: PartText, Text: s}
}

// Image builds an inline image part from raw bytes.
func Image(data []byte, mimeType string) ContentPart {
	return ContentPart{Type: PartImage, Data: data, MIMEType: mimeType}
}

// ImageURI builds an image part referencing a remote object (https://, gs://).
func ImageURI(uri, mimeType string) ContentPart {
	return ContentPart{Type: PartImage, FileURI: uri, MIMEType: mimeType}
}

// Audio builds an inline audio part from raw bytes.
func Audio(data []byte, mimeType string) ContentPart {
	return ContentPart{Type: PartAudio, Data: data, MIMEType: mimeType}
}

// File builds a part referencing a remote file.
func File(uri string) ContentPart {
	return ContentPart{Type: PartFile, FileURI: uri}
}

// Task selects the generation modality for a call.
type Task string

const (
	TaskChat     Task = "chat"
	TaskTTS      Task = "tts"
	TaskASR      Task = "asr"
	TaskImageGen Task = "image_gen"
	TaskVideoGen Task = "video_gen"
)

// VoiceConfig tunes speech synthesis for TaskTTS.
type VoiceConfig struct {
	Voice      string  `json:"voice,omitempty"`
	Format     string  `json:"format,omitempty"`
	SpeedRatio float64 `json:"speed_ratio,omitempty"`
}

// GenConfig carries per-call generation overrides. The zero value means a
// chat task with provider defaults. Temperature is a pointer so zero can be
// sent explicitly.
type GenConfig struct {
	Task            Task         `json:"task,omitempty"`
	Temperature     *float64     `json:"temperature,omitempty"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
	Voice           *VoiceConfig `json:"voice_config,omitempty"`
	ImageSize       string       `json:"image_size,omitempty"`
	AspectRatio     string       `json:"aspect_ratio,omitempty"`
	ThoughtMode     bool         `json:"thought_mode,omitempty"`
	OptimizeImages  bool         `json:"optimize_images,omitempty"`
}

// TokenUsage records what a call consumed across billing units. Known
// reports whether the provider returned real numbers; when false the
// populated fields are local estimates.
type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	Images        int64   `json:"images,omitempty"`
	AudioSeconds  float64 `json:"audio_seconds,omitempty"`
	TTSCharacters int64   `json:"tts_characters,omitempty"`
	Known         bool    `json:"known"`
}

// Add accumulates other into u, used when aggregating streamed usage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.Images += other.Images
	u.AudioSeconds += other.AudioSeconds
	u.TTSCharacters += other.TTSCharacters
	u.Known = u.Known || other.Known
}

// FinishReason tags how a generation ended. Safety blocks are a finish
// reason on a successful response, never an error.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishSafetyBlocked FinishReason = "safety_blocked"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// Timing holds per-call latency measurements in milliseconds.
type Timing struct {
	TTFTMs  float64 `json:"ttft_ms,omitempty"`
	TotalMs float64 `json:"total_ms"`
}

// GenerationResponse is the unified result of a completed call.
type GenerationResponse struct {
	Content      string         `json:"content"`
	MediaParts   []ContentPart  `json:"media_parts,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Usage        TokenUsage     `json:"usage"`
	CostUSD      float64        `json:"cost_usd"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
	Timing       Timing         `json:"timing"`
	ProviderMeta map[string]any `json:"provider_meta,omitempty"`
}

// StreamEvent is one element of a streaming response. The terminal event
// carries IsFinal with aggregate usage and cost; at most one terminal event
// is emitted per stream.
type StreamEvent struct {
	Delta        string       `json:"delta,omitempty"`
	MediaDelta   []byte       `json:"media_delta,omitempty"`
	IsFinal      bool         `json:"is_final,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	CostUSD      float64      `json:"cost_usd,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Err          error        `json:"-"`
}

// Request is the provider-agnostic envelope adapters translate into wire
// calls. Model is the provider-native model ID, already resolved from the
// caller's alias.
type Request struct {
	TraceID string
	Model   string
	Parts   []ContentPart
	Config  GenConfig
}

// PromptText flattens the text parts into a single prompt for providers
// without multimodal support. Non-text parts are represented by a bracketed
// placeholder so prompt length still reflects them.
func (r *Request) PromptText() string {
	var b strings.Builder
	for i, p := range r.Parts {
		if i > 0 && b.Len() > 0 {
			b.WriteString(" ")
		}
		switch p.Type {
		case PartText:
			b.WriteString(p.Text)
		case PartImage:
			b.WriteString("[IMAGE]")
		case PartAudio:
			b.WriteString("[AUDIO]")
		case PartVideo:
			b.WriteString("[VIDEO]")
		case PartFile:
			b.WriteString("[FILE]")
		}
	}
	return b.String()
}

// mediaPartTokens is the flat estimate charged per non-text part when
// sizing a request for budget and rate-limit prechecks.
const mediaPartTokens = 512

// EstimateParts estimates the input-token count for a part sequence using
// the chars/4 heuristic for text and a flat charge per media part. Always
// returns at least 1 for a non-empty sequence.
func EstimateParts(parts []ContentPart) int {
	total := 0
	for _, p := range parts {
		if p.Type == PartText {
			total += len(p.Text) / 4
		} else {
			total += mediaPartTokens
		}
	}
	if total == 0 && len(parts) > 0 {
		total = 1
	}
	return total
}
