package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/jordanhubbard/llmgate/providers"
)

// chunk is one SSE payload from a streaming completions response.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// stream decodes the SSE body into StreamEvents. With include_usage set the
// server sends a choice-less usage chunk before the [DONE] sentinel; the
// terminal event is emitted once [DONE] arrives.
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	usage  *providers.TokenUsage
	finish providers.FinishReason
	done   bool
	closed bool
}

func newStream(body io.ReadCloser) *stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &stream{body: body, scanner: sc, finish: providers.FinishStop}
}

func (s *stream) Recv() (providers.StreamEvent, error) {
	if s.closed || s.done {
		return providers.StreamEvent{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return providers.StreamEvent{IsFinal: true, Usage: s.usage, FinishReason: s.finish}, nil
		}

		var c chunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			continue
		}
		if c.Usage != nil {
			u := c.Usage.toTokenUsage()
			s.usage = &u
		}
		if len(c.Choices) == 0 {
			continue
		}
		if fr := c.Choices[0].FinishReason; fr != nil && *fr != "" {
			s.finish = mapFinishReason(*fr)
		}
		if c.Choices[0].Delta.Content != "" {
			return providers.StreamEvent{Delta: c.Choices[0].Delta.Content}, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return providers.StreamEvent{}, providers.ClassifyTransport(err)
	}

	// Stream ended without a [DONE] sentinel; synthesize the terminal event.
	s.done = true
	return providers.StreamEvent{IsFinal: true, Usage: s.usage, FinishReason: s.finish}, nil
}

func (s *stream) Close() error {
	s.closed = true
	return s.body.Close()
}
