package anthropic

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/jordanhubbard/llmgate/providers"
)

// streamEvent is one SSE payload from a streaming messages response. The
// API multiplexes several event shapes; Type discriminates them.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *messagesUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *messagesUsage `json:"usage"`
}

// stream decodes the SSE body into StreamEvents. message_start carries the
// input-token count, message_delta the output count and stop reason, and
// message_stop terminates the stream.
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	usage  providers.TokenUsage
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

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				s.usage.InputTokens = ev.Message.Usage.InputTokens
				s.usage.Known = true
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				return providers.StreamEvent{Delta: ev.Delta.Text}, nil
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				s.finish = mapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				s.usage.OutputTokens = ev.Usage.OutputTokens
				s.usage.Known = true
			}
		case "message_stop":
			s.done = true
			s.usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens
			u := s.usage
			return providers.StreamEvent{IsFinal: true, Usage: &u, FinishReason: s.finish}, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return providers.StreamEvent{}, providers.ClassifyTransport(err)
	}

	// Stream ended without message_stop; synthesize the terminal event.
	s.done = true
	s.usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens
	u := s.usage
	return providers.StreamEvent{IsFinal: true, Usage: &u, FinishReason: s.finish}, nil
}

func (s *stream) Close() error {
	s.closed = true
	return s.body.Close()
}
