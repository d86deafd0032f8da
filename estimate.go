package llmgate

import (
	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/providers"
)

// defaultOutputEstimate is the output-token allowance assumed for the
// pre-call estimate when the caller left max_output_tokens unset.
const defaultOutputEstimate = 1000

const (
	// ttsCharsPerSecond approximates synthesized speech duration from the
	// prompt length when a per-second model has no real duration yet.
	ttsCharsPerSecond = 15
	// asrSecondsPerClip is charged per audio part whose duration is unknown
	// before the provider reports real usage.
	asrSecondsPerClip = 30
)

// estimateCost computes the admission estimate for one call in USD,
// according to the model's billing unit. Token models charge estimated
// input plus the output allowance; image models charge per generated image;
// audio models charge projected seconds; character models charge the prompt
// length.
func estimateCost(spec config.ModelSpec, req *providers.Request, inputTokens int) float64 {
	p := spec.Pricing
	switch spec.UnitType {
	case config.UnitImage:
		return p.PerImage
	case config.UnitAudioSecond:
		return p.PerSecond * estimateAudioSeconds(req.Parts)
	case config.UnitCharacter:
		return p.InputPer1M * float64(promptChars(req.Parts)) / 1e6
	default:
		out := req.Config.MaxOutputTokens
		if out <= 0 {
			out = defaultOutputEstimate
		}
		return p.InputPer1M*float64(inputTokens)/1e6 + p.OutputPer1M*float64(out)/1e6
	}
}

// actualCost computes the post-call cost. An adapter-reported cost wins
// outright; unknown usage falls back to the admission estimate so the
// aggregate stays consistent; otherwise the reported usage is priced by
// unit.
func actualCost(spec config.ModelSpec, usage providers.TokenUsage, estimate, adapterCost float64) float64 {
	if adapterCost > 0 {
		return adapterCost
	}
	if !usage.Known {
		return estimate
	}
	p := spec.Pricing
	switch spec.UnitType {
	case config.UnitImage:
		return p.PerImage * float64(usage.Images)
	case config.UnitAudioSecond:
		return p.PerSecond * usage.AudioSeconds
	case config.UnitCharacter:
		return p.InputPer1M * float64(usage.TTSCharacters) / 1e6
	default:
		return p.InputPer1M*float64(usage.InputTokens)/1e6 + p.OutputPer1M*float64(usage.OutputTokens)/1e6
	}
}

// partialCost prices what an abandoned stream consumed before the caller
// walked away: the full input estimate plus output priced from the tokens
// observed in consumed deltas. Unit-priced models fall back to the
// admission estimate since partial progress is not measurable there.
func partialCost(spec config.ModelSpec, inputTokens int, outputTokens int64, estimate float64) float64 {
	if spec.UnitType != "" && spec.UnitType != config.UnitToken {
		return estimate
	}
	p := spec.Pricing
	return p.InputPer1M*float64(inputTokens)/1e6 + p.OutputPer1M*float64(outputTokens)/1e6
}

// estimateAudioSeconds projects billable seconds from the request parts:
// text parts assume synthesis at ttsCharsPerSecond, audio parts of unknown
// duration charge a flat clip allowance.
func estimateAudioSeconds(parts []providers.ContentPart) float64 {
	var secs float64
	for _, part := range parts {
		switch part.Type {
		case providers.PartText:
			if n := len(part.Text); n > 0 {
				secs += float64(n)/ttsCharsPerSecond + 1
			}
		case providers.PartAudio:
			secs += asrSecondsPerClip
		}
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func promptChars(parts []providers.ContentPart) int {
	var n int
	for _, part := range parts {
		if part.Type == providers.PartText {
			n += len(part.Text)
		}
	}
	return n
}

// estimateOutputTokens approximates output tokens from accumulated stream
// text, mirroring the chars-per-token rule used for input estimates.
func estimateOutputTokens(chars int) int64 {
	if chars == 0 {
		return 0
	}
	return int64(chars/4) + 1
}
