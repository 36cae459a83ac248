// File: api/params.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-request generation parameters carried from the request slot through
// the whole pipeline. All fields are immutable once a sequence is built.

package api

// SamplingParams selects and parameterizes the token sampler.
// Temperature 0 means greedy decoding; TopK < 0 disables top-k.
type SamplingParams struct {
	Temperature float32
	TopP        float32
	TopK        int32
	MinP        float32
	Seed        uint64
	TopLogprobs int32
}

// DefaultSamplingParams returns the wire defaults.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		TopK:        -1,
		MinP:        0.0,
	}
}

// LogitsParams parameterizes the logit processors applied before sampling.
// Each processor is skipped when its field holds the identity value.
type LogitsParams struct {
	RepetitionPenalty     float32
	RepetitionContextSize int32
	FrequencyPenalty      float32
	PresencePenalty       float32
	LogitBias             map[int32]float32
}

// DefaultLogitsParams returns the wire defaults.
func DefaultLogitsParams() LogitsParams {
	return LogitsParams{
		RepetitionPenalty:     1.0,
		RepetitionContextSize: 60,
		FrequencyPenalty:      0.0,
		PresencePenalty:       0.0,
	}
}

// StopCriteria bounds a generation.
type StopCriteria struct {
	MaxGeneratedTokens uint32
	StopTokenIDs       []int32
}

// DefaultStopCriteria returns the wire defaults.
func DefaultStopCriteria() StopCriteria {
	return StopCriteria{MaxGeneratedTokens: 1024}
}

// IPCHandles correlate a request with the client-side channels that
// submitted it. Opaque to the engine; echoed back verbatim.
type IPCHandles struct {
	RequestChannelID  uint64
	ResponseChannelID uint64
}

// PromptKind discriminates how the prompt payload is interpreted.
type PromptKind uint32

const (
	PromptText PromptKind = iota
	PromptChatHistory
)

// FinishReason explains why a generation ended. Values are wire-stable.
type FinishReason uint32

const (
	FinishStop FinishReason = iota
	FinishLength
	FinishUser
	FinishMemory
	FinishToolUse
	FinishInjection
)

// String implements fmt.Stringer.
func (r FinishReason) String() string {
	switch r {
	case FinishStop:
		return "stop"
	case FinishLength:
		return "length"
	case FinishUser:
		return "user"
	case FinishMemory:
		return "memory"
	case FinishToolUse:
		return "tool_use"
	case FinishInjection:
		return "injection"
	default:
		return "unknown"
	}
}
