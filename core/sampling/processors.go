// File: core/sampling/processors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Logit processors adjust a logit row in place before sampling. The
// variants are a closed set selected from LogitsParams at build time;
// a processor whose parameter sits at its identity value is never
// instantiated, so an empty pipeline is the common case.

package sampling

import (
	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

type processorKind uint8

const (
	procRepetition processorKind = iota
	procFrequency
	procPresence
	procBias
)

type processor struct {
	kind processorKind

	penalty     float32
	contextSize int32
	bias        map[int32]float32
}

// Pipeline is the ordered processor chain for one sequence. Order is
// fixed: repetition, frequency, presence, bias.
type Pipeline struct {
	procs []processor
}

// NewPipeline compiles LogitsParams into a pipeline, dropping every
// processor at its identity value.
func NewPipeline(p api.LogitsParams) Pipeline {
	var procs []processor
	if p.RepetitionPenalty != 1.0 && p.RepetitionPenalty > 0 {
		procs = append(procs, processor{
			kind:        procRepetition,
			penalty:     p.RepetitionPenalty,
			contextSize: p.RepetitionContextSize,
		})
	}
	if p.FrequencyPenalty != 0 {
		procs = append(procs, processor{kind: procFrequency, penalty: p.FrequencyPenalty})
	}
	if p.PresencePenalty != 0 {
		procs = append(procs, processor{kind: procPresence, penalty: p.PresencePenalty})
	}
	if len(p.LogitBias) > 0 {
		procs = append(procs, processor{kind: procBias, bias: p.LogitBias})
	}
	return Pipeline{procs: procs}
}

// Empty reports whether every processor was at identity.
func (pl Pipeline) Empty() bool { return len(pl.procs) == 0 }

// Apply runs the chain over one logit row. tokens is the full sequence
// so far; promptLen marks where generation starts. The row is modified
// in place.
func (pl Pipeline) Apply(logits []float32, tokens []int32, promptLen int) {
	for _, p := range pl.procs {
		switch p.kind {
		case procRepetition:
			applyRepetition(logits, p.penalty, p.contextSize, tokens)
		case procFrequency:
			applyFrequency(logits, p.penalty, tokens[promptLen:])
		case procPresence:
			applyPresence(logits, p.penalty, tokens[promptLen:])
		case procBias:
			applyBias(logits, p.bias)
		}
	}
}

// applyRepetition dampens every token seen in the trailing context
// window: positive logits divide by the penalty, negative multiply.
func applyRepetition(logits []float32, penalty float32, contextSize int32, tokens []int32) {
	window := tokens
	if contextSize > 0 && len(tokens) > int(contextSize) {
		window = tokens[len(tokens)-int(contextSize):]
	}
	for _, t := range window {
		if t < 0 || int(t) >= len(logits) {
			continue
		}
		if l := logits[t]; l > 0 {
			logits[t] = l / penalty
		} else {
			logits[t] = l * penalty
		}
	}
}

// applyFrequency subtracts penalty scaled by how often each token was
// generated.
func applyFrequency(logits []float32, penalty float32, generated []int32) {
	for t, n := range countTokens(generated, len(logits)) {
		logits[t] -= penalty * float32(n)
	}
}

// applyPresence subtracts a flat penalty from every token generated at
// least once.
func applyPresence(logits []float32, penalty float32, generated []int32) {
	for t := range countTokens(generated, len(logits)) {
		logits[t] -= penalty
	}
}

func applyBias(logits []float32, bias map[int32]float32) {
	for t, b := range bias {
		if t < 0 || int(t) >= len(logits) {
			continue
		}
		logits[t] += b
	}
}

func countTokens(tokens []int32, vocab int) map[int32]int {
	counts := make(map[int32]int, len(tokens))
	for _, t := range tokens {
		if t < 0 || int(t) >= vocab {
			continue
		}
		counts[t]++
	}
	return counts
}
