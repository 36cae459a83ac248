// File: core/sampling/sampling_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sampling

import (
	"math"
	"testing"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

func almostEqual(a, b float32) bool {
	return math.Abs(float64(a)-float64(b)) < 1e-5
}

func TestPipelineIdentity(t *testing.T) {
	pl := NewPipeline(api.DefaultLogitsParams())
	if !pl.Empty() {
		t.Fatalf("default params built %d processors", len(pl.procs))
	}
	logits := []float32{1, 2, 3}
	pl.Apply(logits, []int32{0, 1, 2}, 0)
	for i, want := range []float32{1, 2, 3} {
		if logits[i] != want {
			t.Fatalf("identity pipeline changed logits: %v", logits)
		}
	}
}

func TestRepetitionPenalty(t *testing.T) {
	pl := NewPipeline(api.LogitsParams{RepetitionPenalty: 2, RepetitionContextSize: 60})
	logits := []float32{2, -2, 1}
	pl.Apply(logits, []int32{0, 1}, 0)
	if !almostEqual(logits[0], 1) {
		t.Fatalf("positive logit: got %v, want 1", logits[0])
	}
	if !almostEqual(logits[1], -4) {
		t.Fatalf("negative logit: got %v, want -4", logits[1])
	}
	if logits[2] != 1 {
		t.Fatalf("unseen token changed: %v", logits[2])
	}
}

func TestRepetitionContextWindow(t *testing.T) {
	pl := NewPipeline(api.LogitsParams{RepetitionPenalty: 2, RepetitionContextSize: 1})
	logits := []float32{2, 2}
	// Token 0 left the window; only token 1 is penalized.
	pl.Apply(logits, []int32{0, 1}, 0)
	if logits[0] != 2 {
		t.Fatalf("token outside window penalized: %v", logits[0])
	}
	if !almostEqual(logits[1], 1) {
		t.Fatalf("token inside window not penalized: %v", logits[1])
	}
}

func TestFrequencyPenaltyCountsGeneratedOnly(t *testing.T) {
	pl := NewPipeline(api.LogitsParams{FrequencyPenalty: 0.5})
	logits := []float32{0, 0, 0, 0, 0, 10, 0, 3}
	// Prompt [5]; generated [5, 5, 7].
	pl.Apply(logits, []int32{5, 5, 5, 7}, 1)
	if !almostEqual(logits[5], 10-0.5*2) {
		t.Fatalf("token 5: got %v, want 9", logits[5])
	}
	if !almostEqual(logits[7], 3-0.5) {
		t.Fatalf("token 7: got %v, want 2.5", logits[7])
	}
	if logits[0] != 0 {
		t.Fatalf("unseen token changed: %v", logits[0])
	}
}

func TestPresencePenaltyIsFlat(t *testing.T) {
	pl := NewPipeline(api.LogitsParams{PresencePenalty: 1.5})
	logits := []float32{0, 5, 5}
	pl.Apply(logits, []int32{1, 1, 1, 2}, 0)
	if !almostEqual(logits[1], 3.5) || !almostEqual(logits[2], 3.5) {
		t.Fatalf("presence penalty not flat: %v", logits)
	}
}

func TestLogitBias(t *testing.T) {
	pl := NewPipeline(api.LogitsParams{
		LogitBias: map[int32]float32{1: -100, 2: 5, 999: 1},
	})
	logits := []float32{0, 0, 0}
	pl.Apply(logits, nil, 0)
	if logits[1] != -100 || logits[2] != 5 {
		t.Fatalf("bias not applied: %v", logits)
	}
	if logits[0] != 0 {
		t.Fatalf("unbiased token changed: %v", logits)
	}
}

func TestProcessorOrderIsFixed(t *testing.T) {
	pl := NewPipeline(api.LogitsParams{
		RepetitionPenalty: 2,
		FrequencyPenalty:  0.25,
		PresencePenalty:   0.5,
		LogitBias:         map[int32]float32{0: 1},
	})
	kinds := make([]processorKind, len(pl.procs))
	for i, p := range pl.procs {
		kinds[i] = p.kind
	}
	want := []processorKind{procRepetition, procFrequency, procPresence, procBias}
	if len(kinds) != len(want) {
		t.Fatalf("built %d processors, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("processor order %v, want %v", kinds, want)
		}
	}
}

func TestGreedyPicksArgmax(t *testing.T) {
	s := NewSampler(api.SamplingParams{Temperature: 0})
	if got := s.Sample([]float32{0.1, 5, -2, 4.9}); got != 1 {
		t.Fatalf("greedy picked %d, want 1", got)
	}
	// First index wins ties.
	if got := s.Sample([]float32{3, 3, 3}); got != 0 {
		t.Fatalf("tie broke to %d, want 0", got)
	}
}

func TestCategoricalSeedDeterminism(t *testing.T) {
	p := api.SamplingParams{Temperature: 0.8, TopP: 1, TopK: -1, Seed: 42}
	a := NewSampler(p)
	b := NewSampler(p)
	logits := []float32{1, 2, 3, 2.5, 0.5}
	for i := 0; i < 50; i++ {
		ta, tb := a.Sample(logits), b.Sample(logits)
		if ta != tb {
			t.Fatalf("draw %d diverged: %d vs %d", i, ta, tb)
		}
	}
}

func TestCategoricalFollowsPeakedDistribution(t *testing.T) {
	s := NewSampler(api.SamplingParams{Temperature: 1, TopP: 1, TopK: -1, Seed: 7})
	logits := []float32{0, 0, 12}
	hits := 0
	for i := 0; i < 100; i++ {
		if s.Sample(logits) == 2 {
			hits++
		}
	}
	if hits < 95 {
		t.Fatalf("peaked distribution sampled argmax only %d/100 times", hits)
	}
}

func TestTopKOneIsGreedy(t *testing.T) {
	s := NewSampler(api.SamplingParams{Temperature: 1.5, TopP: 1, TopK: 1, Seed: 3})
	logits := []float32{1, 9, 2, 8.9}
	for i := 0; i < 20; i++ {
		if got := s.Sample(logits); got != 1 {
			t.Fatalf("top-k=1 sampled %d, want 1", got)
		}
	}
}

func TestTopPTruncatesTail(t *testing.T) {
	// Head token holds ~83% of the mass; topP=0.5 keeps only it.
	s := NewSampler(api.SamplingParams{Temperature: 1, TopP: 0.5, TopK: -1, Seed: 11})
	logits := []float32{4, 2, 1, 0}
	for i := 0; i < 20; i++ {
		if got := s.Sample(logits); got != 0 {
			t.Fatalf("top-p sampled outside nucleus: %d", got)
		}
	}
}

func TestMinPKeepsOnlyNearPeak(t *testing.T) {
	s := NewSampler(api.SamplingParams{Temperature: 1, TopP: 1, TopK: -1, MinP: 0.9, Seed: 5})
	logits := []float32{5, 1, 0.5}
	for i := 0; i < 20; i++ {
		if got := s.Sample(logits); got != 0 {
			t.Fatalf("min-p sampled below floor: %d", got)
		}
	}
}

func TestTopLogprobs(t *testing.T) {
	s := NewSampler(api.SamplingParams{Temperature: 0})
	logits := []float32{1, 3, 2, 0}
	lps := s.TopLogprobs(logits, 3)
	if len(lps) != 3 {
		t.Fatalf("got %d logprobs, want 3", len(lps))
	}
	if lps[0].TokenID != 1 || lps[1].TokenID != 2 || lps[2].TokenID != 0 {
		t.Fatalf("rank order wrong: %+v", lps)
	}
	for i := 1; i < len(lps); i++ {
		if lps[i].Logprob > lps[i-1].Logprob {
			t.Fatalf("logprobs not descending: %+v", lps)
		}
	}
	// ln p of the top token against a hand-computed softmax.
	z := math.Exp(1-3) + math.Exp(0) + math.Exp(2-3) + math.Exp(0-3)
	want := float32(math.Log(1 / z))
	if !almostEqual(lps[0].Logprob, want) {
		t.Fatalf("top logprob %v, want %v", lps[0].Logprob, want)
	}

	if got := s.TopLogprobs(logits, 0); got != nil {
		t.Fatalf("k=0 produced %v", got)
	}
	if got := s.TopLogprobs(logits, 10); len(got) != len(logits) {
		t.Fatalf("k beyond vocab returned %d entries", len(got))
	}
}
