// File: core/sampling/sampler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Token samplers. The variant set is closed: greedy when temperature
// is zero, otherwise seeded categorical over the tempered softmax with
// optional top-k, top-p, and min-p truncation. One sampler instance
// serves one sequence; the rng advances across its draws.

package sampling

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

type samplerKind uint8

const (
	samplerGreedy samplerKind = iota
	samplerCategorical
)

// Sampler draws the next token from a processed logit row.
type Sampler struct {
	kind        samplerKind
	temperature float32
	topK        int32
	topP        float32
	minP        float32
	rng         *rand.Rand
}

// NewSampler selects the variant from the request parameters. A zero
// seed derives one from the clock.
func NewSampler(p api.SamplingParams) *Sampler {
	s := &Sampler{
		temperature: p.Temperature,
		topK:        p.TopK,
		topP:        p.TopP,
		minP:        p.MinP,
	}
	if p.Temperature == 0 {
		s.kind = samplerGreedy
		return s
	}
	s.kind = samplerCategorical
	seed := p.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return s
}

// Sample returns the next token id for one logit row.
func (s *Sampler) Sample(logits []float32) int32 {
	switch s.kind {
	case samplerGreedy:
		return argmax(logits)
	default:
		return s.categorical(logits)
	}
}

func (s *Sampler) categorical(logits []float32) int32 {
	probs := softmax(logits, s.temperature)
	if probs == nil {
		return argmax(logits)
	}
	if s.topK <= 0 && s.topP >= 1 && s.minP <= 0 {
		return draw(s.rng, probs, 1)
	}

	idx := sortedByProb(probs)
	keep := len(idx)
	if s.topK > 0 && int(s.topK) < keep {
		keep = int(s.topK)
	}
	if s.topP < 1 {
		cum := 0.0
		for i := 0; i < keep; i++ {
			cum += probs[idx[i]]
			if cum >= float64(s.topP) {
				keep = i + 1
				break
			}
		}
	}
	if s.minP > 0 {
		floor := float64(s.minP) * probs[idx[0]]
		for i := 1; i < keep; i++ {
			if probs[idx[i]] < floor {
				keep = i
				break
			}
		}
	}

	kept := idx[:keep]
	total := 0.0
	for _, t := range kept {
		total += probs[t]
	}
	u := s.rng.Float64() * total
	cum := 0.0
	for _, t := range kept {
		cum += probs[t]
		if u < cum {
			return int32(t)
		}
	}
	return int32(kept[keep-1])
}

// TopLogprobs reports the k most probable (token, ln prob) pairs of the
// full distribution the sampler drew from. Greedy reports against the
// untempered softmax.
func (s *Sampler) TopLogprobs(logits []float32, k int) []api.Logprob {
	if k <= 0 {
		return nil
	}
	temp := s.temperature
	if s.kind == samplerGreedy {
		temp = 1
	}
	probs := softmax(logits, temp)
	if probs == nil {
		return nil
	}
	idx := sortedByProb(probs)
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]api.Logprob, k)
	for i := 0; i < k; i++ {
		t := idx[i]
		out[i] = api.Logprob{TokenID: int32(t), Logprob: float32(math.Log(probs[t]))}
	}
	return out
}

func argmax(logits []float32) int32 {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return int32(best)
}

// softmax returns the normalized distribution of logits/temp, or nil
// when the row does not normalize (empty, or degenerate values).
func softmax(logits []float32, temp float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	t := float64(temp)
	if t <= 0 {
		t = 1
	}
	maxL := float64(logits[0])
	for _, l := range logits[1:] {
		if float64(l) > maxL {
			maxL = float64(l)
		}
	}
	probs := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		p := math.Exp((float64(l) - maxL) / t)
		probs[i] = p
		sum += p
	}
	if !(sum > 0) || math.IsNaN(sum) {
		return nil
	}
	inv := 1 / sum
	for i := range probs {
		probs[i] *= inv
	}
	return probs
}

// sortedByProb returns vocab indexes ordered by descending probability,
// ties broken by token id so the order is total.
func sortedByProb(probs []float64) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		pa, pb := probs[idx[a]], probs[idx[b]]
		if pa != pb {
			return pa > pb
		}
		return idx[a] < idx[b]
	})
	return idx
}

func draw(rng *rand.Rand, probs []float64, total float64) int32 {
	u := rng.Float64() * total
	cum := 0.0
	last := 0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		cum += p
		last = i
		if u < cum {
			return int32(i)
		}
	}
	return int32(last)
}
