// File: core/scheduler/batch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Batch formation and consumption: which sequences run this step, the
// pages they need, the descriptor fed to the model, and what happens
// to the logits that come back.

package scheduler

import (
	"sort"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/control"
	"github.com/TheProxyCompany/proxy-inference-engine/core/kvpool"
	"github.com/TheProxyCompany/proxy-inference-engine/core/sequence"
)

// batchItem is one admitted sequence plus its step-local accounting.
// fresh tracks pages allocated this step so a failed allocation can
// roll back exactly.
type batchItem struct {
	ent      *entry
	inputLen int
	fresh    []kvpool.PageID
}

// candidates returns runnable entries oldest arrival first; at equal
// arrival, decoding sequences go before prefilling ones so generation
// in flight is never starved by a burst of new prompts.
func (s *Scheduler) candidates() []*entry {
	out := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		ent := s.running[id]
		if ent.seq.Status.Terminal() || ent.seq.Cancelled.Load() {
			continue
		}
		out = append(out, ent)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].seq, out[j].seq
		if a.ArrivalNS != b.ArrivalNS {
			return a.ArrivalNS < b.ArrivalNS
		}
		ad := a.Status == sequence.StatusDecoding
		bd := b.Status == sequence.StatusDecoding
		if ad != bd {
			return ad
		}
		return a.ID < b.ID
	})
	return out
}

// selectBatch picks the sequences for this step under the token and
// page budgets. A prefilling sequence contributes a prompt chunk
// bounded by the remaining token budget; a decoding one contributes a
// single token.
func (s *Scheduler) selectBatch() []*batchItem {
	tokens := s.cfg.MaxTokensPerBatch
	pages := s.pool.NumFree()

	var batch []*batchItem
	inBatch := make(map[uint64]bool)

	for _, ent := range s.candidates() {
		if tokens <= 0 {
			break
		}
		seq := ent.seq
		// An earlier candidate's preemption may have demoted this one
		// back to waiting since the snapshot was taken.
		if seq.Status != sequence.StatusPrefilling && seq.Status != sequence.StatusDecoding {
			continue
		}

		inputLen := 1
		if !seq.PromptCached() {
			inputLen = seq.PromptLen - seq.NumCached
			if inputLen > tokens {
				inputLen = tokens
			}
		}
		target := seq.NumCached + inputLen

		// A sequence that cannot fit even when owning the whole pool
		// ends here instead of waiting forever.
		limit := target
		if seq.PromptLen > limit {
			limit = seq.PromptLen
		}
		if sequence.PagesFor(limit) > s.pool.Size() {
			s.finishMemory(ent)
			continue
		}

		need := seq.PagesShort(target)
		for need > pages && s.cfg.Preempt {
			freed, ok := s.preemptOne(inBatch, seq.ArrivalNS)
			if !ok {
				break
			}
			pages += freed
		}
		if need > pages {
			continue
		}

		tokens -= inputLen
		pages -= need
		batch = append(batch, &batchItem{ent: ent, inputLen: inputLen})
		inBatch[seq.ID] = true
	}
	return batch
}

// finishMemory retires a sequence whose page need exceeds pool
// capacity. The final delta carries no token.
func (s *Scheduler) finishMemory(ent *entry) {
	seq := ent.seq
	seq.Status = sequence.StatusCompleted
	seq.Reason = api.FinishMemory
	s.metrics.Inc(control.MetricMemoryFailures)
	s.log.Warn("sequence exceeds pool capacity",
		"request_id", seq.ID, "prompt_len", seq.PromptLen, "pool_pages", s.pool.Size())
	s.emit(Output{RequestID: seq.ID, IsFinal: true, Reason: api.FinishMemory})
}

// preemptOne demotes the newest decoding sequence that arrived after
// newerThan and is not in skip: its pages return to the pool, its
// generated tokens are discarded, and it requeues at the waiting tail
// to prefill again later. Only strictly newer victims are considered
// so making room for a sequence never evicts an older one.
func (s *Scheduler) preemptOne(skip map[uint64]bool, newerThan int64) (int, bool) {
	var victim *entry
	for _, id := range s.order {
		if skip[id] {
			continue
		}
		ent := s.running[id]
		if ent.seq.Status != sequence.StatusDecoding || ent.seq.Cancelled.Load() {
			continue
		}
		if ent.seq.ArrivalNS <= newerThan {
			continue
		}
		if victim == nil || ent.seq.ArrivalNS > victim.seq.ArrivalNS {
			victim = ent
		}
	}
	if victim == nil {
		return 0, false
	}
	seq := victim.seq
	freed := s.releasePages(seq)
	seq.ResetToPrompt()
	delete(s.running, seq.ID)
	for i, id := range s.order {
		if id == seq.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.waiting.Add(seq)
	s.metrics.Inc(control.MetricSequencesPreempted)
	s.log.Info("sequence preempted", "request_id", seq.ID, "pages_freed", freed)
	return freed, true
}

// allocate claims the pages each batched sequence needs. A failed
// claim rolls back only that sequence's fresh pages and drops it from
// the batch; it stays running and retries next step.
func (s *Scheduler) allocate(batch []*batchItem) []*batchItem {
	kept := batch[:0]
	for _, it := range batch {
		seq := it.ent.seq
		target := seq.NumCached + it.inputLen
		short := seq.PagesShort(target)

		ok := true
		for i := 0; i < short; i++ {
			id, got := s.pool.Allocate()
			if !got {
				ok = false
				break
			}
			seq.AppendPage(id)
			it.fresh = append(it.fresh, id)
		}
		if ok {
			kept = append(kept, it)
			continue
		}

		for _, id := range it.fresh {
			if err := s.pool.Release(id); err != nil {
				s.log.Error("rollback release failed", "page", uint32(id), "err", err)
			}
		}
		seq.PageTable = seq.PageTable[:len(seq.PageTable)-len(it.fresh)]
		it.fresh = it.fresh[:0]
		s.log.Warn("dropping sequence from batch, retrying next step",
			"request_id", seq.ID, "pages_short", short, "err", api.ErrPoolEmpty)
	}
	return kept
}

// buildDescriptor packs the batch for the model: prefill sequences
// first, then decodes, token ids and positions concatenated in that
// order. Returns the packing order alongside so consumption can walk
// the logits rows.
func (s *Scheduler) buildDescriptor(batch []*batchItem) (*api.BatchDescriptor, []*batchItem) {
	ordered := make([]*batchItem, 0, len(batch))
	for _, it := range batch {
		if !it.ent.seq.PromptCached() {
			ordered = append(ordered, it)
		}
	}
	numPrefill := len(ordered)
	for _, it := range batch {
		if it.ent.seq.PromptCached() {
			ordered = append(ordered, it)
		}
	}

	total := 0
	for _, it := range ordered {
		total += it.inputLen
	}

	desc := &api.BatchDescriptor{
		TokenIDs:    make([]int32, 0, total),
		Positions:   make([]int32, 0, total),
		SeqIDs:      make([]uint64, 0, len(ordered)),
		InputLens:   make([]int32, 0, len(ordered)),
		ContextLens: make([]int32, 0, len(ordered)),
		BlockTables: make([][]int32, 0, len(ordered)),
		NumPrefill:  numPrefill,
		NumDecode:   len(ordered) - numPrefill,
		TotalTokens: total,
		Attention:   s.cfg.Attention,
	}
	for _, it := range ordered {
		seq := it.ent.seq
		feed := seq.Tokens[seq.NumCached : seq.NumCached+it.inputLen]
		desc.TokenIDs = append(desc.TokenIDs, feed...)
		for i := 0; i < it.inputLen; i++ {
			desc.Positions = append(desc.Positions, int32(seq.NumCached+i))
		}
		desc.SeqIDs = append(desc.SeqIDs, seq.ID)
		desc.InputLens = append(desc.InputLens, int32(it.inputLen))
		desc.ContextLens = append(desc.ContextLens, int32(seq.NumCached))
		desc.BlockTables = append(desc.BlockTables, seq.BlockTable())
	}
	return desc, ordered
}

// consume walks the logits rows in packing order. Only the last fed
// position of each sequence is sampled, and only once its whole prompt
// is cached; earlier prefill chunks just advance the cache watermark.
func (s *Scheduler) consume(ordered []*batchItem, logits []float32) {
	row := 0
	for _, it := range ordered {
		seq := it.ent.seq
		last := row + it.inputLen - 1
		lastRow := logits[last*s.vocab : (last+1)*s.vocab]
		row += it.inputLen

		seq.NumCached += it.inputLen
		if !seq.PromptCached() {
			continue
		}

		it.ent.procs.Apply(lastRow, seq.Tokens, seq.PromptLen)
		token := it.ent.sampler.Sample(lastRow)

		var lps []api.Logprob
		if s.cfg.EmitLogprobs && seq.Sampling.TopLogprobs > 0 {
			k := int(seq.Sampling.TopLogprobs)
			if k > api.MaxTopLogprobs {
				k = api.MaxTopLogprobs
			}
			lps = it.ent.sampler.TopLogprobs(lastRow, k)
		}

		seq.Append(token)
		if seq.Status == sequence.StatusPrefilling {
			seq.Status = sequence.StatusDecoding
		}
		s.metrics.Inc(control.MetricTokensGenerated)

		gen := seq.GenerationLen()
		final := false
		reason := api.FinishStop
		switch {
		case seq.Cancelled.Load():
			final, reason = true, api.FinishUser
		case gen >= int(seq.Stop.MaxGeneratedTokens):
			final, reason = true, api.FinishLength
		case seq.MatchesStop(token):
			final, reason = true, api.FinishStop
		}
		if final {
			seq.Status = sequence.StatusCompleted
			seq.Reason = reason
		}

		// A preempted sequence recomputes positions it already sent;
		// those stay suppressed. A terminal condition at a replayed
		// position still owes the client its final delta, minus the
		// token it already has.
		replayed := gen <= seq.Streamed
		if replayed && !final {
			continue
		}

		out := Output{RequestID: seq.ID, IsFinal: final, Reason: reason}
		if !replayed {
			seq.Streamed = gen
			out.Token = token
			out.HasToken = true
			out.Logprobs = lps
		}
		s.emit(out)
	}
}

// failBatch retires every batched sequence after a forward failure.
// The finish-reason enum is a fixed wire contract with no
// internal-error value; MEMORY is the tag for every request the
// engine could not continue.
func (s *Scheduler) failBatch(ordered []*batchItem, desc *api.BatchDescriptor, err error) {
	s.metrics.Inc(control.MetricForwardFailures)
	s.log.Error("model forward failed",
		"batch_seqs", len(ordered), "batch_tokens", desc.TotalTokens, "err", err)
	for _, it := range ordered {
		seq := it.ent.seq
		seq.Status = sequence.StatusFailed
		seq.Reason = api.FinishMemory
		s.emit(Output{RequestID: seq.ID, IsFinal: true, Reason: api.FinishMemory})
	}
}
