// File: core/sequence/sequence.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Sequence is one generation in flight: the token buffer, the page
// table backing its KV cache, and the parameters that steer sampling.
// The preprocessor builds it; after handoff the scheduler goroutine is
// the only writer. The cancellation flag is the one cross-goroutine
// field and is atomic.

package sequence

import (
	"sync/atomic"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/core/kvpool"
)

// Status tracks a sequence through the scheduler.
type Status uint8

const (
	// StatusWaiting: built, queued, no pages held.
	StatusWaiting Status = iota
	// StatusPrefilling: admitted, prompt being fed in chunks.
	StatusPrefilling
	// StatusDecoding: prompt cached, generating one token per step.
	StatusDecoding
	// StatusCompleted: finished with a terminal reason, including
	// cancellation and memory exhaustion; pages pending release.
	StatusCompleted
	// StatusFailed: aborted by an engine fault such as a forward error.
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusPrefilling:
		return "prefilling"
	case StatusDecoding:
		return "decoding"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further scheduling steps apply.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Params carry everything needed to build a sequence.
type Params struct {
	ID             uint64
	ArrivalNS      int64
	Kind           api.PromptKind
	Prompt         []int32
	Sampling       api.SamplingParams
	Logits         api.LogitsParams
	Stop           api.StopCriteria
	IPC            api.IPCHandles
	ToolSchema     string
	ResponseFormat string
}

// Sequence is one generation in flight. ID is the originating request
// id; deltas and cancellation key on it.
type Sequence struct {
	ID        uint64
	ArrivalNS int64
	Kind      api.PromptKind

	Sampling api.SamplingParams
	Logits   api.LogitsParams
	Stop     api.StopCriteria
	IPC      api.IPCHandles

	ToolSchema     string
	ResponseFormat string

	Status Status

	// Tokens holds prompt then generated tokens; PromptLen marks the
	// boundary and never changes.
	Tokens    []int32
	PromptLen int

	// NumCached counts leading tokens whose KV lives in the cache.
	NumCached int

	// PageTable lists held pages in logical order. Its capacity always
	// covers NumCached plus the tokens being fed this step.
	PageTable []kvpool.PageID

	// Streamed counts generated positions already emitted toward the
	// client. It survives preemption so a recomputed prefix is not
	// streamed twice.
	Streamed int

	// Cancelled is flipped by the cancellation registry from outside
	// the scheduler goroutine.
	Cancelled atomic.Bool

	// Reason is meaningful once Status is terminal.
	Reason api.FinishReason
}

// New builds a waiting sequence. The prompt slice is owned by the
// sequence afterwards.
func New(p Params) *Sequence {
	return &Sequence{
		ID:             p.ID,
		ArrivalNS:      p.ArrivalNS,
		Kind:           p.Kind,
		Sampling:       p.Sampling,
		Logits:         p.Logits,
		Stop:           p.Stop,
		IPC:            p.IPC,
		ToolSchema:     p.ToolSchema,
		ResponseFormat: p.ResponseFormat,
		Status:         StatusWaiting,
		Tokens:         p.Prompt,
		PromptLen:      len(p.Prompt),
	}
}

// Len is the logical length: prompt plus generated tokens.
func (s *Sequence) Len() int { return len(s.Tokens) }

// GenerationLen counts generated tokens.
func (s *Sequence) GenerationLen() int { return len(s.Tokens) - s.PromptLen }

// PromptCached reports whether every prompt token has KV in the cache.
func (s *Sequence) PromptCached() bool { return s.NumCached >= s.PromptLen }

// Append records one sampled token.
func (s *Sequence) Append(token int32) { s.Tokens = append(s.Tokens, token) }

// Uncached returns the tokens not yet fed to the model.
func (s *Sequence) Uncached() []int32 { return s.Tokens[s.NumCached:] }

// PagesFor converts a token count to the pages covering it.
func PagesFor(tokens int) int {
	return (tokens + kvpool.TokensPerPage - 1) / kvpool.TokensPerPage
}

// PagesShort reports how many pages must be allocated before target
// tokens fit under the current page table.
func (s *Sequence) PagesShort(target int) int {
	need := PagesFor(target) - len(s.PageTable)
	if need < 0 {
		return 0
	}
	return need
}

// AppendPage extends the page table.
func (s *Sequence) AppendPage(id kvpool.PageID) {
	s.PageTable = append(s.PageTable, id)
}

// BlockTable renders the page table as a descriptor row.
func (s *Sequence) BlockTable() []int32 {
	row := make([]int32, len(s.PageTable))
	for i, id := range s.PageTable {
		row[i] = int32(id)
	}
	return row
}

// MatchesStop reports whether token is one of the stop ids.
func (s *Sequence) MatchesStop(token int32) bool {
	for _, id := range s.Stop.StopTokenIDs {
		if id == token {
			return true
		}
	}
	return false
}

// ResetToPrompt rewinds a preempted sequence: generated tokens and
// cache bookkeeping are discarded so prefill restarts from scratch.
// Streamed is preserved. The caller must have released the pages
// already.
func (s *Sequence) ResetToPrompt() {
	s.Tokens = s.Tokens[:s.PromptLen]
	s.NumCached = 0
	s.PageTable = s.PageTable[:0]
	s.Status = StatusWaiting
}
