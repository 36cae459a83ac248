// File: core/kvpool/page.go
// Package kvpool implements the fixed pool of KV-cache pages behind the
// paged attention cache.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A KVPage is one physical cache block: key/value tensors for up to
// TokensPerPage positions, quantized int8 with one float16 scale per head.
// Pages are constructed once at pool init and never destroyed; only the
// reference count and token count change over a page's lifetime.

package kvpool

import "sync/atomic"

// TokensPerPage is the token capacity of one KV page. Power of two so
// logical-block arithmetic reduces to shifts and masks.
const TokensPerPage = 64

// PageID is a dense index into the pool, stable for the process lifetime.
type PageID = uint32

// KVPage is one physical KV-cache block.
type KVPage struct {
	pageID   PageID
	numHeads int32
	headDim  int32

	// key and value hold [TokensPerPage, numHeads, headDim] int8 data,
	// row-major. keyScale and valueScale hold one float16 (raw bits) per
	// head.
	key        []int8
	value      []int8
	keyScale   []uint16
	valueScale []uint16

	numTokens atomic.Int32
	refCount  atomic.Int32

	// seqID identifies the sequence currently writing the page. Owned by
	// the holder while refCount > 0; not synchronized.
	seqID uint64
}

const float16One = 0x3C00

func newPage(id PageID, numHeads, headDim int32) KVPage {
	n := int(numHeads) * int(headDim) * TokensPerPage
	p := KVPage{
		pageID:     id,
		numHeads:   numHeads,
		headDim:    headDim,
		key:        make([]int8, n),
		value:      make([]int8, n),
		keyScale:   make([]uint16, numHeads),
		valueScale: make([]uint16, numHeads),
	}
	for h := range p.keyScale {
		p.keyScale[h] = float16One
		p.valueScale[h] = float16One
	}
	return p
}

// ID returns the page's pool index.
func (p *KVPage) ID() PageID { return p.pageID }

// NumHeads returns the per-page head count.
func (p *KVPage) NumHeads() int32 { return p.numHeads }

// HeadDim returns the per-head dimension.
func (p *KVPage) HeadDim() int32 { return p.headDim }

// NumTokens returns the number of positions currently written.
func (p *KVPage) NumTokens() int32 { return p.numTokens.Load() }

// SetNumTokens records how many positions are written. Holder only.
func (p *KVPage) SetNumTokens(n int32) { p.numTokens.Store(n) }

// RefCount returns the current reference count.
func (p *KVPage) RefCount() int32 { return p.refCount.Load() }

// SequenceID returns the id recorded by Reset. Holder only.
func (p *KVPage) SequenceID() uint64 { return p.seqID }

// Reset claims the page for a sequence: tags it and clears the token
// count. Holder only; tensors keep their previous bytes until overwritten.
func (p *KVPage) Reset(seqID uint64) {
	p.seqID = seqID
	p.numTokens.Store(0)
}

// Key returns the key tensor backing store.
func (p *KVPage) Key() []int8 { return p.key }

// Value returns the value tensor backing store.
func (p *KVPage) Value() []int8 { return p.value }

// KeyScale returns the per-head key quantization scales (float16 bits).
func (p *KVPage) KeyScale() []uint16 { return p.keyScale }

// ValueScale returns the per-head value quantization scales (float16 bits).
func (p *KVPage) ValueScale() []uint16 { return p.valueScale }
