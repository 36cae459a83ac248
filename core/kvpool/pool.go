// File: core/kvpool/pool.go
// Package kvpool implements the fixed pool of KV-cache pages behind the
// paged attention cache.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The free list is a Treiber stack over a node array parallel to the page
// array: one node per page, linked by index, with a single atomic head.
// A node is either on the stack or its page's refCount is positive, never
// both. Nodes are never shared or reused for another page, so the classic
// ABA hazard on the head CAS cannot produce a node that is still in use;
// the reference count proves aliveness.

package kvpool

import (
	"fmt"
	"sync/atomic"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// Pool owns N pages and their free-list nodes. All methods are safe for
// concurrent use from any goroutine.
type Pool struct {
	pages []KVPage
	nodes []freeNode

	head    atomic.Int64 // index of the top free node, -1 when empty
	_       [cacheLinePad]byte
	numFree atomic.Int64 // monotone approximation, observability only
}

type freeNode struct {
	pageID PageID
	next   atomic.Int64 // index of the next free node, -1 at the bottom
}

const cacheLinePad = 64

// New builds a pool of n pages sized for the given head geometry.
func New(n int, numHeads, headDim int32) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: pool size %d", api.ErrInvalidArgument, n)
	}
	if numHeads <= 0 {
		return nil, fmt.Errorf("%w: num heads %d", api.ErrInvalidArgument, numHeads)
	}
	if headDim <= 0 {
		return nil, fmt.Errorf("%w: head dim %d", api.ErrInvalidArgument, headDim)
	}

	p := &Pool{
		pages: make([]KVPage, 0, n),
		nodes: make([]freeNode, n),
	}
	for id := 0; id < n; id++ {
		p.pages = append(p.pages, newPage(PageID(id), numHeads, headDim))
		p.nodes[id].pageID = PageID(id)
		if id < n-1 {
			p.nodes[id].next.Store(int64(id + 1))
		} else {
			p.nodes[id].next.Store(-1)
		}
	}
	p.head.Store(0)
	p.numFree.Store(int64(n))
	return p, nil
}

// Allocate pops one page from the free stack. ok is false when the pool
// is exhausted. The returned page starts with refCount 1 and numTokens 0.
func (p *Pool) Allocate() (PageID, bool) {
	idx := p.popFree()
	if idx < 0 {
		return 0, false
	}
	page := &p.pages[idx]
	page.numTokens.Store(0)
	page.refCount.Store(1)
	return PageID(idx), true
}

// AddRef increments the reference count of a held page. Incrementing a
// free page is a bug: the page could be allocated to someone else at any
// moment.
func (p *Pool) AddRef(id PageID) error {
	if err := p.checkID(id); err != nil {
		return err
	}
	page := &p.pages[id]
	if page.refCount.Load() <= 0 {
		debugFail("add_ref on free page", id)
		return fmt.Errorf("%w: page %d", api.ErrPageNotHeld, id)
	}
	page.refCount.Add(1)
	return nil
}

// Release decrements the reference count; the last holder pushes the page
// back onto the free stack. Releasing a free page is a bug.
func (p *Pool) Release(id PageID) error {
	if err := p.checkID(id); err != nil {
		return err
	}
	page := &p.pages[id]
	if page.refCount.Load() <= 0 {
		debugFail("release of free page", id)
		return fmt.Errorf("%w: page %d", api.ErrPageNotHeld, id)
	}
	if page.refCount.Add(-1) == 0 {
		p.pushFree(int64(id))
	}
	return nil
}

// Page returns the page for id.
func (p *Pool) Page(id PageID) (*KVPage, error) {
	if err := p.checkID(id); err != nil {
		return nil, err
	}
	return &p.pages[id], nil
}

// Size returns the immutable pool capacity.
func (p *Pool) Size() int { return len(p.pages) }

// NumFree returns the approximate count of free pages. Callers must
// tolerate staleness; it lags the stack during concurrent churn.
func (p *Pool) NumFree() int { return int(p.numFree.Load()) }

func (p *Pool) checkID(id PageID) error {
	if int(id) >= len(p.pages) {
		return fmt.Errorf("%w: page %d, pool size %d", api.ErrPageOutOfRange, id, len(p.pages))
	}
	return nil
}

func (p *Pool) pushFree(idx int64) {
	node := &p.nodes[idx]
	for {
		head := p.head.Load()
		node.next.Store(head)
		if p.head.CompareAndSwap(head, idx) {
			p.numFree.Add(1)
			return
		}
	}
}

func (p *Pool) popFree() int64 {
	for {
		head := p.head.Load()
		if head < 0 {
			return -1
		}
		next := p.nodes[head].next.Load()
		if p.head.CompareAndSwap(head, next) {
			p.numFree.Add(-1)
			return head
		}
	}
}
