package kvpool

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

const (
	testHeads   = 4
	testHeadDim = 8
)

func mustPool(t *testing.T, n int) *Pool {
	t.Helper()
	p, err := New(n, testHeads, testHeadDim)
	if err != nil {
		t.Fatalf("New(%d): %v", n, err)
	}
	return p
}

func allocAll(t *testing.T, p *Pool, n int) []PageID {
	t.Helper()
	ids := make([]PageID, 0, n)
	for i := 0; i < n; i++ {
		id, ok := p.Allocate()
		if !ok {
			t.Fatalf("alloc failed @%d", i)
		}
		ids = append(ids, id)
	}
	return ids
}

// inUse counts pages whose refCount is positive.
func inUse(p *Pool) int {
	n := 0
	for i := range p.pages {
		if p.pages[i].RefCount() > 0 {
			n++
		}
	}
	return n
}

func TestPool_ConstructorValidation(t *testing.T) {
	cases := []struct {
		name           string
		n              int
		heads, headDim int32
	}{
		{"zero pages", 0, testHeads, testHeadDim},
		{"negative pages", -1, testHeads, testHeadDim},
		{"zero heads", 4, 0, testHeadDim},
		{"zero head dim", 4, testHeads, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := New(c.n, c.heads, c.headDim); !errors.Is(err, api.ErrInvalidArgument) {
				t.Errorf("New(%d,%d,%d) err = %v, want ErrInvalidArgument", c.n, c.heads, c.headDim, err)
			}
		})
	}
	if _, err := New(4, testHeads, testHeadDim); err != nil {
		t.Errorf("valid construction failed: %v", err)
	}
}

func TestPool_ExhaustAndRefill(t *testing.T) {
	const n = 8
	p := mustPool(t, n)
	if p.Size() != n || p.NumFree() != n {
		t.Fatalf("fresh pool: size %d free %d", p.Size(), p.NumFree())
	}

	ids := allocAll(t, p, n)
	if p.NumFree() != 0 {
		t.Errorf("after exhausting: free %d", p.NumFree())
	}
	if _, ok := p.Allocate(); ok {
		t.Error("Allocate succeeded on empty pool")
	}

	for _, id := range ids {
		if err := p.Release(id); err != nil {
			t.Fatalf("Release(%d): %v", id, err)
		}
	}
	if p.NumFree() != n {
		t.Errorf("after refill: free %d, want %d", p.NumFree(), n)
	}
	if _, ok := p.Allocate(); !ok {
		t.Error("Allocate failed after refill")
	}
	if p.NumFree() != n-1 {
		t.Errorf("free %d, want %d", p.NumFree(), n-1)
	}
}

func TestPool_SinglePage(t *testing.T) {
	p := mustPool(t, 1)
	id, ok := p.Allocate()
	if !ok || id != 0 {
		t.Fatalf("Allocate = (%d, %v), want (0, true)", id, ok)
	}
	if _, ok := p.Allocate(); ok {
		t.Error("second Allocate succeeded on single-page pool")
	}
	if err := p.Release(id); err != nil {
		t.Fatal(err)
	}
	if p.NumFree() != 1 {
		t.Errorf("free %d, want 1", p.NumFree())
	}
	id2, ok := p.Allocate()
	if !ok || id2 != 0 {
		t.Errorf("re-Allocate = (%d, %v), want (0, true)", id2, ok)
	}
}

func TestPool_LifoOrder(t *testing.T) {
	const n = 4
	p := mustPool(t, n)
	ids := allocAll(t, p, n)
	for _, id := range ids {
		if err := p.Release(id); err != nil {
			t.Fatal(err)
		}
	}
	// The most recently released page comes back first.
	got, ok := p.Allocate()
	if !ok || got != ids[n-1] {
		t.Errorf("Allocate = %d, want %d (LIFO)", got, ids[n-1])
	}
}

func TestPool_RefCounting(t *testing.T) {
	p := mustPool(t, 2)
	id, _ := p.Allocate()
	page, err := p.Page(id)
	if err != nil {
		t.Fatal(err)
	}
	if page.RefCount() != 1 {
		t.Fatalf("fresh page refcount %d", page.RefCount())
	}

	p.AddRef(id)
	p.AddRef(id)
	if page.RefCount() != 3 {
		t.Errorf("refcount %d, want 3", page.RefCount())
	}

	p.Release(id)
	p.Release(id)
	if page.RefCount() != 1 {
		t.Errorf("refcount %d, want 1", page.RefCount())
	}
	if p.NumFree() != 1 {
		t.Errorf("free %d, want 1 (page still held)", p.NumFree())
	}

	p.Release(id)
	if p.NumFree() != 2 {
		t.Errorf("free %d, want 2", p.NumFree())
	}
}

func TestPool_ReferenceErrors(t *testing.T) {
	p := mustPool(t, 2)
	if err := p.AddRef(99); !errors.Is(err, api.ErrPageOutOfRange) {
		t.Errorf("AddRef(99) err = %v", err)
	}
	if err := p.Release(99); !errors.Is(err, api.ErrPageOutOfRange) {
		t.Errorf("Release(99) err = %v", err)
	}
	if _, err := p.Page(2); !errors.Is(err, api.ErrPageOutOfRange) {
		t.Errorf("Page(2) err = %v", err)
	}

	// Both pages are free: touching their counts is a misuse.
	if err := p.AddRef(0); !errors.Is(err, api.ErrPageNotHeld) {
		t.Errorf("AddRef on free page err = %v", err)
	}
	if err := p.Release(0); !errors.Is(err, api.ErrPageNotHeld) {
		t.Errorf("Release on free page err = %v", err)
	}

	id, _ := p.Allocate()
	p.Release(id)
	if err := p.Release(id); !errors.Is(err, api.ErrPageNotHeld) {
		t.Errorf("double Release err = %v", err)
	}
}

func TestPool_PageGeometry(t *testing.T) {
	p := mustPool(t, 2)
	id, _ := p.Allocate()
	page, _ := p.Page(id)
	if page.ID() != id || page.NumHeads() != testHeads || page.HeadDim() != testHeadDim {
		t.Errorf("page metadata: id %d heads %d dim %d", page.ID(), page.NumHeads(), page.HeadDim())
	}
	want := TokensPerPage * testHeads * testHeadDim
	if len(page.Key()) != want || len(page.Value()) != want {
		t.Errorf("tensor sizes: key %d value %d, want %d", len(page.Key()), len(page.Value()), want)
	}
	if len(page.KeyScale()) != testHeads || page.KeyScale()[0] != float16One {
		t.Errorf("key scales: len %d first %#x", len(page.KeyScale()), page.KeyScale()[0])
	}
	page.Reset(42)
	if page.SequenceID() != 42 || page.NumTokens() != 0 {
		t.Errorf("after Reset: seq %d tokens %d", page.SequenceID(), page.NumTokens())
	}
}

// Releasing in any order restores the pool completely.
func TestPool_ReleaseAnyOrderRestores(t *testing.T) {
	const n = 32
	p := mustPool(t, n)
	for seed := int64(0); seed < 5; seed++ {
		ids := allocAll(t, p, n)
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		for _, id := range ids {
			if err := p.Release(id); err != nil {
				t.Fatalf("seed %d: Release(%d): %v", seed, id, err)
			}
		}
		if p.NumFree() != n || inUse(p) != 0 {
			t.Fatalf("seed %d: free %d in-use %d", seed, p.NumFree(), inUse(p))
		}
	}
}

func TestPool_ConcurrentAllocFreeProducersConsumer(t *testing.T) {
	numProducers := runtime.GOMAXPROCS(0) - 1
	if numProducers < 1 {
		numProducers = 1
	}
	const pagesPerProducer = 64
	total := numProducers * pagesPerProducer

	p := mustPool(t, total)

	// Pre-allocate everything; producers release, one consumer re-allocates.
	held := make([][]PageID, numProducers)
	for i := range held {
		held[i] = allocAll(t, p, pagesPerProducer)
	}
	if p.NumFree() != 0 {
		t.Fatalf("pre-allocation left %d free", p.NumFree())
	}

	var start atomic.Bool
	var wg sync.WaitGroup
	got := make([]PageID, total)
	var gotCount atomic.Int64

	wg.Add(1)
	go func() {
		defer wg.Done()
		for !start.Load() {
			runtime.Gosched()
		}
		for i := 0; i < total; i++ {
			var id PageID
			ok := false
			for retry := 0; retry < 1_000_000 && !ok; retry++ {
				id, ok = p.Allocate()
				if !ok {
					runtime.Gosched()
				}
			}
			if !ok {
				t.Errorf("consumer starved @%d", i)
				return
			}
			got[gotCount.Add(1)-1] = id
		}
	}()

	for i := 0; i < numProducers; i++ {
		wg.Add(1)
		go func(mine []PageID) {
			defer wg.Done()
			for !start.Load() {
				runtime.Gosched()
			}
			for _, id := range mine {
				if err := p.Release(id); err != nil {
					t.Errorf("Release(%d): %v", id, err)
				}
			}
		}(held[i])
	}

	start.Store(true)
	wg.Wait()

	if int(gotCount.Load()) != total {
		t.Fatalf("consumer got %d/%d", gotCount.Load(), total)
	}
	if p.NumFree() != 0 {
		t.Errorf("free %d, want 0", p.NumFree())
	}
	seen := make(map[PageID]bool, total)
	for _, id := range got {
		if seen[id] {
			t.Fatalf("page %d allocated twice", id)
		}
		seen[id] = true
	}
}

func TestPool_ConcurrentReleaseSharedPage(t *testing.T) {
	const refs = 10
	p := mustPool(t, 1)
	id, _ := p.Allocate()
	for i := 1; i < refs; i++ {
		if err := p.AddRef(id); err != nil {
			t.Fatal(err)
		}
	}

	var start atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < refs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !start.Load() {
				runtime.Gosched()
			}
			if err := p.Release(id); err != nil {
				t.Errorf("Release: %v", err)
			}
		}()
	}
	start.Store(true)
	wg.Wait()

	if p.NumFree() != 1 {
		t.Fatalf("free %d, want 1", p.NumFree())
	}
	id2, ok := p.Allocate()
	if !ok || id2 != id {
		t.Errorf("re-Allocate = (%d, %v), want (%d, true)", id2, ok, id)
	}
	page, _ := p.Page(id2)
	if page.RefCount() != 1 {
		t.Errorf("refcount %d, want 1", page.RefCount())
	}
}

// Hammers the free stack from many goroutines and checks conservation.
func TestPool_HighContentionStress(t *testing.T) {
	const n = 128
	const iterations = 5000
	numThreads := runtime.GOMAXPROCS(0)
	if numThreads < 4 {
		numThreads = 4
	}

	p := mustPool(t, n)
	var start atomic.Bool
	var wg sync.WaitGroup

	for th := 0; th < numThreads; th++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for !start.Load() {
				runtime.Gosched()
			}
			const maxHeld = 8
			local := make([]PageID, 0, maxHeld)
			for i := 0; i < iterations; i++ {
				if len(local) > 0 && (len(local) == maxHeld || rng.Intn(2) == 0) {
					k := rng.Intn(len(local))
					if err := p.Release(local[k]); err != nil {
						t.Errorf("Release: %v", err)
						return
					}
					local[k] = local[len(local)-1]
					local = local[:len(local)-1]
				} else if id, ok := p.Allocate(); ok {
					local = append(local, id)
				}
			}
			for _, id := range local {
				p.Release(id)
			}
		}(int64(th))
	}

	start.Store(true)
	wg.Wait()

	if p.NumFree() != n {
		t.Errorf("free %d after stress, want %d", p.NumFree(), n)
	}
	if used := inUse(p); used != 0 {
		t.Errorf("%d pages still held after stress", used)
	}
	// Every page must be reachable again.
	if got := len(allocAll(t, p, n)); got != n {
		t.Errorf("reallocated %d/%d", got, n)
	}
}
