// File: core/kvpool/bench_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package kvpool

import "testing"

// BenchmarkAllocateRelease measures single-threaded page churn.
func BenchmarkAllocateRelease(b *testing.B) {
	p, err := New(1024, 2, 8)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, ok := p.Allocate()
		if !ok {
			b.Fatal("pool exhausted")
		}
		if err := p.Release(id); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentAllocateRelease contends every P on the shared
// free stack.
func BenchmarkConcurrentAllocateRelease(b *testing.B) {
	p, err := New(4096, 2, 8)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id, ok := p.Allocate()
			if !ok {
				continue
			}
			p.Release(id)
		}
	})
}

// BenchmarkAddRefRelease measures refcount churn on one shared page.
func BenchmarkAddRefRelease(b *testing.B) {
	p, err := New(16, 2, 8)
	if err != nil {
		b.Fatal(err)
	}
	id, ok := p.Allocate()
	if !ok {
		b.Fatal("pool exhausted")
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p.AddRef(id)
			p.Release(id)
		}
	})
}
