// File: internal/shm/bulk.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Size-class arena over the bulk payload segment. Prompts and other
// variable-size payloads travel here; request slots carry only the
// (offset, length) pair. Each class keeps a lock-free stack of chunks
// whose head packs a 24-bit generation tag next to the offset, because
// chunks are recycled and a plain offset CAS would be open to ABA.
// Free chunks hold the next link in their first eight bytes.

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

const (
	// BulkSegmentSize is the default size of the payload segment.
	BulkSegmentSize = 256 << 20

	// BulkClasses is the number of chunk size classes.
	BulkClasses = 5

	bulkOffsetBits = 40
	bulkOffsetMask = (1 << bulkOffsetBits) - 1
	bulkTagMask    = (1 << 24) - 1

	// bulkDataOff page-aligns the first chunk; the header sits below it.
	bulkDataOff = 4096
)

// bulkClassSizes ascend; Alloc picks the smallest class that fits.
var bulkClassSizes = [BulkClasses]uint64{4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20}

// bulkClassHead is one class's stack head, padded to its own cache
// line. packed is (tag << 40) | (offset + 1); a zero offset field means
// the class is exhausted. numFree is a racy observability counter.
type bulkClassHead struct {
	packed  uint64
	numFree uint64
	_       [cacheLine - 16]byte
}

type bulkHeader struct {
	magic    uint32
	version  uint32
	capacity uint64
	_        [cacheLine - 16]byte
	classes  [BulkClasses]bulkClassHead
}

// BulkArena allocates payload chunks out of the bulk segment. All
// methods are safe for concurrent use from both sides of the queue.
type BulkArena struct {
	mem    []byte
	hdr    *bulkHeader
	region uint64
}

func newBulkArena(mem []byte, create bool) (*BulkArena, error) {
	size := uint64(len(mem))
	region := bulkRegion(size)
	if region < bulkClassSizes[BulkClasses-1] {
		return nil, fmt.Errorf("%w: bulk segment of %d bytes cannot hold every size class",
			api.ErrSegmentLayout, size)
	}
	a := &BulkArena{
		mem:    mem,
		hdr:    (*bulkHeader)(unsafe.Pointer(&mem[0])),
		region: region,
	}

	if create {
		a.format(size)
		return a, nil
	}
	if a.hdr.magic != segMagic {
		return nil, fmt.Errorf("%w: bad bulk magic %#x", api.ErrSegmentLayout, a.hdr.magic)
	}
	if a.hdr.version != segVersion {
		return nil, fmt.Errorf("%w: bulk version %d, want %d",
			api.ErrSegmentLayout, a.hdr.version, segVersion)
	}
	if a.hdr.capacity != size {
		return nil, fmt.Errorf("%w: bulk capacity %d, mapped %d",
			api.ErrSegmentLayout, a.hdr.capacity, size)
	}
	return a, nil
}

// bulkRegion splits the space after the header into equal per-class
// regions, trimmed to a whole number of the largest chunks so every
// class divides its region exactly.
func bulkRegion(size uint64) uint64 {
	if size <= bulkDataOff {
		return 0
	}
	return ((size - bulkDataOff) / BulkClasses) &^ (bulkClassSizes[BulkClasses-1] - 1)
}

// format links every chunk of every class into its free stack. Runs
// once on the creating side before the arena handle is shared, so plain
// stores suffice.
func (a *BulkArena) format(size uint64) {
	for c, cs := range bulkClassSizes {
		start := a.classStart(c)
		n := a.region / cs
		for i := uint64(0); i < n; i++ {
			off := start + i*cs
			next := uint64(0)
			if i+1 < n {
				next = off + cs + 1
			}
			*a.linkAt(off) = next
		}
		a.hdr.classes[c].packed = start + 1
		a.hdr.classes[c].numFree = n
	}
	a.hdr.capacity = size
	a.hdr.magic = segMagic
	a.hdr.version = segVersion
}

// Alloc reserves one chunk large enough for size bytes and returns its
// segment offset. Sizes above the largest class are refused with
// ErrOversizePayload; an empty class reports ErrArenaExhausted.
func (a *BulkArena) Alloc(size uint64) (uint64, error) {
	c, err := classFor(size)
	if err != nil {
		return 0, err
	}
	head := &a.hdr.classes[c]
	for {
		old := atomic.LoadUint64(&head.packed)
		offPlus := old & bulkOffsetMask
		if offPlus == 0 {
			return 0, fmt.Errorf("%w: no %d byte chunks left",
				api.ErrArenaExhausted, bulkClassSizes[c])
		}
		off := offPlus - 1
		next := atomic.LoadUint64(a.linkAt(off))
		tag := (old >> bulkOffsetBits) & bulkTagMask
		repl := ((tag+1)&bulkTagMask)<<bulkOffsetBits | (next & bulkOffsetMask)
		if atomic.CompareAndSwapUint64(&head.packed, old, repl) {
			atomic.AddUint64(&head.numFree, ^uint64(0))
			return off, nil
		}
	}
}

// Free returns a chunk to its class stack. The class is inferred from
// the offset; anything that is not a chunk boundary inside a class
// region is rejected.
func (a *BulkArena) Free(offset uint64) error {
	c, err := a.classOf(offset)
	if err != nil {
		return err
	}
	head := &a.hdr.classes[c]
	link := a.linkAt(offset)
	for {
		old := atomic.LoadUint64(&head.packed)
		atomic.StoreUint64(link, old&bulkOffsetMask)
		tag := (old >> bulkOffsetBits) & bulkTagMask
		repl := ((tag+1)&bulkTagMask)<<bulkOffsetBits | (offset + 1)
		if atomic.CompareAndSwapUint64(&head.packed, old, repl) {
			atomic.AddUint64(&head.numFree, 1)
			return nil
		}
	}
}

// Bytes returns the mapped region [offset, offset+length). The slice
// aliases shared memory; it is valid only while the chunk is held.
func (a *BulkArena) Bytes(offset, length uint64) ([]byte, error) {
	end := offset + length
	if offset < bulkDataOff || end < offset || end > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: bulk range [%d, %d) out of segment",
			api.ErrInvalidArgument, offset, end)
	}
	return a.mem[offset:end:end], nil
}

// FreeChunks reports the approximate free count of one class.
func (a *BulkArena) FreeChunks(class int) uint64 {
	if class < 0 || class >= BulkClasses {
		return 0
	}
	return atomic.LoadUint64(&a.hdr.classes[class].numFree)
}

// ClassSize reports the chunk size of one class.
func ClassSize(class int) uint64 {
	if class < 0 || class >= BulkClasses {
		return 0
	}
	return bulkClassSizes[class]
}

func classFor(size uint64) (int, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero byte bulk allocation", api.ErrInvalidArgument)
	}
	for c, cs := range bulkClassSizes {
		if size <= cs {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %d bytes exceeds the %d byte class",
		api.ErrOversizePayload, size, bulkClassSizes[BulkClasses-1])
}

func (a *BulkArena) classStart(class int) uint64 {
	return bulkDataOff + uint64(class)*a.region
}

func (a *BulkArena) classOf(offset uint64) (int, error) {
	if offset < bulkDataOff || offset >= bulkDataOff+BulkClasses*a.region {
		return 0, fmt.Errorf("%w: bulk offset %d out of range", api.ErrInvalidArgument, offset)
	}
	rel := offset - bulkDataOff
	c := int(rel / a.region)
	if (rel%a.region)%bulkClassSizes[c] != 0 {
		return 0, fmt.Errorf("%w: bulk offset %d is not a chunk boundary",
			api.ErrInvalidArgument, offset)
	}
	return c, nil
}

func (a *BulkArena) linkAt(offset uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&a.mem[offset]))
}
