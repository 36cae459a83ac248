// File: internal/shm/layout.go
// Package shm implements the cross-process request/response transport:
// mmapped slot rings, the bulk prompt arena, and kernel event wakeup.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every field shared across the process boundary is accessed through
// sync/atomic on pointers into the mapping; the acquire/release pair on a
// slot's state word is the only cross-process happens-before edge. Each
// queue segment starts with its control block, followed by NumSlots
// cache-line-aligned slots. Offsets, never pointers, cross the boundary.

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// Wire constants. Slot counts are powers of two so ring indexing is a mask.
const (
	NumSlots = 1024

	MaxTokensPerDelta   = 16
	MaxLogprobsPerToken = api.MaxTopLogprobs
	MaxContentBytes     = 256

	MaxStopTokens          = 32
	MaxLogitBias           = 64
	MaxToolSchemaBytes     = 1024
	MaxResponseFormatBytes = 1024

	DefaultBulkSize = 256 << 20

	segMagic   = uint32(0x50494531) // "PIE1"
	segVersion = uint32(1)

	cacheLine = 64

	// controlSize covers the two index cache lines.
	controlSize = 2 * cacheLine
)

// Default segment file names. A leading '/' from POSIX-style configuration
// is trimmed when forming the file path.
const (
	DefaultRequestQueueName  = "pie_request_slots"
	DefaultResponseQueueName = "pie_response_slots"
	DefaultBulkName          = "pie_bulk_data"
)

// Slot states. The same values serve both queues; producers own the
// FREE→WRITING edge, consumers own READY→READING.
const (
	SlotFree    uint32 = 0
	SlotWriting uint32 = 1
	SlotReady   uint32 = 2
	SlotReading uint32 = 3
)

// QueueControl heads every queue segment. The producer and consumer
// indexes are 64-bit monotonic tickets on separate cache lines; the
// consumer line's tail carries the identification words, written once at
// creation before ready is published.
type QueueControl struct {
	producerIdx uint64
	_           [cacheLine - 8]byte
	consumerIdx uint64
	magic       uint32
	version     uint32
	numSlots    uint32
	slotSize    uint32
	ready       uint32
	_           [cacheLine - 8 - 5*4]byte
}

// SamplingWire is the slot image of api.SamplingParams.
type SamplingWire struct {
	Temperature float32
	TopP        float32
	TopK        int32
	MinP        float32
	TopLogprobs int32
	_           uint32
	Seed        uint64
}

// BiasWire is one logit-bias entry.
type BiasWire struct {
	Token int32
	Bias  float32
}

// LogitsWire is the slot image of api.LogitsParams.
type LogitsWire struct {
	RepetitionPenalty     float32
	FrequencyPenalty      float32
	PresencePenalty       float32
	RepetitionContextSize int32
	BiasCount             uint32
	_                     uint32
	Bias                  [MaxLogitBias]BiasWire
}

// StopWire is the slot image of api.StopCriteria.
type StopWire struct {
	MaxGeneratedTokens uint32
	StopCount          uint32
	StopIDs            [MaxStopTokens]int32
}

// HandlesWire is the slot image of api.IPCHandles.
type HandlesWire struct {
	RequestChannelID  uint64
	ResponseChannelID uint64
}

// RequestSlot is one request ring entry. state must stay the first field:
// the generic ring protocol operates on the leading u32.
type RequestSlot struct {
	state      uint32
	PromptKind uint32
	RequestID  uint64
	PromptOff  uint64
	PromptLen  uint64

	Sampling SamplingWire
	Logits   LogitsWire
	Stop     StopWire
	Handles  HandlesWire

	ToolLen   uint32
	Tool      [MaxToolSchemaBytes]byte
	FormatLen uint32
	Format    [MaxResponseFormatBytes]byte
}

// ResponseSlot is one response ring entry. state must stay the first field.
type ResponseSlot struct {
	state     uint32
	NumTokens uint32
	RequestID uint64

	Tokens        [MaxTokensPerDelta]int32
	LogprobIDs    [MaxTokensPerDelta][MaxLogprobsPerToken]int32
	Logprobs      [MaxTokensPerDelta][MaxLogprobsPerToken]float32
	LogprobCounts [MaxTokensPerDelta]uint32

	IsFinal      uint32
	FinishReason uint32
	ContentLen   uint32
	_            uint32
	Content      [MaxContentBytes]byte
}

// Slot strides, rounded up so every slot starts on a cache line.
var (
	requestSlotSize  = uint32(alignTo(uint64(unsafe.Sizeof(RequestSlot{})), cacheLine))
	responseSlotSize = uint32(alignTo(uint64(unsafe.Sizeof(ResponseSlot{})), cacheLine))
)

// QueueSegmentSize returns the byte size of a queue segment with the
// given slot stride.
func QueueSegmentSize(slotSize uint32) uint64 {
	return controlSize + uint64(slotSize)*NumSlots
}

func alignTo(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// initControl stamps a freshly created queue segment. Slots are already
// zero (state FREE) from file truncation.
func initControl(c *QueueControl, slotSize uint32) {
	c.magic = segMagic
	c.version = segVersion
	c.numSlots = NumSlots
	c.slotSize = slotSize
	atomic.StoreUint32(&c.ready, 1)
}

// validateControl checks an opened queue segment against this build's
// layout.
func validateControl(c *QueueControl, slotSize uint32) error {
	if c.magic != segMagic {
		return fmt.Errorf("%w: bad magic %#x", api.ErrSegmentLayout, c.magic)
	}
	if c.version != segVersion {
		return fmt.Errorf("%w: version %d, want %d", api.ErrSegmentLayout, c.version, segVersion)
	}
	if c.numSlots != NumSlots {
		return fmt.Errorf("%w: %d slots, want %d", api.ErrSegmentLayout, c.numSlots, NumSlots)
	}
	if c.slotSize != slotSize {
		return fmt.Errorf("%w: slot size %d, want %d", api.ErrSegmentLayout, c.slotSize, slotSize)
	}
	if atomic.LoadUint32(&c.ready) != 1 {
		return fmt.Errorf("%w: segment not ready", api.ErrSegmentLayout)
	}
	return nil
}
