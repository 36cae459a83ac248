// File: internal/shm/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed producer/consumer wrappers around the request slot ring.
// Producers marshal a RequestMessage into a claimed slot; the engine
// ingestor drains slots and copies payloads out before releasing them.

package shm

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// RequestMessage is one submitted generation request as it crosses the
// queue. Prompt bytes live in the bulk arena; the slot carries only the
// (offset, length) reference.
type RequestMessage struct {
	RequestID uint64
	Kind      api.PromptKind
	PromptOff uint64
	PromptLen uint64

	Sampling api.SamplingParams
	Logits   api.LogitsParams
	Stop     api.StopCriteria
	Handles  api.IPCHandles

	ToolSchema     string
	ResponseFormat string
}

// RequestQueue is one end of the request ring. The same type serves
// both sides; producers call Submit, the consumer calls Wait and Drain.
type RequestQueue struct {
	seg  *Segment
	ring ring
	ev   *Event
}

func newRequestQueue(seg *Segment, ev *Event, create bool) (*RequestQueue, error) {
	need := QueueSegmentSize(requestSlotSize)
	if uint64(len(seg.Mem)) < need {
		return nil, fmt.Errorf("%w: request segment is %d bytes, want %d",
			api.ErrSegmentLayout, len(seg.Mem), need)
	}
	ctrl := (*QueueControl)(unsafe.Pointer(&seg.Mem[0]))
	if create {
		initControl(ctrl, requestSlotSize)
	} else if err := validateControl(ctrl, requestSlotSize); err != nil {
		return nil, err
	}
	return &RequestQueue{seg: seg, ring: newRing(seg.Mem, requestSlotSize), ev: ev}, nil
}

// Submit marshals msg into the next free slot and signals the consumer.
// Limits are checked before a ticket is claimed so an oversize request
// never disturbs the ring.
func (q *RequestQueue) Submit(msg *RequestMessage) error {
	if err := checkRequestLimits(msg); err != nil {
		return err
	}
	slot, err := q.ring.acquireProduce()
	if err != nil {
		return err
	}
	encodeRequest((*RequestSlot)(slot), msg)
	q.ring.publish(slot)
	if q.ev != nil {
		return q.ev.Trigger()
	}
	return nil
}

// Drain consumes every published request, handing each to fn. Slots are
// released before fn runs so a slow handler cannot stall producers.
// Returns the number of requests consumed.
func (q *RequestQueue) Drain(fn func(*RequestMessage)) int {
	n := 0
	for {
		slot := q.ring.consumeNext()
		if slot == nil {
			return n
		}
		msg := decodeRequest((*RequestSlot)(slot))
		q.ring.releaseConsumed(slot)
		fn(msg)
		n++
	}
}

// Wait blocks until a producer signals or timeoutMs elapses.
func (q *RequestQueue) Wait(timeoutMs int) (bool, error) {
	if q.ev == nil {
		return false, nil
	}
	return q.ev.Wait(timeoutMs)
}

// Pending reports in-flight slots. Approximate; observability only.
func (q *RequestQueue) Pending() uint64 { return q.ring.pending() }

func checkRequestLimits(msg *RequestMessage) error {
	if len(msg.ToolSchema) > MaxToolSchemaBytes {
		return fmt.Errorf("%w: tool schema is %d bytes, limit %d",
			api.ErrOversizePayload, len(msg.ToolSchema), MaxToolSchemaBytes)
	}
	if len(msg.ResponseFormat) > MaxResponseFormatBytes {
		return fmt.Errorf("%w: response format is %d bytes, limit %d",
			api.ErrOversizePayload, len(msg.ResponseFormat), MaxResponseFormatBytes)
	}
	if len(msg.Stop.StopTokenIDs) > MaxStopTokens {
		return fmt.Errorf("%w: %d stop tokens, limit %d",
			api.ErrInvalidArgument, len(msg.Stop.StopTokenIDs), MaxStopTokens)
	}
	if len(msg.Logits.LogitBias) > MaxLogitBias {
		return fmt.Errorf("%w: %d logit bias entries, limit %d",
			api.ErrInvalidArgument, len(msg.Logits.LogitBias), MaxLogitBias)
	}
	return nil
}

// encodeRequest writes every count-bounded field; stale bytes beyond
// the counts are never read back, so the slot is not zeroed first.
func encodeRequest(slot *RequestSlot, msg *RequestMessage) {
	slot.PromptKind = uint32(msg.Kind)
	slot.RequestID = msg.RequestID
	slot.PromptOff = msg.PromptOff
	slot.PromptLen = msg.PromptLen

	slot.Sampling = SamplingWire{
		Temperature: msg.Sampling.Temperature,
		TopP:        msg.Sampling.TopP,
		TopK:        msg.Sampling.TopK,
		MinP:        msg.Sampling.MinP,
		TopLogprobs: msg.Sampling.TopLogprobs,
		Seed:        msg.Sampling.Seed,
	}

	slot.Logits.RepetitionPenalty = msg.Logits.RepetitionPenalty
	slot.Logits.FrequencyPenalty = msg.Logits.FrequencyPenalty
	slot.Logits.PresencePenalty = msg.Logits.PresencePenalty
	slot.Logits.RepetitionContextSize = msg.Logits.RepetitionContextSize
	slot.Logits.BiasCount = uint32(len(msg.Logits.LogitBias))
	// Map iteration order is random; sort by token so the slot image is
	// deterministic for a given request.
	i := 0
	for tok, bias := range msg.Logits.LogitBias {
		slot.Logits.Bias[i] = BiasWire{Token: tok, Bias: bias}
		i++
	}
	entries := slot.Logits.Bias[:i]
	sort.Slice(entries, func(a, b int) bool { return entries[a].Token < entries[b].Token })

	slot.Stop.MaxGeneratedTokens = msg.Stop.MaxGeneratedTokens
	slot.Stop.StopCount = uint32(copy(slot.Stop.StopIDs[:], msg.Stop.StopTokenIDs))

	slot.Handles.RequestChannelID = msg.Handles.RequestChannelID
	slot.Handles.ResponseChannelID = msg.Handles.ResponseChannelID

	slot.ToolLen = uint32(copy(slot.Tool[:], msg.ToolSchema))
	slot.FormatLen = uint32(copy(slot.Format[:], msg.ResponseFormat))
}

func decodeRequest(slot *RequestSlot) *RequestMessage {
	msg := &RequestMessage{
		RequestID: slot.RequestID,
		Kind:      api.PromptKind(slot.PromptKind),
		PromptOff: slot.PromptOff,
		PromptLen: slot.PromptLen,
		Sampling: api.SamplingParams{
			Temperature: slot.Sampling.Temperature,
			TopP:        slot.Sampling.TopP,
			TopK:        slot.Sampling.TopK,
			MinP:        slot.Sampling.MinP,
			TopLogprobs: slot.Sampling.TopLogprobs,
			Seed:        slot.Sampling.Seed,
		},
		Logits: api.LogitsParams{
			RepetitionPenalty:     slot.Logits.RepetitionPenalty,
			RepetitionContextSize: slot.Logits.RepetitionContextSize,
			FrequencyPenalty:      slot.Logits.FrequencyPenalty,
			PresencePenalty:       slot.Logits.PresencePenalty,
		},
		Handles: api.IPCHandles{
			RequestChannelID:  slot.Handles.RequestChannelID,
			ResponseChannelID: slot.Handles.ResponseChannelID,
		},
	}

	if n := min(slot.Logits.BiasCount, MaxLogitBias); n > 0 {
		msg.Logits.LogitBias = make(map[int32]float32, n)
		for _, e := range slot.Logits.Bias[:n] {
			msg.Logits.LogitBias[e.Token] = e.Bias
		}
	}

	msg.Stop.MaxGeneratedTokens = slot.Stop.MaxGeneratedTokens
	if n := min(slot.Stop.StopCount, MaxStopTokens); n > 0 {
		msg.Stop.StopTokenIDs = append([]int32(nil), slot.Stop.StopIDs[:n]...)
	}

	if n := min(slot.ToolLen, MaxToolSchemaBytes); n > 0 {
		msg.ToolSchema = string(slot.Tool[:n])
	}
	if n := min(slot.FormatLen, MaxResponseFormatBytes); n > 0 {
		msg.ResponseFormat = string(slot.Format[:n])
	}
	return msg
}
