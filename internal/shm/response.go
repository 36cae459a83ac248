// File: internal/shm/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed wrappers around the response slot ring. The engine
// postprocessor publishes deltas; client readers poll NextDelta and
// park on the event between bursts.

package shm

import (
	"fmt"
	"unsafe"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// ResponseQueue is one end of the response ring.
type ResponseQueue struct {
	seg  *Segment
	ring ring
	ev   *Event
}

func newResponseQueue(seg *Segment, ev *Event, create bool) (*ResponseQueue, error) {
	need := QueueSegmentSize(responseSlotSize)
	if uint64(len(seg.Mem)) < need {
		return nil, fmt.Errorf("%w: response segment is %d bytes, want %d",
			api.ErrSegmentLayout, len(seg.Mem), need)
	}
	ctrl := (*QueueControl)(unsafe.Pointer(&seg.Mem[0]))
	if create {
		initControl(ctrl, responseSlotSize)
	} else if err := validateControl(ctrl, responseSlotSize); err != nil {
		return nil, err
	}
	return &ResponseQueue{seg: seg, ring: newRing(seg.Mem, responseSlotSize), ev: ev}, nil
}

// Publish marshals one delta into the next free slot and signals the
// reader. Deltas must already respect the per-slot caps; the
// postprocessor splits longer runs before calling here.
func (q *ResponseQueue) Publish(d *api.Delta) error {
	if err := checkDeltaLimits(d); err != nil {
		return err
	}
	slot, err := q.ring.acquireProduce()
	if err != nil {
		return err
	}
	encodeDelta((*ResponseSlot)(slot), d)
	q.ring.publish(slot)
	if q.ev != nil {
		return q.ev.Trigger()
	}
	return nil
}

// NextDelta pops the oldest published delta, or reports false when the
// ring is drained.
func (q *ResponseQueue) NextDelta() (*api.Delta, bool) {
	slot := q.ring.consumeNext()
	if slot == nil {
		return nil, false
	}
	d := decodeDelta((*ResponseSlot)(slot))
	q.ring.releaseConsumed(slot)
	return d, true
}

// Wait blocks until the engine signals or timeoutMs elapses.
func (q *ResponseQueue) Wait(timeoutMs int) (bool, error) {
	if q.ev == nil {
		return false, nil
	}
	return q.ev.Wait(timeoutMs)
}

// Pending reports in-flight slots. Approximate; observability only.
func (q *ResponseQueue) Pending() uint64 { return q.ring.pending() }

func checkDeltaLimits(d *api.Delta) error {
	if len(d.Tokens) > MaxTokensPerDelta {
		return fmt.Errorf("%w: delta carries %d tokens, limit %d",
			api.ErrInvalidArgument, len(d.Tokens), MaxTokensPerDelta)
	}
	if len(d.Content) > MaxContentBytes {
		return fmt.Errorf("%w: delta content is %d bytes, limit %d",
			api.ErrInvalidArgument, len(d.Content), MaxContentBytes)
	}
	for i, lps := range d.Logprobs {
		if len(lps) > MaxLogprobsPerToken {
			return fmt.Errorf("%w: token %d carries %d logprobs, limit %d",
				api.ErrInvalidArgument, i, len(lps), MaxLogprobsPerToken)
		}
	}
	return nil
}

func encodeDelta(slot *ResponseSlot, d *api.Delta) {
	slot.RequestID = d.RequestID
	slot.NumTokens = uint32(copy(slot.Tokens[:], d.Tokens))

	for i := range d.Tokens {
		var n uint32
		if i < len(d.Logprobs) {
			lps := d.Logprobs[i]
			if len(lps) > MaxLogprobsPerToken {
				lps = lps[:MaxLogprobsPerToken]
			}
			for j, lp := range lps {
				slot.LogprobIDs[i][j] = lp.TokenID
				slot.Logprobs[i][j] = lp.Logprob
			}
			n = uint32(len(lps))
		}
		slot.LogprobCounts[i] = n
	}

	slot.IsFinal = 0
	if d.IsFinal {
		slot.IsFinal = 1
	}
	slot.FinishReason = uint32(d.Reason)
	slot.ContentLen = uint32(copy(slot.Content[:], d.Content))
}

func decodeDelta(slot *ResponseSlot) *api.Delta {
	nTok := min(slot.NumTokens, MaxTokensPerDelta)
	d := &api.Delta{
		RequestID: slot.RequestID,
		IsFinal:   slot.IsFinal != 0,
		Reason:    api.FinishReason(slot.FinishReason),
	}
	if nTok > 0 {
		d.Tokens = append([]int32(nil), slot.Tokens[:nTok]...)
	}
	if n := min(slot.ContentLen, MaxContentBytes); n > 0 {
		d.Content = string(slot.Content[:n])
	}

	hasLogprobs := false
	for i := uint32(0); i < nTok; i++ {
		if slot.LogprobCounts[i] > 0 {
			hasLogprobs = true
			break
		}
	}
	if !hasLogprobs {
		return d
	}

	d.Logprobs = make([][]api.Logprob, nTok)
	for i := uint32(0); i < nTok; i++ {
		n := min(slot.LogprobCounts[i], MaxLogprobsPerToken)
		if n == 0 {
			continue
		}
		lps := make([]api.Logprob, n)
		for j := uint32(0); j < n; j++ {
			lps[j] = api.Logprob{TokenID: slot.LogprobIDs[i][j], Logprob: slot.Logprobs[i][j]}
		}
		d.Logprobs[i] = lps
	}
	return d
}
