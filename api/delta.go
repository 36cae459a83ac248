// File: api/delta.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// MaxTopLogprobs is the most alternatives a single generated position
// can report. Requests asking for more are rejected at submission.
const MaxTopLogprobs = 20

// Logprob is one (token, log-probability) pair from the sampling
// distribution of a generated position.
type Logprob struct {
	TokenID int32
	Logprob float32
}

// Delta is one increment of a response as read back from the response
// queue. A request yields zero or more non-final deltas followed by
// exactly one with IsFinal set, unless it was dropped before a sequence
// was built.
type Delta struct {
	RequestID uint64
	Tokens    []int32
	// Logprobs holds, per token in Tokens, the top alternatives for that
	// position. Empty unless logprob emission was requested.
	Logprobs [][]Logprob
	Content  string
	IsFinal  bool
	Reason   FinishReason
}

// DeltaWriter publishes deltas toward the client. The response queue
// implements it; the scheduler uses it directly when the postprocessing
// stage cannot keep up.
type DeltaWriter interface {
	Publish(d *Delta) error
}
