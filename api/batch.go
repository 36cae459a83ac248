// File: api/batch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// BatchDescriptor is the per-step contract handed to Model.Forward.
// Token ids and positions are concatenated across sequences in batch
// order: all prefill sequences first, then all decode sequences.
type BatchDescriptor struct {
	// TokenIDs holds every token fed this step, concatenated.
	TokenIDs []int32
	// Positions holds the cache position of each fed token, parallel to
	// TokenIDs.
	Positions []int32

	// SeqIDs lists the batched sequences in packing order.
	SeqIDs []uint64
	// InputLens gives, per sequence, the number of new tokens this step.
	InputLens []int32
	// ContextLens gives, per sequence, the tokens already resident in its
	// KV cache before this step.
	ContextLens []int32
	// BlockTables gives, per sequence, the physical page ids backing its
	// logical blocks up to and including this step's tokens.
	BlockTables [][]int32

	NumPrefill  int
	NumDecode   int
	TotalTokens int

	Attention AttentionKind
}

// LastRowIndex returns the flat logits row index of the final fed token
// of the i-th batched sequence.
func (d *BatchDescriptor) LastRowIndex(i int) int {
	row := 0
	for j := 0; j <= i; j++ {
		row += int(d.InputLens[j])
	}
	return row - 1
}
