// File: api/model.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Contract between the serving core and the model-forward backend.
// The engine never touches tensors beyond the logits slice returned here.

package api

import (
	"context"
	"fmt"
)

// AttentionKind selects the attention mechanism a forward pass must honor.
type AttentionKind uint32

const (
	AttentionStandard AttentionKind = iota
	AttentionPaged
)

// ParseAttentionKind maps a CLI/config spelling to its tag.
func ParseAttentionKind(s string) (AttentionKind, error) {
	switch s {
	case "standard":
		return AttentionStandard, nil
	case "paged":
		return AttentionPaged, nil
	default:
		return AttentionStandard, fmt.Errorf("%w: attention %q", ErrInvalidArgument, s)
	}
}

// String implements fmt.Stringer.
func (k AttentionKind) String() string {
	if k == AttentionPaged {
		return "paged"
	}
	return "standard"
}

// ModelInfo exposes the structural constants the scheduler needs to size
// the KV cache and interpret logits.
type ModelInfo struct {
	NumLayers  int
	NumKVHeads int
	HeadDim    int
	VocabSize  int
}

// Model is the forward-pass collaborator. Forward consumes one batch
// descriptor and returns logits for every fed token, row-major
// [TotalTokens][VocabSize] flattened into a single slice.
type Model interface {
	// Forward runs one batched step. It must honor desc.Attention and may
	// be called from exactly one goroutine at a time.
	Forward(ctx context.Context, desc *BatchDescriptor) ([]float32, error)

	// Info returns immutable structural metadata.
	Info() ModelInfo
}
