// File: core/pipeline/pipeline.go
// Package pipeline implements the worker stages on either side of the
// scheduler: the ingestor draining the request queue, the preprocessor
// turning raw requests into sequences, and the postprocessor rendering
// scheduler outputs into response deltas.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each stage is a single goroutine owning its loop state; stages hand
// work to each other over bounded SPSC rings and stop when the shared
// shutdown flag flips. None of them ever blocks the shared-memory
// transport: when a downstream ring is full the request is dropped (and
// its bulk chunk freed) rather than stalling foreign producers.

package pipeline

import (
	"time"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

const (
	// ingestWaitMs bounds the ingestor's park on the request event so
	// the shutdown flag is observed promptly.
	ingestWaitMs = 10

	// idleSleep is the poll interval of the tokenizer stages when their
	// input ring is empty.
	idleSleep = 100 * time.Microsecond
)

// RawRequest is a decoded request between the ingestor and the
// preprocessor. Prompt is an owned copy of the payload bytes; PromptOff
// is the bulk chunk still to be freed after tokenization, zero when the
// request carried no payload.
type RawRequest struct {
	ID        uint64
	ArrivalNS int64
	Kind      api.PromptKind
	Prompt    string
	PromptOff uint64

	Sampling api.SamplingParams
	Logits   api.LogitsParams
	Stop     api.StopCriteria
	IPC      api.IPCHandles

	ToolSchema     string
	ResponseFormat string
}
