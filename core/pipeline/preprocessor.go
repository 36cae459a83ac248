// File: core/pipeline/preprocessor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Tokenization stage. Turns raw requests into waiting sequences and
// returns their bulk chunks to the arena. The scheduler bounds how fast
// the sequence ring drains, so the push is the one place in the intake
// path that is allowed to wait.

package pipeline

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/control"
	"github.com/TheProxyCompany/proxy-inference-engine/core/concurrency"
	"github.com/TheProxyCompany/proxy-inference-engine/core/sequence"
	"github.com/TheProxyCompany/proxy-inference-engine/internal/shm"
)

// PreprocessorDeps wires one preprocessor.
type PreprocessorDeps struct {
	In        *concurrency.Ring[*RawRequest]
	Out       *concurrency.Ring[*sequence.Sequence]
	Bulk      *shm.BulkArena
	Tokenizer api.Tokenizer
	// Writer carries terminal deltas for requests rejected before they
	// reach the scheduler.
	Writer api.DeltaWriter
	// ChatTemplate renders chat-history prompts before tokenization.
	// Nil means pass-through.
	ChatTemplate func(string) string
	Stop         *atomic.Bool
	Metrics      *control.Metrics
	Log          *slog.Logger
}

// Preprocessor tokenizes raw requests into sequences.
type Preprocessor struct {
	in       *concurrency.Ring[*RawRequest]
	out      *concurrency.Ring[*sequence.Sequence]
	bulk     *shm.BulkArena
	tok      api.Tokenizer
	writer   api.DeltaWriter
	template func(string) string
	stop     *atomic.Bool
	metrics  *control.Metrics
	log      *slog.Logger
}

// NewPreprocessor validates the wiring and builds an idle preprocessor.
func NewPreprocessor(d PreprocessorDeps) (*Preprocessor, error) {
	if d.In == nil || d.Out == nil || d.Bulk == nil || d.Tokenizer == nil ||
		d.Writer == nil || d.Stop == nil || d.Metrics == nil {
		return nil, fmt.Errorf("%w: preprocessor wiring incomplete", api.ErrInvalidArgument)
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Preprocessor{
		in:       d.In,
		out:      d.Out,
		bulk:     d.Bulk,
		tok:      d.Tokenizer,
		writer:   d.Writer,
		template: d.ChatTemplate,
		stop:     d.Stop,
		metrics:  d.Metrics,
		log:      log.With("component", "preprocessor"),
	}, nil
}

// Run loops until the shutdown flag flips.
func (p *Preprocessor) Run() {
	for !p.stop.Load() {
		raw, ok := p.in.Dequeue()
		if !ok {
			time.Sleep(idleSleep)
			continue
		}
		p.process(raw)
	}
}

func (p *Preprocessor) process(raw *RawRequest) {
	prompt := raw.Prompt
	if raw.Kind == api.PromptChatHistory && p.template != nil {
		prompt = p.template(prompt)
	}

	tokens, err := p.tok.Encode(prompt)
	p.freeChunk(raw.PromptOff)
	if err != nil {
		p.reject(raw.ID, err)
		return
	}
	if len(tokens) == 0 {
		p.reject(raw.ID, fmt.Errorf("%w: prompt encodes to zero tokens", api.ErrInvalidArgument))
		return
	}

	stop := raw.Stop
	if stop.MaxGeneratedTokens == 0 {
		stop.MaxGeneratedTokens = api.DefaultStopCriteria().MaxGeneratedTokens
	}

	seq := sequence.New(sequence.Params{
		ID:             raw.ID,
		ArrivalNS:      raw.ArrivalNS,
		Kind:           raw.Kind,
		Prompt:         tokens,
		Sampling:       raw.Sampling,
		Logits:         raw.Logits,
		Stop:           stop,
		IPC:            raw.IPC,
		ToolSchema:     raw.ToolSchema,
		ResponseFormat: raw.ResponseFormat,
	})

	var b concurrency.Backoff
	for !p.out.Enqueue(seq) {
		if p.stop.Load() {
			p.reject(raw.ID, fmt.Errorf("%w: engine shutting down", api.ErrShutdown))
			return
		}
		b.Wait()
	}
}

// reject finishes a request that never reached the scheduler. The
// client sees a tokenless terminal delta.
func (p *Preprocessor) reject(id uint64, err error) {
	p.metrics.Inc(control.MetricRequestsDropped)
	p.log.Warn("rejecting request before scheduling", "request_id", id, "error", err)
	d := &api.Delta{RequestID: id, IsFinal: true, Reason: api.FinishUser}
	if perr := p.writer.Publish(d); perr != nil {
		p.metrics.Inc(control.MetricDeltasDropped)
		p.log.Error("terminal delta publish failed", "request_id", id, "error", perr)
	}
}

func (p *Preprocessor) freeChunk(off uint64) {
	if off == 0 {
		return
	}
	if err := p.bulk.Free(off); err != nil {
		p.log.Error("bulk free failed", "offset", off, "error", err)
	}
}
