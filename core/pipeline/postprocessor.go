// File: core/pipeline/postprocessor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Detokenization stage. Renders scheduler outputs into response deltas
// and publishes them through the response queue. On shutdown it drains
// whatever the scheduler left in the ring before exiting, so terminal
// deltas emitted during drain still reach the client.

package pipeline

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/control"
	"github.com/TheProxyCompany/proxy-inference-engine/core/concurrency"
	"github.com/TheProxyCompany/proxy-inference-engine/core/scheduler"
	"github.com/TheProxyCompany/proxy-inference-engine/internal/shm"
)

// decodeFallback stands in for tokens the tokenizer cannot render.
const decodeFallback = "<?>"

// PostprocessorDeps wires one postprocessor.
type PostprocessorDeps struct {
	In        *concurrency.Ring[scheduler.Output]
	Tokenizer api.Tokenizer
	Writer    api.DeltaWriter
	Stop      *atomic.Bool
	Metrics   *control.Metrics
	Log       *slog.Logger
}

// Postprocessor renders outputs into deltas.
type Postprocessor struct {
	in      *concurrency.Ring[scheduler.Output]
	tok     api.Tokenizer
	writer  api.DeltaWriter
	stop    *atomic.Bool
	metrics *control.Metrics
	log     *slog.Logger
}

// NewPostprocessor validates the wiring and builds an idle postprocessor.
func NewPostprocessor(d PostprocessorDeps) (*Postprocessor, error) {
	if d.In == nil || d.Tokenizer == nil || d.Writer == nil || d.Stop == nil || d.Metrics == nil {
		return nil, fmt.Errorf("%w: postprocessor wiring incomplete", api.ErrInvalidArgument)
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Postprocessor{
		in:      d.In,
		tok:     d.Tokenizer,
		writer:  d.Writer,
		stop:    d.Stop,
		metrics: d.Metrics,
		log:     log.With("component", "postprocessor"),
	}, nil
}

// Run loops until the ring is empty and the shutdown flag is set.
func (p *Postprocessor) Run() {
	for {
		out, ok := p.in.Dequeue()
		if !ok {
			if p.stop.Load() {
				return
			}
			time.Sleep(idleSleep)
			continue
		}
		p.emit(&out)
	}
}

func (p *Postprocessor) emit(out *scheduler.Output) {
	d := out.Delta()
	if out.HasToken {
		text, err := p.tok.Decode(d.Tokens)
		if err != nil {
			text = decodeFallback
			p.metrics.Inc(control.MetricDecodeFailures)
			p.log.Warn("token decode failed",
				"request_id", out.RequestID, "token", out.Token, "error", err)
		}
		if len(text) > shm.MaxContentBytes {
			text = text[:shm.MaxContentBytes]
		}
		d.Content = text
	}
	if err := p.writer.Publish(d); err != nil {
		// A full response ring after the bounded spin means the reader
		// is gone; holding the delta would stall every other request.
		p.metrics.Inc(control.MetricDeltasDropped)
		p.log.Error("delta publish failed", "request_id", out.RequestID, "error", err)
		return
	}
	p.metrics.Inc(control.MetricDeltasEmitted)
}
