// File: core/pipeline/ingestor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request-queue consumer. Parks on the request event, drains ready
// slots, copies prompt bytes out of the bulk arena, and hands raw
// requests to the preprocessor ring.

package pipeline

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/control"
	"github.com/TheProxyCompany/proxy-inference-engine/core/concurrency"
	"github.com/TheProxyCompany/proxy-inference-engine/internal/shm"
)

// IngestorDeps wires one ingestor.
type IngestorDeps struct {
	Queue   *shm.RequestQueue
	Bulk    *shm.BulkArena
	Out     *concurrency.Ring[*RawRequest]
	Stop    *atomic.Bool
	Metrics *control.Metrics
	Log     *slog.Logger
}

// Ingestor drains the request queue into the raw-request ring. One
// goroutine calls Run; the transport side never sees it block.
type Ingestor struct {
	queue   *shm.RequestQueue
	bulk    *shm.BulkArena
	out     *concurrency.Ring[*RawRequest]
	stop    *atomic.Bool
	metrics *control.Metrics
	log     *slog.Logger
}

// NewIngestor validates the wiring and builds an idle ingestor.
func NewIngestor(d IngestorDeps) (*Ingestor, error) {
	if d.Queue == nil || d.Bulk == nil || d.Out == nil || d.Stop == nil || d.Metrics == nil {
		return nil, fmt.Errorf("%w: ingestor wiring incomplete", api.ErrInvalidArgument)
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		queue:   d.Queue,
		bulk:    d.Bulk,
		out:     d.Out,
		stop:    d.Stop,
		metrics: d.Metrics,
		log:     log.With("component", "ingestor"),
	}, nil
}

// Run loops until the shutdown flag flips. Waking the request event is
// enough to make a parked ingestor notice shutdown.
func (g *Ingestor) Run() {
	for !g.stop.Load() {
		if _, err := g.queue.Wait(ingestWaitMs); err != nil {
			g.log.Error("request event wait failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		g.queue.Drain(g.ingest)
	}
}

// ingest copies one drained request out of shared memory. The slot is
// already released; only the bulk chunk still ties the request to the
// segment, and ownership of that chunk moves to the preprocessor with
// the raw request.
func (g *Ingestor) ingest(msg *shm.RequestMessage) {
	raw := &RawRequest{
		ID:             msg.RequestID,
		ArrivalNS:      time.Now().UnixNano(),
		Kind:           msg.Kind,
		PromptOff:      msg.PromptOff,
		Sampling:       msg.Sampling,
		Logits:         msg.Logits,
		Stop:           msg.Stop,
		IPC:            msg.Handles,
		ToolSchema:     msg.ToolSchema,
		ResponseFormat: msg.ResponseFormat,
	}
	if msg.PromptLen > 0 {
		b, err := g.bulk.Bytes(msg.PromptOff, msg.PromptLen)
		if err != nil {
			// The offset cannot be trusted, so the chunk cannot be
			// freed either; it leaks rather than corrupting a class.
			g.metrics.Inc(control.MetricRequestsDropped)
			g.log.Warn("dropping request with bad prompt reference",
				"request_id", msg.RequestID, "error", err)
			return
		}
		raw.Prompt = string(b)
	}
	if !g.out.Enqueue(raw) {
		g.freeChunk(raw.PromptOff)
		g.metrics.Inc(control.MetricRequestsDropped)
		g.log.Warn("dropping request", "request_id", msg.RequestID, "error", api.ErrQueueFull)
		return
	}
	g.metrics.Inc(control.MetricRequestsIngested)
}

func (g *Ingestor) freeChunk(off uint64) {
	if off == 0 {
		return
	}
	if err := g.bulk.Free(off); err != nil {
		g.log.Error("bulk free failed", "offset", off, "error", err)
	}
}
