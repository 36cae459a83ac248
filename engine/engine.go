// File: engine/engine.go
// Package engine assembles the serving core: page pool, shared-memory
// transport, worker pipeline, and scheduler, under one lifecycle.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Construction wires everything and claims the shared-memory segments;
// Run spawns the worker goroutines and blocks until Stop or context
// cancellation, then joins them in dependency order and finishes every
// stranded request. Close releases the segments.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/control"
	"github.com/TheProxyCompany/proxy-inference-engine/core/concurrency"
	"github.com/TheProxyCompany/proxy-inference-engine/core/kvpool"
	"github.com/TheProxyCompany/proxy-inference-engine/core/pipeline"
	"github.com/TheProxyCompany/proxy-inference-engine/core/scheduler"
	"github.com/TheProxyCompany/proxy-inference-engine/core/sequence"
	"github.com/TheProxyCompany/proxy-inference-engine/internal/shm"
)

// Ring capacities between the pipeline stages. Powers of two; the
// outbox is deeper because one step can emit for every running
// sequence.
const (
	rawRingSize    = 512
	seqRingSize    = 512
	outboxRingSize = 1024
)

// Options carry the collaborators the engine cannot build itself.
type Options struct {
	Config    control.Config
	Model     api.Model
	Tokenizer api.Tokenizer
	// ChatTemplate renders chat-history prompts; nil means identity.
	ChatTemplate func(string) string
	Log          *slog.Logger
}

// Engine owns every component of one serving instance.
type Engine struct {
	cfg     control.Config
	log     *slog.Logger
	metrics *control.Metrics
	cancels *control.CancelRegistry
	probes  *control.DebugProbes

	ipc  *shm.Manager
	pool *kvpool.Pool

	raw    *concurrency.Ring[*pipeline.RawRequest]
	seqs   *concurrency.Ring[*sequence.Sequence]
	outbox *concurrency.Ring[scheduler.Output]

	sched *scheduler.Scheduler
	ing   *pipeline.Ingestor
	pre   *pipeline.Preprocessor
	post  *pipeline.Postprocessor

	started  atomic.Bool
	stop     atomic.Bool
	stopOnce sync.Once
	stopC    chan struct{}
}

// New validates the configuration, claims the shared-memory segments,
// and wires every component. The engine is idle until Run.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Model == nil || opts.Tokenizer == nil {
		return nil, fmt.Errorf("%w: engine needs a model and a tokenizer", api.ErrInvalidArgument)
	}
	attention, err := api.ParseAttentionKind(cfg.Model.Attention)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		log:     log.With("component", "engine"),
		metrics: control.NewMetrics(),
		cancels: control.NewCancelRegistry(),
		probes:  control.NewDebugProbes(),
		stopC:   make(chan struct{}),
	}

	e.pool, err = kvpool.New(cfg.Pool.Pages, int32(cfg.Pool.Heads), int32(cfg.Pool.HeadDim))
	if err != nil {
		return nil, err
	}

	e.ipc, err = shm.NewManager(shm.ManagerOptions{
		Dir:           cfg.IPC.Directory,
		RequestQueue:  cfg.IPC.RequestQueue,
		ResponseQueue: cfg.IPC.ResponseQueue,
		Bulk:          cfg.IPC.Bulk,
		BulkSize:      uint64(cfg.IPC.BulkSize),
	})
	if err != nil {
		return nil, err
	}

	e.raw = concurrency.NewRing[*pipeline.RawRequest](rawRingSize)
	e.seqs = concurrency.NewRing[*sequence.Sequence](seqRingSize)
	e.outbox = concurrency.NewRing[scheduler.Output](outboxRingSize)

	e.sched, err = scheduler.New(scheduler.Config{
		MaxSeqs:           cfg.Scheduler.MaxSeqs,
		MaxTokensPerBatch: cfg.Scheduler.MaxTokensPerBatch,
		Preempt:           cfg.Scheduler.Preempt,
		Attention:         attention,
		EmitLogprobs:      cfg.EmitLogprobs,
	}, scheduler.Deps{
		Pool:    e.pool,
		Model:   opts.Model,
		Inbox:   e.seqs,
		Outbox:  e.outbox,
		Writer:  e.ipc.Responses(),
		Cancels: e.cancels,
		Metrics: e.metrics,
		Log:     log,
	})
	if err != nil {
		e.ipc.Close()
		return nil, err
	}

	e.ing, err = pipeline.NewIngestor(pipeline.IngestorDeps{
		Queue:   e.ipc.Requests(),
		Bulk:    e.ipc.Bulk(),
		Out:     e.raw,
		Stop:    &e.stop,
		Metrics: e.metrics,
		Log:     log,
	})
	if err == nil {
		e.pre, err = pipeline.NewPreprocessor(pipeline.PreprocessorDeps{
			In:           e.raw,
			Out:          e.seqs,
			Bulk:         e.ipc.Bulk(),
			Tokenizer:    opts.Tokenizer,
			Writer:       e.ipc.Responses(),
			ChatTemplate: opts.ChatTemplate,
			Stop:         &e.stop,
			Metrics:      e.metrics,
			Log:          log,
		})
	}
	if err == nil {
		e.post, err = pipeline.NewPostprocessor(pipeline.PostprocessorDeps{
			In:        e.outbox,
			Tokenizer: opts.Tokenizer,
			Writer:    e.ipc.Responses(),
			Stop:      &e.stop,
			Metrics:   e.metrics,
			Log:       log,
		})
	}
	if err != nil {
		e.ipc.Close()
		return nil, err
	}

	e.probes.RegisterMetrics(e.metrics)
	e.probes.RegisterProbe("pool", func() any {
		return map[string]int{"size": e.pool.Size(), "free": e.pool.NumFree()}
	})
	e.probes.RegisterProbe("ipc", func() any {
		return map[string]uint64{
			"request_pending":  e.ipc.Requests().Pending(),
			"response_pending": e.ipc.Responses().Pending(),
		}
	})

	return e, nil
}

// Run spawns the worker goroutines and blocks until Stop is called or
// ctx is cancelled. Every page is back in the pool and every stranded
// request has its terminal delta before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: engine already started", api.ErrInvalidArgument)
	}
	e.log.Info("engine starting",
		"pages", e.cfg.Pool.Pages,
		"max_seqs", e.cfg.Scheduler.MaxSeqs,
		"max_tokens_per_batch", e.cfg.Scheduler.MaxTokensPerBatch,
		"attention", e.cfg.Model.Attention)

	schedDone := make(chan struct{})
	preDone := make(chan struct{})
	ingDone := make(chan struct{})
	postDone := make(chan struct{})

	go func() { defer close(schedDone); e.scheduleLoop(ctx) }()
	go func() { defer close(preDone); e.pre.Run() }()
	go func() { defer close(ingDone); e.ing.Run() }()
	go func() { defer close(postDone); e.post.Run() }()

	select {
	case <-ctx.Done():
		e.Stop()
	case <-e.stopC:
	}

	// Join in dependency order, closing each ring behind its last
	// producer: the scheduler drains its own state, then the sequence
	// and raw rings can be finished from here.
	<-schedDone
	<-preDone
	e.drainSequences()
	<-ingDone
	e.drainRaw()
	<-postDone

	e.log.Info("engine stopped", "pages_free", e.pool.NumFree())
	return nil
}

// Stop initiates shutdown. Safe to call from any goroutine, more than
// once, and before Run.
func (e *Engine) Stop() {
	e.stop.Store(true)
	if err := e.ipc.TriggerRequestEvent(); err != nil {
		e.log.Warn("shutdown wakeup failed", "error", err)
	}
	e.stopOnce.Do(func() { close(e.stopC) })
}

// Close releases the shared-memory segments. Call after Run returns.
func (e *Engine) Close() error { return e.ipc.Close() }

// Cancel requests termination of one in-flight request. It reports
// whether the request was known; unknown ids are parked and applied if
// the request shows up later.
func (e *Engine) Cancel(id uint64) bool { return e.cancels.Cancel(id) }

// Metrics exposes the engine's counter registry.
func (e *Engine) Metrics() *control.Metrics { return e.metrics }

// Probes exposes the debug probe registry.
func (e *Engine) Probes() *control.DebugProbes { return e.probes }

// IPC exposes the shared-memory manager so in-process clients can
// attach to the queues and the bulk arena.
func (e *Engine) IPC() *shm.Manager { return e.ipc }

// scheduleLoop drives scheduler steps until shutdown, then drains.
// Runs on its own goroutine, optionally pinned.
func (e *Engine) scheduleLoop(ctx context.Context) {
	if cpu := e.cfg.Scheduler.PinCPU; cpu >= 0 {
		if err := pinThread(cpu); err != nil {
			e.log.Warn("scheduler pinning failed", "cpu", cpu, "error", err)
		} else {
			e.log.Info("scheduler pinned", "cpu", cpu)
		}
	}
	var idle concurrency.Backoff
	for !e.stop.Load() {
		if e.sched.Step(ctx) {
			idle.Reset()
		} else {
			idle.Wait()
		}
	}
	e.sched.Drain()
}

// drainSequences finishes sequences the preprocessor pushed after the
// scheduler's final drain. Runs after both sides of the ring stopped.
func (e *Engine) drainSequences() {
	for {
		seq, ok := e.seqs.Dequeue()
		if !ok {
			return
		}
		e.publishStranded(seq.ID)
		e.cancels.Unregister(seq.ID)
	}
}

// drainRaw finishes requests the ingestor accepted but the preprocessor
// never tokenized, returning their bulk chunks.
func (e *Engine) drainRaw() {
	for {
		raw, ok := e.raw.Dequeue()
		if !ok {
			return
		}
		if raw.PromptOff != 0 {
			if err := e.ipc.Bulk().Free(raw.PromptOff); err != nil {
				e.log.Error("bulk free failed", "offset", raw.PromptOff, "error", err)
			}
		}
		e.publishStranded(raw.ID)
	}
}

func (e *Engine) publishStranded(id uint64) {
	d := &api.Delta{RequestID: id, IsFinal: true, Reason: api.FinishUser}
	if err := e.ipc.Responses().Publish(d); err != nil {
		e.metrics.Inc(control.MetricDeltasDropped)
		e.log.Error("terminal delta publish failed", "request_id", id, "error", err)
		return
	}
	e.metrics.Inc(control.MetricDeltasDirect)
}
