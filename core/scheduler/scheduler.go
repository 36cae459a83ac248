// File: core/scheduler/scheduler.go
// Package scheduler implements the continuous-batching step loop that
// turns waiting sequences into streamed tokens.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every field is owned by the single scheduler goroutine. The only
// state other goroutines touch are the sequence cancelled flags,
// flipped through the cancellation registry, and the rings at either
// end of the loop.

package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eapache/queue"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/control"
	"github.com/TheProxyCompany/proxy-inference-engine/core/concurrency"
	"github.com/TheProxyCompany/proxy-inference-engine/core/kvpool"
	"github.com/TheProxyCompany/proxy-inference-engine/core/sampling"
	"github.com/TheProxyCompany/proxy-inference-engine/core/sequence"
)

// Output is one generated position bound for the postprocessor.
// Tokenless outputs carry only a terminal reason.
type Output struct {
	RequestID uint64
	Token     int32
	HasToken  bool
	Logprobs  []api.Logprob
	IsFinal   bool
	Reason    api.FinishReason
}

// Delta renders an output in wire form. Content stays empty; decoding
// text is the postprocessor's job.
func (o *Output) Delta() *api.Delta {
	d := &api.Delta{
		RequestID: o.RequestID,
		IsFinal:   o.IsFinal,
		Reason:    o.Reason,
	}
	if o.HasToken {
		d.Tokens = []int32{o.Token}
		if len(o.Logprobs) > 0 {
			d.Logprobs = [][]api.Logprob{o.Logprobs}
		}
	}
	return d
}

// Config bounds one scheduler instance. Immutable after New.
type Config struct {
	// MaxSeqs caps concurrently running sequences.
	MaxSeqs int
	// MaxTokensPerBatch caps tokens fed to one forward pass; prompts
	// longer than the remaining budget prefill in chunks.
	MaxTokensPerBatch int
	// Preempt lets the scheduler demote the newest decoding sequence
	// when the pool cannot serve an older one.
	Preempt bool
	// Attention is stamped into every batch descriptor.
	Attention api.AttentionKind
	// EmitLogprobs gates per-token logprob extraction for requests
	// that asked for it.
	EmitLogprobs bool
}

// Deps are the collaborators a scheduler drives.
type Deps struct {
	Pool    *kvpool.Pool
	Model   api.Model
	Inbox   *concurrency.Ring[*sequence.Sequence]
	Outbox  *concurrency.Ring[Output]
	Writer  api.DeltaWriter
	Cancels *control.CancelRegistry
	Metrics *control.Metrics
	Log     *slog.Logger
}

// entry couples a running sequence with its per-request sampling state.
type entry struct {
	seq     *sequence.Sequence
	procs   sampling.Pipeline
	sampler *sampling.Sampler
}

// Scheduler owns admission, batching, forwarding, sampling, and page
// accounting for every in-flight sequence.
type Scheduler struct {
	cfg     Config
	pool    *kvpool.Pool
	model   api.Model
	inbox   *concurrency.Ring[*sequence.Sequence]
	outbox  *concurrency.Ring[Output]
	writer  api.DeltaWriter
	cancels *control.CancelRegistry
	metrics *control.Metrics
	log     *slog.Logger

	waiting *queue.Queue
	running map[uint64]*entry
	// order preserves admission order for deterministic iteration.
	order []uint64

	vocab int
}

// New validates the wiring and builds an idle scheduler.
func New(cfg Config, d Deps) (*Scheduler, error) {
	if cfg.MaxSeqs <= 0 || cfg.MaxTokensPerBatch <= 0 {
		return nil, fmt.Errorf("%w: scheduler limits %d seqs, %d tokens",
			api.ErrInvalidArgument, cfg.MaxSeqs, cfg.MaxTokensPerBatch)
	}
	if d.Pool == nil || d.Model == nil || d.Inbox == nil || d.Outbox == nil ||
		d.Writer == nil || d.Cancels == nil || d.Metrics == nil {
		return nil, fmt.Errorf("%w: scheduler wiring incomplete", api.ErrInvalidArgument)
	}
	vocab := d.Model.Info().VocabSize
	if vocab <= 0 {
		return nil, fmt.Errorf("%w: model vocab size %d", api.ErrInvalidArgument, vocab)
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		pool:    d.Pool,
		model:   d.Model,
		inbox:   d.Inbox,
		outbox:  d.Outbox,
		writer:  d.Writer,
		cancels: d.Cancels,
		metrics: d.Metrics,
		log:     log.With("component", "scheduler"),
		waiting: queue.New(),
		running: make(map[uint64]*entry),
		vocab:   vocab,
	}, nil
}

// Step runs one scheduling iteration: ingest, select, allocate,
// forward, sample, stop-check, emit, cleanup. It reports whether any
// work happened so the caller can idle between steps.
func (s *Scheduler) Step(ctx context.Context) bool {
	s.metrics.Inc(control.MetricSteps)

	worked := s.ingest() > 0

	batch := s.selectBatch()
	batch = s.allocate(batch)

	if len(batch) > 0 {
		worked = true
		desc, ordered := s.buildDescriptor(batch)
		logits, err := s.model.Forward(ctx, desc)
		if err == nil && len(logits) != desc.TotalTokens*s.vocab {
			err = fmt.Errorf("%w: %d logit values for %d tokens",
				api.ErrInvalidArgument, len(logits), desc.TotalTokens)
		}
		if err != nil {
			s.failBatch(ordered, desc, err)
		} else {
			s.consume(ordered, logits)
		}
	}

	worked = s.cleanup() || worked
	s.publishGauges()
	return worked
}

// ingest moves new sequences from the inbox into the waiting queue and
// admits from the waiting queue while capacity allows. Admission is
// where a sequence's cancel flag goes live.
func (s *Scheduler) ingest() int {
	moved := 0
	for {
		seq, ok := s.inbox.Dequeue()
		if !ok {
			break
		}
		s.cancels.Register(seq.ID, &seq.Cancelled)
		s.waiting.Add(seq)
		moved++
	}

	for s.waiting.Length() > 0 && len(s.running) < s.cfg.MaxSeqs {
		seq := s.waiting.Remove().(*sequence.Sequence)
		if seq.Cancelled.Load() {
			seq.Status = sequence.StatusCompleted
			seq.Reason = api.FinishUser
			s.emit(Output{RequestID: seq.ID, IsFinal: true, Reason: api.FinishUser})
			s.cancels.Unregister(seq.ID)
			moved++
			continue
		}
		seq.Status = sequence.StatusPrefilling
		s.running[seq.ID] = &entry{
			seq:     seq,
			procs:   sampling.NewPipeline(seq.Logits),
			sampler: sampling.NewSampler(seq.Sampling),
		}
		s.order = append(s.order, seq.ID)
		s.metrics.Inc(control.MetricSequencesAdmitted)
		moved++
	}
	return moved
}

// emit hands an output to the postprocessor, falling back to a direct
// textless delta when the postprocessing ring is full.
func (s *Scheduler) emit(out Output) {
	if s.outbox.Enqueue(out) {
		return
	}
	s.metrics.Inc(control.MetricDeltasDirect)
	if err := s.writer.Publish(out.Delta()); err != nil {
		s.metrics.Inc(control.MetricDeltasDropped)
		s.log.Error("direct delta publish failed",
			"request_id", out.RequestID, "err", err)
	}
}

// cleanup retires terminal sequences and surfaces cancels that never
// made a batch. Reports whether anything was removed.
func (s *Scheduler) cleanup() bool {
	removed := false
	kept := s.order[:0]
	for _, id := range s.order {
		ent := s.running[id]
		seq := ent.seq
		if !seq.Status.Terminal() && seq.Cancelled.Load() {
			seq.Status = sequence.StatusCompleted
			seq.Reason = api.FinishUser
			s.emit(Output{RequestID: id, IsFinal: true, Reason: api.FinishUser})
		}
		if !seq.Status.Terminal() {
			kept = append(kept, id)
			continue
		}
		s.releasePages(seq)
		delete(s.running, id)
		s.cancels.Unregister(id)
		removed = true
	}
	s.order = kept
	return removed
}

// Drain fails every queued and running sequence with a USER final and
// returns their pages. The engine calls it once, after the step loop
// has stopped.
func (s *Scheduler) Drain() {
	for {
		seq, ok := s.inbox.Dequeue()
		if !ok {
			break
		}
		s.emit(Output{RequestID: seq.ID, IsFinal: true, Reason: api.FinishUser})
		s.cancels.Unregister(seq.ID)
	}
	for s.waiting.Length() > 0 {
		seq := s.waiting.Remove().(*sequence.Sequence)
		s.emit(Output{RequestID: seq.ID, IsFinal: true, Reason: api.FinishUser})
		s.cancels.Unregister(seq.ID)
	}
	for _, id := range s.order {
		ent := s.running[id]
		seq := ent.seq
		if !seq.Status.Terminal() {
			seq.Status = sequence.StatusCompleted
			seq.Reason = api.FinishUser
			s.emit(Output{RequestID: id, IsFinal: true, Reason: api.FinishUser})
		}
		s.releasePages(seq)
		delete(s.running, id)
		s.cancels.Unregister(id)
	}
	s.order = s.order[:0]
	s.publishGauges()
}

func (s *Scheduler) releasePages(seq *sequence.Sequence) int {
	n := len(seq.PageTable)
	for _, id := range seq.PageTable {
		if err := s.pool.Release(id); err != nil {
			s.log.Error("page release failed", "page", uint32(id), "err", err)
		}
	}
	seq.PageTable = seq.PageTable[:0]
	return n
}

func (s *Scheduler) publishGauges() {
	s.metrics.Set(control.GaugePagesFree, int64(s.pool.NumFree()))
	s.metrics.Set(control.GaugeSequencesRunning, int64(len(s.running)))
	s.metrics.Set(control.GaugeSequencesWaiting, int64(s.waiting.Length()))
}
