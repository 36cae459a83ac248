// File: client/client.go
// Package client implements the in-process loopback producer: it
// submits generation requests through the shared-memory queues the same
// way a foreign-language client would, and streams deltas back per
// request.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One reader goroutine owns the response queue and fans deltas out to
// per-request channels. Stream channels are sized for the request's
// whole generation, so the reader never blocks on a slow consumer.

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/internal/shm"
)

// readWaitMs bounds the reader's park on the response event.
const readWaitMs = 10

// Request is one generation request from the client's point of view.
// Zero-valued sampling fields mean exactly that on the wire; use
// api.DefaultSamplingParams for the documented defaults.
type Request struct {
	Prompt         string
	Kind           api.PromptKind
	Sampling       api.SamplingParams
	Logits         api.LogitsParams
	Stop           api.StopCriteria
	ToolSchema     string
	ResponseFormat string
}

// Stream delivers one request's deltas in order. The channel closes
// after the final delta, or without one if the client shuts down first.
type Stream struct {
	ID uint64
	ch chan *api.Delta
}

// Deltas returns the receive side of the stream.
func (s *Stream) Deltas() <-chan *api.Delta { return s.ch }

// Client is a loopback producer attached to an engine's IPC manager.
type Client struct {
	requests  *shm.RequestQueue
	responses *shm.ResponseQueue
	bulk      *shm.BulkArena
	ipc       *shm.Manager
	log       *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	streams map[uint64]*Stream

	stop atomic.Bool
	done chan struct{}
}

// New attaches to an IPC manager and starts the reader goroutine. The
// manager must be open: a closed or never-opened transport has no
// queues to attach to.
func New(ipc *shm.Manager, log *slog.Logger) (*Client, error) {
	if ipc == nil || ipc.Requests() == nil || ipc.Responses() == nil || ipc.Bulk() == nil {
		return nil, fmt.Errorf("%w: ipc manager is not open", api.ErrNotInitialized)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		requests:  ipc.Requests(),
		responses: ipc.Responses(),
		bulk:      ipc.Bulk(),
		ipc:       ipc,
		log:       log.With("component", "client"),
		streams:   make(map[uint64]*Stream),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Generate stages the prompt in the bulk arena, submits the request,
// and returns its delta stream. Arena exhaustion and a full request
// ring both surface as errors; nothing was submitted in either case.
func (c *Client) Generate(req Request) (*Stream, error) {
	if c.stop.Load() {
		return nil, fmt.Errorf("%w: client closed", api.ErrShutdown)
	}
	id := c.nextID.Add(1)

	var off, plen uint64
	if len(req.Prompt) > 0 {
		var err error
		off, err = c.bulk.Alloc(uint64(len(req.Prompt)))
		if err != nil {
			code := api.ErrCodePoolExhausted
			if errors.Is(err, api.ErrOversizePayload) {
				code = api.ErrCodeInvalidArgument
			}
			return nil, api.WrapError(code, err, "stage prompt").
				WithContext("prompt_bytes", len(req.Prompt))
		}
		b, err := c.bulk.Bytes(off, uint64(len(req.Prompt)))
		if err != nil {
			if ferr := c.bulk.Free(off); ferr != nil {
				c.log.Error("bulk free failed", "offset", off, "error", ferr)
			}
			return nil, err
		}
		copy(b, req.Prompt)
		plen = uint64(len(req.Prompt))
	}

	// Register before submitting so an instant response finds its
	// stream. Sized for the longest possible generation plus finals.
	budget := int(req.Stop.MaxGeneratedTokens)
	if budget == 0 {
		budget = int(api.DefaultStopCriteria().MaxGeneratedTokens)
	}
	st := &Stream{ID: id, ch: make(chan *api.Delta, budget+8)}
	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	msg := &shm.RequestMessage{
		RequestID:      id,
		Kind:           req.Kind,
		PromptOff:      off,
		PromptLen:      plen,
		Sampling:       req.Sampling,
		Logits:         req.Logits,
		Stop:           req.Stop,
		ToolSchema:     req.ToolSchema,
		ResponseFormat: req.ResponseFormat,
	}
	if err := c.requests.Submit(msg); err != nil {
		c.forget(id)
		if off != 0 {
			if ferr := c.bulk.Free(off); ferr != nil {
				c.log.Error("bulk free failed", "offset", off, "error", ferr)
			}
		}
		// A producer spin timeout means the request ring is full.
		return nil, api.WrapError(api.ErrCodeQueueFull, err, "submit request").
			WithContext("request_id", id)
	}
	return st, nil
}

// Close stops the reader and closes every open stream. Pending
// generations are abandoned client-side; their remaining deltas age out
// in the response ring.
func (c *Client) Close() {
	if !c.stop.CompareAndSwap(false, true) {
		return
	}
	if err := c.ipc.TriggerResponseEvent(); err != nil {
		c.log.Warn("reader wakeup failed", "error", err)
	}
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.streams {
		close(st.ch)
		delete(c.streams, id)
	}
}

// readLoop drains before every shutdown check, so deltas published
// before Close was called still reach their streams.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		for {
			d, ok := c.responses.NextDelta()
			if !ok {
				break
			}
			c.dispatch(d)
		}
		if c.stop.Load() {
			return
		}
		if _, err := c.responses.Wait(readWaitMs); err != nil {
			c.log.Error("response event wait failed", "error", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (c *Client) dispatch(d *api.Delta) {
	c.mu.Lock()
	st := c.streams[d.RequestID]
	if st != nil && d.IsFinal {
		delete(c.streams, d.RequestID)
	}
	c.mu.Unlock()
	if st == nil {
		c.log.Debug("delta for unknown request", "request_id", d.RequestID)
		return
	}
	select {
	case st.ch <- d:
	default:
		// Sizing makes this unreachable unless the engine produced
		// more deltas than the generation budget.
		c.log.Warn("stream overflow, delta dropped", "request_id", d.RequestID)
	}
	if d.IsFinal {
		close(st.ch)
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}
