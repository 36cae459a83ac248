// File: internal/shm/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Manager owns the full IPC surface of one engine instance: the two
// slot queues, the bulk payload arena, and the wakeup events. The
// engine side creates everything; in-process clients attach through the
// manager handle and share the event objects.

package shm

import (
	"errors"
	"fmt"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// ManagerOptions name the segment files and size the bulk arena.
type ManagerOptions struct {
	// Dir holds the segment files; empty selects /dev/shm when present,
	// else the system temp directory.
	Dir string

	RequestQueue  string
	ResponseQueue string
	Bulk          string
	BulkSize      uint64
}

// DefaultManagerOptions returns the wire-standard names and sizes.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		RequestQueue:  DefaultRequestQueueName,
		ResponseQueue: DefaultResponseQueueName,
		Bulk:          DefaultBulkName,
		BulkSize:      BulkSegmentSize,
	}
}

func (o *ManagerOptions) normalize() error {
	if o.RequestQueue == "" {
		o.RequestQueue = DefaultRequestQueueName
	}
	if o.ResponseQueue == "" {
		o.ResponseQueue = DefaultResponseQueueName
	}
	if o.Bulk == "" {
		o.Bulk = DefaultBulkName
	}
	if o.BulkSize == 0 {
		o.BulkSize = BulkSegmentSize
	}
	if bulkRegion(o.BulkSize) < bulkClassSizes[BulkClasses-1] {
		return fmt.Errorf("%w: bulk size %d cannot hold every size class",
			api.ErrInvalidArgument, o.BulkSize)
	}
	return nil
}

// Manager bundles the segments, queues, and events for one engine.
type Manager struct {
	opts ManagerOptions

	reqSeg  *Segment
	respSeg *Segment
	bulkSeg *Segment

	reqEvent  *Event
	respEvent *Event

	requests  *RequestQueue
	responses *ResponseQueue
	bulk      *BulkArena
}

// NewManager creates and formats the three segments. Call Close to
// unmap and unlink them.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	m := &Manager{opts: opts}
	if err := m.open(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) open() error {
	var err error
	if m.reqEvent, err = NewEvent(); err != nil {
		return err
	}
	if m.respEvent, err = NewEvent(); err != nil {
		return err
	}

	if m.reqSeg, err = CreateSegment(m.opts.Dir, m.opts.RequestQueue, QueueSegmentSize(requestSlotSize)); err != nil {
		return err
	}
	if m.requests, err = newRequestQueue(m.reqSeg, m.reqEvent, true); err != nil {
		return err
	}

	if m.respSeg, err = CreateSegment(m.opts.Dir, m.opts.ResponseQueue, QueueSegmentSize(responseSlotSize)); err != nil {
		return err
	}
	if m.responses, err = newResponseQueue(m.respSeg, m.respEvent, true); err != nil {
		return err
	}

	if m.bulkSeg, err = CreateSegment(m.opts.Dir, m.opts.Bulk, m.opts.BulkSize); err != nil {
		return err
	}
	if m.bulk, err = newBulkArena(m.bulkSeg.Mem, true); err != nil {
		return err
	}
	return nil
}

// Requests returns the request queue.
func (m *Manager) Requests() *RequestQueue { return m.requests }

// Responses returns the response queue.
func (m *Manager) Responses() *ResponseQueue { return m.responses }

// Bulk returns the payload arena.
func (m *Manager) Bulk() *BulkArena { return m.bulk }

// RequestEventFD exposes the request wakeup descriptor.
func (m *Manager) RequestEventFD() int { return m.reqEvent.FD() }

// ResponseEventFD exposes the response wakeup descriptor.
func (m *Manager) ResponseEventFD() int { return m.respEvent.FD() }

// TriggerRequestEvent wakes a consumer parked on the request queue
// without submitting anything. Shutdown uses it to unpark the ingestor.
func (m *Manager) TriggerRequestEvent() error { return m.reqEvent.Trigger() }

// TriggerResponseEvent wakes a reader parked on the response queue.
func (m *Manager) TriggerResponseEvent() error { return m.respEvent.Trigger() }

// Close unmaps and unlinks everything the manager created. Safe to call
// on a partially constructed manager and more than once.
func (m *Manager) Close() error {
	var errs []error
	for _, seg := range []**Segment{&m.bulkSeg, &m.respSeg, &m.reqSeg} {
		if *seg != nil {
			errs = append(errs, (*seg).Close())
			*seg = nil
		}
	}
	for _, ev := range []**Event{&m.respEvent, &m.reqEvent} {
		if *ev != nil {
			errs = append(errs, (*ev).Close())
			*ev = nil
		}
	}
	m.requests = nil
	m.responses = nil
	m.bulk = nil
	return errors.Join(errs...)
}
