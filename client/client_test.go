// File: client/client_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
	"github.com/TheProxyCompany/proxy-inference-engine/internal/shm"
)

func newTestIPC(t *testing.T) *shm.Manager {
	t.Helper()
	m, err := shm.NewManager(shm.ManagerOptions{
		Dir:      t.TempDir(),
		BulkSize: 8 << 20,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newTestClient(t *testing.T, m *shm.Manager) *Client {
	t.Helper()
	c, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func recvDelta(t *testing.T, st *Stream) *api.Delta {
	t.Helper()
	select {
	case d, ok := <-st.Deltas():
		if !ok {
			t.Fatalf("stream closed early")
		}
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a delta")
		return nil
	}
}

func TestGenerateStagesPromptAndSubmits(t *testing.T) {
	m := newTestIPC(t)
	c := newTestClient(t, m)

	st, err := c.Generate(Request{
		Prompt:   "hello engine",
		Kind:     api.PromptChatHistory,
		Sampling: api.SamplingParams{Temperature: 0.5, TopP: 1, TopK: -1},
		Stop:     api.StopCriteria{MaxGeneratedTokens: 16, StopTokenIDs: []int32{7}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if st.ID != 1 {
		t.Fatalf("first request id = %d, want 1", st.ID)
	}
	if got := cap(st.ch); got != 16+8 {
		t.Fatalf("stream buffer = %d, want %d", got, 16+8)
	}

	var msg *shm.RequestMessage
	if n := m.Requests().Drain(func(rm *shm.RequestMessage) { msg = rm }); n != 1 {
		t.Fatalf("drained %d requests, want 1", n)
	}
	if msg.RequestID != 1 || msg.Kind != api.PromptChatHistory {
		t.Fatalf("request header: %+v", msg)
	}
	if msg.Sampling.Temperature != 0.5 || msg.Stop.StopTokenIDs[0] != 7 {
		t.Fatalf("params lost: %+v", msg)
	}
	if msg.PromptLen != uint64(len("hello engine")) || msg.PromptOff == 0 {
		t.Fatalf("prompt reference: off %d len %d", msg.PromptOff, msg.PromptLen)
	}
	b, err := m.Bulk().Bytes(msg.PromptOff, msg.PromptLen)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(b) != "hello engine" {
		t.Fatalf("staged prompt = %q", b)
	}

	st2, err := c.Generate(Request{Prompt: "next"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if st2.ID != 2 {
		t.Fatalf("second request id = %d, want 2", st2.ID)
	}
}

func TestStreamDeliversDeltasInOrder(t *testing.T) {
	m := newTestIPC(t)
	c := newTestClient(t, m)

	st, err := c.Generate(Request{Prompt: "p", Stop: api.StopCriteria{MaxGeneratedTokens: 8}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for i := int32(0); i < 3; i++ {
		d := &api.Delta{RequestID: st.ID, Tokens: []int32{100 + i}, Content: "x"}
		if i == 2 {
			d.IsFinal = true
			d.Reason = api.FinishStop
		}
		if err := m.Responses().Publish(d); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	for i := int32(0); i < 3; i++ {
		d := recvDelta(t, st)
		if d.Tokens[0] != 100+i {
			t.Fatalf("delta %d carries token %d", i, d.Tokens[0])
		}
	}
	select {
	case _, ok := <-st.Deltas():
		if ok {
			t.Fatalf("delta after final")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream not closed after final")
	}

	// The final removed the stream; a stray duplicate must not crash
	// or resurrect it.
	if err := m.Responses().Publish(&api.Delta{RequestID: st.ID, IsFinal: true}); err != nil {
		t.Fatalf("Publish stray: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	_, live := c.streams[st.ID]
	c.mu.Unlock()
	if live {
		t.Fatalf("finished stream resurrected")
	}
}

func TestGenerateFailsWhenArenaExhausted(t *testing.T) {
	m := newTestIPC(t)
	c := newTestClient(t, m)

	// Drain the smallest size class; single-byte prompts land there.
	for {
		if _, err := m.Bulk().Alloc(1); err != nil {
			if !errors.Is(err, api.ErrArenaExhausted) {
				t.Fatalf("unexpected alloc error: %v", err)
			}
			break
		}
	}

	_, err := c.Generate(Request{Prompt: "x"})
	if !errors.Is(err, api.ErrArenaExhausted) {
		t.Fatalf("got %v, want ErrArenaExhausted", err)
	}
	var structured *api.Error
	if !errors.As(err, &structured) || structured.Code != api.ErrCodePoolExhausted {
		t.Fatalf("got %v, want a structured pool-exhausted error", err)
	}
	c.mu.Lock()
	leaked := len(c.streams)
	c.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("failed generate left %d streams registered", leaked)
	}
}

func TestGenerateRejectsOversizePrompt(t *testing.T) {
	m := newTestIPC(t)
	c := newTestClient(t, m)
	big := strings.Repeat("x", (1<<20)+1)
	if _, err := c.Generate(Request{Prompt: big}); !errors.Is(err, api.ErrOversizePayload) {
		t.Fatalf("got %v, want ErrOversizePayload", err)
	}
}

func TestNewRequiresOpenManager(t *testing.T) {
	m := newTestIPC(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := New(m, nil); !errors.Is(err, api.ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
	if _, err := New(nil, nil); !errors.Is(err, api.ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestCloseClosesOpenStreams(t *testing.T) {
	m := newTestIPC(t)
	c, err := New(m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st, err := c.Generate(Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	c.Close()

	select {
	case _, ok := <-st.Deltas():
		if ok {
			t.Fatalf("unexpected delta from a dead client")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream not closed by Close")
	}

	if _, err := c.Generate(Request{Prompt: "p"}); !errors.Is(err, api.ErrShutdown) {
		t.Fatalf("got %v, want ErrShutdown", err)
	}
	c.Close()
}
