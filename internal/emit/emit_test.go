package emit

import (
	"context"
	"sync"
	"testing"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

type captureMonitor struct {
	mu    sync.Mutex
	types []models.EventType
}

func (c *captureMonitor) RecordEvent(_ context.Context, _ string, typ models.EventType, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, typ)
}

type captureStream struct {
	mu       sync.Mutex
	events   []*models.Event
	finished bool
}

func (c *captureStream) Publish(_ context.Context, ev *models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureStream) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
}

func TestEmitStampsMonotonicIDs(t *testing.T) {
	stream := &captureStream{}
	e := New("s1", "u1", nil, stream)

	for i := 0; i < 5; i++ {
		e.Emit(context.Background(), models.EventProgress, map[string]any{"round": i})
	}

	if len(stream.events) != 5 {
		t.Fatalf("published %d events, want 5", len(stream.events))
	}
	for i, ev := range stream.events {
		if ev.ID != uint64(i+1) {
			t.Errorf("event %d: ID = %d, want %d", i, ev.ID, i+1)
		}
		if ev.SessionID != "s1" {
			t.Errorf("event %d: SessionID = %q, want s1", i, ev.SessionID)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d: zero timestamp", i)
		}
	}
}

func TestEmitForwardsToMonitorWithoutStream(t *testing.T) {
	mon := &captureMonitor{}
	e := New("s1", "u1", mon, nil)

	e.Emit(context.Background(), models.EventReceived, nil)
	e.Emit(context.Background(), models.EventFinal, map[string]any{"answer": "ok"})
	e.Finish() // no stream attached; must not panic

	if len(mon.types) != 2 {
		t.Fatalf("monitor saw %d events, want 2", len(mon.types))
	}
	if mon.types[0] != models.EventReceived || mon.types[1] != models.EventFinal {
		t.Errorf("monitor types = %v", mon.types)
	}
}

func TestEmitConcurrentCallersKeepIDsUnique(t *testing.T) {
	stream := &captureStream{}
	e := New("s1", "u1", nil, stream)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Emit(context.Background(), models.EventToolResult, nil)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool, 400)
	for _, ev := range stream.events {
		if seen[ev.ID] {
			t.Fatalf("duplicate event ID %d", ev.ID)
		}
		seen[ev.ID] = true
	}
	if len(seen) != 400 {
		t.Fatalf("unique IDs = %d, want 400", len(seen))
	}
}

func TestFinishReachesStream(t *testing.T) {
	stream := &captureStream{}
	e := New("s1", "u1", nil, stream)
	e.Finish()
	if !stream.finished {
		t.Fatal("Finish() did not reach the stream sink")
	}
}
