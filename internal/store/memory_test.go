package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

func TestMemoryEnabledUnsetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.MemoryEnabled(ctx, "alice")
	if err != nil {
		t.Fatalf("MemoryEnabled() error = %v", err)
	}
	if ok {
		t.Error("ok = true for a user who never set the switch")
	}

	if err := s.SetMemoryEnabled(ctx, "alice", false); err != nil {
		t.Fatalf("SetMemoryEnabled() error = %v", err)
	}
	enabled, ok, err := s.MemoryEnabled(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("MemoryEnabled() = ok=%v, err=%v", ok, err)
	}
	if enabled {
		t.Error("enabled = true, want explicit false")
	}
}

func TestUpsertMemoryRecordCapEvictsOldest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := &models.MemoryRecord{
			UserID:      "alice",
			SessionID:   fmt.Sprintf("sess-%d", i),
			Summary:     fmt.Sprintf("digest %d", i),
			UpdatedTime: float64(1000 + i),
		}
		if err := s.UpsertMemoryRecord(ctx, rec, 2); err != nil {
			t.Fatalf("UpsertMemoryRecord(%d) error = %v", i, err)
		}
	}

	records, err := s.ListMemoryRecords(ctx, "alice")
	if err != nil {
		t.Fatalf("ListMemoryRecords() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("cap left %d records, want 2", len(records))
	}
	// Most recently updated first; sess-1 was evicted.
	if records[0].SessionID != "sess-3" || records[1].SessionID != "sess-2" {
		t.Errorf("kept sessions = [%s, %s], want [sess-3, sess-2]",
			records[0].SessionID, records[1].SessionID)
	}
}

func TestUpsertMemoryRecordReplacesSameSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.MemoryRecord{UserID: "alice", SessionID: "sess-1", Summary: "v1"}
	if err := s.UpsertMemoryRecord(ctx, first, 0); err != nil {
		t.Fatalf("UpsertMemoryRecord() error = %v", err)
	}
	second := &models.MemoryRecord{UserID: "alice", SessionID: "sess-1", Summary: "v2",
		UpdatedTime: first.UpdatedTime + 1}
	if err := s.UpsertMemoryRecord(ctx, second, 0); err != nil {
		t.Fatalf("UpsertMemoryRecord() replace error = %v", err)
	}

	records, err := s.ListMemoryRecords(ctx, "alice")
	if err != nil {
		t.Fatalf("ListMemoryRecords() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("have %d records, want 1", len(records))
	}
	if records[0].Summary != "v2" {
		t.Errorf("Summary = %q, want v2", records[0].Summary)
	}
}

func TestMemoryStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		rec := &models.MemoryRecord{UserID: "alice", SessionID: fmt.Sprintf("sess-%d", i), Summary: "abcde"}
		if err := s.UpsertMemoryRecord(ctx, rec, 0); err != nil {
			t.Fatalf("UpsertMemoryRecord() error = %v", err)
		}
	}

	stats, err := s.MemoryStats(ctx, "alice")
	if err != nil {
		t.Fatalf("MemoryStats() error = %v", err)
	}
	if stats.Records != 2 || stats.Chars != 10 {
		t.Errorf("MemoryStats() = %+v, want 2 records / 10 chars", stats)
	}
}

func TestMemoryTaskLogSupersedesPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := &models.MemoryTaskLog{TaskID: "task-1", UserID: "alice", SessionID: "sess-1",
		Status: models.MemoryTaskDone, QueuedTime: 100}
	if err := s.UpsertMemoryTaskLog(ctx, older); err != nil {
		t.Fatalf("UpsertMemoryTaskLog() error = %v", err)
	}
	newer := &models.MemoryTaskLog{TaskID: "task-2", UserID: "alice", SessionID: "sess-1",
		Status: models.MemoryTaskQueued, QueuedTime: 200}
	if err := s.UpsertMemoryTaskLog(ctx, newer); err != nil {
		t.Fatalf("UpsertMemoryTaskLog() error = %v", err)
	}

	// The older task row was replaced, not accumulated.
	if got, err := s.GetMemoryTaskLog(ctx, "task-1"); err != nil || got != nil {
		t.Errorf("GetMemoryTaskLog(task-1) = %+v, %v, want superseded nil", got, err)
	}
	got, err := s.GetMemoryTaskLog(ctx, "task-2")
	if err != nil {
		t.Fatalf("GetMemoryTaskLog() error = %v", err)
	}
	if got == nil || got.Status != models.MemoryTaskQueued {
		t.Fatalf("GetMemoryTaskLog(task-2) = %+v", got)
	}

	logs, err := s.ListMemoryTaskLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ListMemoryTaskLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("have %d task logs, want 1", len(logs))
	}
}

func TestDeleteMemoryRecordsByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []*models.MemoryRecord{
		{UserID: "alice", SessionID: "sess-1", Summary: "x"},
		{UserID: "alice", SessionID: "sess-2", Summary: "x"},
		{UserID: "bob", SessionID: "sess-1", Summary: "x"},
	}
	for _, rec := range records {
		if err := s.UpsertMemoryRecord(ctx, rec, 0); err != nil {
			t.Fatalf("UpsertMemoryRecord() error = %v", err)
		}
	}

	n, err := s.DeleteMemoryRecordsByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("DeleteMemoryRecordsByUser() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteMemoryRecordsByUser() = %d, want 2", n)
	}
	left, err := s.ListMemoryRecords(ctx, "alice")
	if err != nil {
		t.Fatalf("ListMemoryRecords() error = %v", err)
	}
	if len(left) != 0 {
		t.Errorf("alice still has %d records", len(left))
	}
	bobLeft, _ := s.ListMemoryRecords(ctx, "bob")
	if len(bobLeft) != 1 {
		t.Errorf("bob lost records, have %d", len(bobLeft))
	}
}
