package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu     sync.Mutex
	writes []string
	fail   bool
}

func (f *flushRecorder) flush(ctx context.Context, reportID, key, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.writes = append(f.writes, reportID+"/"+key+"="+content)
	return nil
}

func (f *flushRecorder) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func TestStageThenExplicitFlush(t *testing.T) {
	rec := &flushRecorder{}
	saver := New(time.Hour, rec.flush)
	defer saver.Close()

	saver.Stage("rep_1", "findings", "first draft")
	if err := saver.Flush(context.Background(), "rep_1", "findings"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	writes := rec.snapshot()
	if len(writes) != 1 || writes[0] != "rep_1/findings=first draft" {
		t.Errorf("writes = %v", writes)
	}

	// Nothing pending: a second flush is a no-op.
	if err := saver.Flush(context.Background(), "rep_1", "findings"); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if len(rec.snapshot()) != 1 {
		t.Error("flush without pending write must not persist anything")
	}
}

func TestNewEditCancelsAndReplacesPending(t *testing.T) {
	rec := &flushRecorder{}
	saver := New(time.Hour, rec.flush)
	defer saver.Close()

	saver.Stage("rep_1", "findings", "v1")
	saver.Stage("rep_1", "findings", "v2")
	saver.Stage("rep_1", "findings", "v3")

	if content, ok := saver.Peek("rep_1", "findings"); !ok || content != "v3" {
		t.Errorf("Peek = %q (%v), want v3", content, ok)
	}

	if err := saver.Flush(context.Background(), "rep_1", "findings"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	writes := rec.snapshot()
	if len(writes) != 1 || writes[0] != "rep_1/findings=v3" {
		t.Errorf("writes = %v, want only the latest edit", writes)
	}
}

func TestQuietIntervalFlush(t *testing.T) {
	rec := &flushRecorder{}
	saver := New(20*time.Millisecond, rec.flush)
	defer saver.Close()

	saver.Stage("rep_1", "context", "background noise levels")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	writes := rec.snapshot()
	if len(writes) != 1 || writes[0] != "rep_1/context=background noise levels" {
		t.Fatalf("writes = %v, want quiet-interval flush", writes)
	}
	if _, ok := saver.Peek("rep_1", "context"); ok {
		t.Error("pending entry must be gone after flush")
	}
}

func TestFlushReportFlushesAllSections(t *testing.T) {
	rec := &flushRecorder{}
	saver := New(time.Hour, rec.flush)
	defer saver.Close()

	saver.Stage("rep_1", "context", "a")
	saver.Stage("rep_1", "findings", "b")
	saver.Stage("rep_2", "context", "other report")

	if err := saver.FlushReport(context.Background(), "rep_1"); err != nil {
		t.Fatalf("FlushReport: %v", err)
	}

	if len(rec.snapshot()) != 2 {
		t.Errorf("writes = %v, want both rep_1 sections", rec.snapshot())
	}
	if _, ok := saver.Peek("rep_2", "context"); !ok {
		t.Error("other report's pending write must survive")
	}
}

func TestFailedFlushRestagesEdit(t *testing.T) {
	rec := &flushRecorder{fail: true}
	saver := New(time.Hour, rec.flush)
	defer saver.Close()

	saver.Stage("rep_1", "findings", "do not lose this")
	if err := saver.Flush(context.Background(), "rep_1", "findings"); err == nil {
		t.Fatal("expected flush error")
	}

	if content, ok := saver.Peek("rep_1", "findings"); !ok || content != "do not lose this" {
		t.Errorf("Peek after failed flush = %q (%v), want the edit restaged", content, ok)
	}

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	if err := saver.Flush(context.Background(), "rep_1", "findings"); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	writes := rec.snapshot()
	if len(writes) != 1 || writes[0] != "rep_1/findings=do not lose this" {
		t.Errorf("writes = %v", writes)
	}
}

func TestPendingFor(t *testing.T) {
	saver := New(time.Hour, func(context.Context, string, string, string) error { return nil })
	defer saver.Close()

	saver.Stage("rep_1", "context", "a")
	saver.Stage("rep_1", "obstacles", "b")

	pending := saver.PendingFor("rep_1")
	if len(pending) != 2 || pending["context"] != "a" || pending["obstacles"] != "b" {
		t.Errorf("PendingFor = %v", pending)
	}
}
