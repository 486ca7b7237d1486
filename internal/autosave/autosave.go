// Package autosave holds not-yet-persisted section edits. Each
// (report, section) pair has at most one pending write; a new edit cancels
// and replaces the previous one, so what eventually flushes is always the
// most recent content seen, never an interleaving of two edits.
package autosave

import (
	"context"
	"log"
	"sync"
	"time"
)

// FlushFunc persists one staged section write.
type FlushFunc func(ctx context.Context, reportID, key, content string) error

type pendingWrite struct {
	content string
	timer   *time.Timer
}

type Saver struct {
	quiet time.Duration
	flush FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

func New(quiet time.Duration, flush FlushFunc) *Saver {
	return &Saver{
		quiet:   quiet,
		flush:   flush,
		pending: make(map[string]*pendingWrite),
	}
}

func saveKey(reportID, key string) string {
	return reportID + "\x00" + key
}

// Stage records content as the pending write for (reportID, key), replacing
// and cancelling any earlier one, and arms the quiet-interval flush.
func (s *Saver) Stage(reportID, key, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := saveKey(reportID, key)
	if existing, ok := s.pending[id]; ok {
		existing.timer.Stop()
	}
	entry := &pendingWrite{content: content}
	entry.timer = time.AfterFunc(s.quiet, func() {
		if err := s.Flush(context.Background(), reportID, key); err != nil {
			log.Printf("autosave: flush %s/%s: %v", reportID, key, err)
		}
	})
	s.pending[id] = entry
}

// Peek returns the pending content for (reportID, key), if any. Reads
// overlay this on persisted content so a view always reflects the latest
// edit.
func (s *Saver) Peek(reportID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[saveKey(reportID, key)]
	if !ok {
		return "", false
	}
	return entry.content, true
}

// PendingFor returns all pending section contents for a report, keyed by
// section key.
func (s *Saver) PendingFor(reportID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := reportID + "\x00"
	pending := make(map[string]string)
	for id, entry := range s.pending {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			pending[id[len(prefix):]] = entry.content
		}
	}
	return pending
}

// Flush persists the pending write for (reportID, key) immediately. The
// entry is removed before the flush runs; on failure it is restaged so the
// edit is not lost, unless a newer edit arrived meanwhile.
func (s *Saver) Flush(ctx context.Context, reportID, key string) error {
	s.mu.Lock()
	id := saveKey(reportID, key)
	entry, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	entry.timer.Stop()
	delete(s.pending, id)
	s.mu.Unlock()

	if err := s.flush(ctx, reportID, key, entry.content); err != nil {
		s.mu.Lock()
		if _, replaced := s.pending[id]; !replaced {
			entry.timer = time.AfterFunc(s.quiet, func() {
				if flushErr := s.Flush(context.Background(), reportID, key); flushErr != nil {
					log.Printf("autosave: retry flush %s/%s: %v", reportID, key, flushErr)
				}
			})
			s.pending[id] = entry
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// FlushReport persists every pending write for a report. Submit calls this
// first so the submitted content is what the author last typed.
func (s *Saver) FlushReport(ctx context.Context, reportID string) error {
	for key := range s.PendingFor(reportID) {
		if err := s.Flush(ctx, reportID, key); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels all timers without flushing.
func (s *Saver) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, id)
	}
}
