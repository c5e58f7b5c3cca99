// Package memory provides an in-memory recap sink, used in tests and when
// no spreadsheet is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"kasku/internal/core"
)

type Sink struct {
	mu      sync.Mutex
	entries []core.LedgerEntry
}

func New() *Sink {
	return &Sink{}
}

// Append stores the entry and returns a synthetic row reference.
func (s *Sink) Append(_ context.Context, e core.LedgerEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return fmt.Sprintf("mem:%d", len(s.entries)), nil
}

// Entries returns a copy of everything appended so far.
func (s *Sink) Entries() []core.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.LedgerEntry(nil), s.entries...)
}
