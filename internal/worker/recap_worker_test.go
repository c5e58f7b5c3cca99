package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kasku/internal/amqp"
	"kasku/internal/core"
	"kasku/internal/recap/memory"
	"kasku/internal/storage"
)

func newTestRepo(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "kasku_worker_test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func addEntry(t *testing.T, repo *storage.SQLiteRepository, amount int64) core.LedgerEntry {
	t.Helper()
	entry, err := repo.AppendEntry(context.Background(), core.LedgerEntry{
		OwnerID:  core.LegacyTenant,
		Type:     core.In,
		Amount:   amount,
		Category: core.DuesCategory,
		Date:     time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	return entry
}

func TestHandleExportMessage(t *testing.T) {
	repo := newTestRepo(t)
	sink := memory.New()
	w := NewRecapWorker(repo, sink, 10)
	ctx := context.Background()

	entry := addEntry(t, repo, 20000)
	msg := amqp.NewEntryExportMessage(entry.ID, entry.OwnerID)

	if err := w.HandleExportMessage(ctx, msg); err != nil {
		t.Fatalf("HandleExportMessage() error = %v", err)
	}

	exported := sink.Entries()
	if len(exported) != 1 || exported[0].ID != entry.ID {
		t.Fatalf("sink entries = %+v, want the exported entry", exported)
	}

	// Bookkeeping done: the sweep finds nothing left.
	pending, err := repo.ListUnexportedEntries(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnexportedEntries() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("unexported entries = %d, want 0", len(pending))
	}
}

func TestHandleExportMessageEntryGone(t *testing.T) {
	repo := newTestRepo(t)
	sink := memory.New()
	w := NewRecapWorker(repo, sink, 10)

	msg := amqp.NewEntryExportMessage("deleted-before-delivery", core.LegacyTenant)
	if err := w.HandleExportMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleExportMessage() error = %v, want message dropped", err)
	}
	if len(sink.Entries()) != 0 {
		t.Error("nothing should reach the sink for a missing entry")
	}
}

func TestProcessUnexported(t *testing.T) {
	repo := newTestRepo(t)
	sink := memory.New()
	w := NewRecapWorker(repo, sink, 10)
	ctx := context.Background()

	addEntry(t, repo, 20000)
	addEntry(t, repo, 5000)

	if err := w.ProcessUnexported(ctx); err != nil {
		t.Fatalf("ProcessUnexported() error = %v", err)
	}
	if got := len(sink.Entries()); got != 2 {
		t.Fatalf("sink entries = %d, want 2", got)
	}

	// Second sweep is a no-op.
	if err := w.ProcessUnexported(ctx); err != nil {
		t.Fatalf("ProcessUnexported() second pass error = %v", err)
	}
	if got := len(sink.Entries()); got != 2 {
		t.Errorf("sink entries after second pass = %d, want 2", got)
	}
}

func TestProcessUnexportedRespectsBatchSize(t *testing.T) {
	repo := newTestRepo(t)
	sink := memory.New()
	w := NewRecapWorker(repo, sink, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		addEntry(t, repo, int64(1000*(i+1)))
	}

	if err := w.ProcessUnexported(ctx); err != nil {
		t.Fatalf("ProcessUnexported() error = %v", err)
	}
	if got := len(sink.Entries()); got != 2 {
		t.Errorf("sink entries = %d, want one batch of 2", got)
	}
}

type failingSink struct {
	err error
}

func (f failingSink) Append(context.Context, core.LedgerEntry) (string, error) {
	return "", f.err
}

func TestStartupCheckContinuesOnSinkFailure(t *testing.T) {
	repo := newTestRepo(t)
	w := NewRecapWorker(repo, failingSink{err: errors.New("quota exceeded")}, 10)
	ctx := context.Background()

	entry := addEntry(t, repo, 20000)

	if err := w.StartupCheck(ctx); err != nil {
		t.Fatalf("StartupCheck() error = %v, want failures swallowed", err)
	}

	// Entry stays unexported for the next sweep.
	pending, err := repo.ListUnexportedEntries(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnexportedEntries() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != entry.ID {
		t.Errorf("unexported entries = %+v, want the failed entry still pending", pending)
	}
}
