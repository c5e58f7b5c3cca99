package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kasku/internal/amqp"
	"kasku/internal/core"
	"kasku/internal/recap"
	"kasku/internal/storage"
)

// RecapWorker ships ledger entries to the recap sheet. It consumes export
// messages from AMQP and, as a backstop, sweeps entries that were written to
// the database but never announced (lost message, broker downtime).
type RecapWorker struct {
	storage   *storage.SQLiteRepository
	sink      recap.Appender
	batchSize int
}

func NewRecapWorker(storage *storage.SQLiteRepository, sink recap.Appender, batchSize int) *RecapWorker {
	return &RecapWorker{
		storage:   storage,
		sink:      sink,
		batchSize: batchSize,
	}
}

// HandleExportMessage processes a single export announcement. A missing
// entry is not an error: the entry may have been deleted between the
// announcement and delivery, so the message is dropped rather than requeued.
func (w *RecapWorker) HandleExportMessage(ctx context.Context, msg *amqp.EntryExportMessage) error {
	slog.InfoContext(ctx, "Processing export message",
		"entry_id", msg.EntryID,
		"owner_id", msg.OwnerID)

	entry, err := w.storage.GetEntry(ctx, msg.EntryID)
	if errors.Is(err, core.ErrNotFound) {
		slog.WarnContext(ctx, "Entry gone before export, dropping message",
			"entry_id", msg.EntryID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get entry from storage: %w", err)
	}

	return w.exportEntry(ctx, entry)
}

// ProcessUnexported sweeps entries that never made it to the sheet. This is
// the backup path for lost AMQP messages.
func (w *RecapWorker) ProcessUnexported(ctx context.Context) error {
	pending, err := w.storage.ListUnexportedEntries(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("list unexported entries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing unexported entries", "count", len(pending))

	for _, entry := range pending {
		if err := w.exportEntry(ctx, entry); err != nil {
			slog.ErrorContext(ctx, "Failed to export entry",
				"entry_id", entry.ID, "error", err)
			continue
		}
	}
	return nil
}

// StartupCheck runs one larger sweep at worker startup to recover from
// downtime. Failures are reported but do not stop the worker.
func (w *RecapWorker) StartupCheck(ctx context.Context) error {
	pending, err := w.storage.ListUnexportedEntries(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("list unexported entries for startup check: %w", err)
	}
	if len(pending) == 0 {
		slog.InfoContext(ctx, "No unexported entries found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found unexported entries on startup, processing...",
		"count", len(pending))

	exported := 0
	failed := 0
	for _, entry := range pending {
		if err := w.exportEntry(ctx, entry); err != nil {
			slog.ErrorContext(ctx, "Failed to export entry during startup",
				"entry_id", entry.ID, "error", err)
			failed++
			continue
		}
		exported++
	}

	slog.InfoContext(ctx, "Startup export sweep completed",
		"total", len(pending),
		"exported", exported,
		"errors", failed)
	return nil
}

func (w *RecapWorker) exportEntry(ctx context.Context, entry core.LedgerEntry) error {
	ref, err := w.sink.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("append to recap sink: %w", err)
	}

	if err := w.storage.MarkEntryExported(ctx, entry.ID); err != nil {
		// The row is on the sheet; the sweep will retry the bookkeeping and
		// the entry id column makes the duplicate visible.
		slog.ErrorContext(ctx, "Failed to mark entry as exported",
			"entry_id", entry.ID, "error", err)
		return nil
	}

	slog.InfoContext(ctx, "Entry exported",
		"entry_id", entry.ID,
		"owner_id", entry.OwnerID,
		"sheets_ref", ref,
		"amount", entry.Amount)
	return nil
}
