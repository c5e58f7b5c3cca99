package services

import (
	"context"
	"fmt"
	"log/slog"

	"kasku/internal/core"
	"kasku/internal/storage"
)

// LedgerService handles free-form cash movements and the derived balances.
type LedgerService struct {
	storage   *storage.SQLiteRepository
	publisher EntryPublisher
}

func NewLedgerService(storage *storage.SQLiteRepository, publisher EntryPublisher) *LedgerService {
	return &LedgerService{
		storage:   storage,
		publisher: publisher,
	}
}

// AddEntry validates and appends a ledger entry, then notifies the recap
// exporter. The append is authoritative; a failed publish only logs.
func (s *LedgerService) AddEntry(ctx context.Context, e core.LedgerEntry) (core.LedgerEntry, error) {
	if err := e.Validate(); err != nil {
		return core.LedgerEntry{}, err
	}

	entry, err := s.storage.AppendEntry(ctx, e)
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("append entry: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishEntryExport(ctx, entry.ID, entry.OwnerID); err != nil {
			slog.ErrorContext(ctx, "Failed to publish entry export",
				"entry_id", entry.ID, "error", err)
		}
	}

	return entry, nil
}

// ListEntries returns a tenant's entries, optionally narrowed to one period.
func (s *LedgerService) ListEntries(ctx context.Context, ownerID string, period core.Period) ([]core.LedgerEntry, error) {
	if period != "" {
		if err := period.Validate(); err != nil {
			return nil, err
		}
	}
	return s.storage.ListEntries(ctx, ownerID, period)
}

// DeleteEntry removes a single entry. Deleting a payment entry does not
// reopen the bill it settled.
func (s *LedgerService) DeleteEntry(ctx context.Context, ownerID, id string) error {
	if err := s.storage.DeleteEntry(ctx, ownerID, id); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Ledger entry deleted",
		"owner_id", ownerID,
		"entry_id", id)

	return nil
}

// Totals aggregates income, spending and balance, all time or per period.
func (s *LedgerService) Totals(ctx context.Context, ownerID string, period core.Period) (core.Totals, error) {
	if period != "" {
		if err := period.Validate(); err != nil {
			return core.Totals{}, err
		}
	}
	return s.storage.Totals(ctx, ownerID, period)
}
