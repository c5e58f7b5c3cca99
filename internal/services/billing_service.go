package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kasku/internal/core"
	"kasku/internal/storage"
)

// EntryPublisher pushes export notifications for freshly written ledger
// entries. Satisfied by the AMQP client; nil disables publishing.
type EntryPublisher interface {
	PublishEntryExport(ctx context.Context, entryID, ownerID string) error
}

// BillingService owns the monthly dues cycle: generating bills for active
// members, settling them against the ledger, and waiving them.
type BillingService struct {
	storage   *storage.SQLiteRepository
	publisher EntryPublisher
}

func NewBillingService(storage *storage.SQLiteRepository, publisher EntryPublisher) *BillingService {
	return &BillingService{
		storage:   storage,
		publisher: publisher,
	}
}

// GenerateBills creates one UNPAID bill per active member for the period,
// skipping members that already have one. The dues amount is snapshotted
// onto each new bill; later rate changes never touch existing bills.
// Returns the full bill set for the period.
func (s *BillingService) GenerateBills(ctx context.Context, ownerID string, period core.Period) ([]core.Bill, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}

	amount, err := s.storage.GetDuesAmount(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load dues amount: %w", err)
	}

	members, err := s.storage.ListActiveMembers(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}

	for _, m := range members {
		bill := core.Bill{
			OwnerID:  ownerID,
			MemberID: m.ID,
			Period:   period,
			Amount:   amount,
			Status:   core.Unpaid,
		}
		if err := s.storage.CreateBillIfAbsent(ctx, bill); err != nil {
			return nil, fmt.Errorf("generate bill for member %s: %w", m.ID, err)
		}
	}

	slog.InfoContext(ctx, "Bills generated",
		"owner_id", ownerID,
		"ym", period.String(),
		"members", len(members),
		"amount", amount)

	return s.storage.ListBills(ctx, ownerID, period)
}

// ListBills returns the bills of a period, or all bills when period is empty.
func (s *BillingService) ListBills(ctx context.Context, ownerID string, period core.Period) ([]core.Bill, error) {
	if period != "" {
		if err := period.Validate(); err != nil {
			return nil, err
		}
	}
	return s.storage.ListBills(ctx, ownerID, period)
}

// MarkPaid settles one member's bill for the period. The status transition
// and the income entry land in one transaction; a bill that is already PAID
// or WAIVED comes back as ErrTerminalStatus and the ledger stays untouched.
func (s *BillingService) MarkPaid(ctx context.Context, ownerID, memberID string, period core.Period) (core.Bill, core.LedgerEntry, error) {
	if err := period.Validate(); err != nil {
		return core.Bill{}, core.LedgerEntry{}, err
	}

	bill, err := s.storage.GetBillForMember(ctx, ownerID, memberID, period)
	if err != nil {
		return core.Bill{}, core.LedgerEntry{}, err
	}

	entry := s.paymentEntry(ctx, bill)
	entry, paid, err := s.storage.PayBill(ctx, ownerID, bill.ID, entry)
	if err != nil {
		return core.Bill{}, core.LedgerEntry{}, fmt.Errorf("pay bill: %w", err)
	}
	if !paid {
		return core.Bill{}, core.LedgerEntry{}, core.ErrTerminalStatus
	}

	bill.Status = core.Paid
	s.publishExport(ctx, entry)
	return bill, entry, nil
}

// BulkResult reports the outcome of a bulk status run.
type BulkResult struct {
	Changed int `json:"changed"`
	Skipped int `json:"skipped"`
}

// BulkMarkPaid settles the period bills of many members in one call. Each
// bill goes through the same conditional transition as MarkPaid, so members
// without a bill or with a terminal one are counted as skipped instead of
// failing the batch. Returns the full period bill set alongside the counts.
func (s *BillingService) BulkMarkPaid(ctx context.Context, ownerID string, memberIDs []string, period core.Period) ([]core.Bill, BulkResult, error) {
	if err := period.Validate(); err != nil {
		return nil, BulkResult{}, err
	}

	var result BulkResult
	for _, memberID := range memberIDs {
		_, _, err := s.MarkPaid(ctx, ownerID, memberID, period)
		switch {
		case err == nil:
			result.Changed++
		case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrTerminalStatus):
			slog.WarnContext(ctx, "Skipping bill in bulk payment",
				"owner_id", ownerID,
				"member_id", memberID,
				"ym", period.String(),
				"reason", err)
			result.Skipped++
		default:
			// One member's store failure must not strand the rest of the
			// batch unprocessed.
			slog.ErrorContext(ctx, "Bulk payment failed for member",
				"owner_id", ownerID,
				"member_id", memberID,
				"ym", period.String(),
				"error", err)
			result.Skipped++
		}
	}

	slog.InfoContext(ctx, "Bulk payment processed",
		"owner_id", ownerID,
		"ym", period.String(),
		"requested", len(memberIDs),
		"paid", result.Changed,
		"skipped", result.Skipped)

	bills, err := s.storage.ListBills(ctx, ownerID, period)
	return bills, result, err
}

// Waive forgives the unpaid period bills of the given members without
// writing any ledger entry. Missing or terminal bills are skipped.
// Returns the full period bill set.
func (s *BillingService) Waive(ctx context.Context, ownerID string, memberIDs []string, period core.Period) ([]core.Bill, BulkResult, error) {
	if err := period.Validate(); err != nil {
		return nil, BulkResult{}, err
	}

	var result BulkResult
	for _, memberID := range memberIDs {
		bill, err := s.storage.GetBillForMember(ctx, ownerID, memberID, period)
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				slog.ErrorContext(ctx, "Waive failed for member",
					"owner_id", ownerID,
					"member_id", memberID,
					"ym", period.String(),
					"error", err)
			}
			result.Skipped++
			continue
		}

		moved, err := s.storage.TransitionBill(ctx, ownerID, bill.ID, core.Unpaid, core.Waived)
		if err != nil {
			slog.ErrorContext(ctx, "Waive failed for member",
				"owner_id", ownerID,
				"member_id", memberID,
				"ym", period.String(),
				"error", err)
			result.Skipped++
			continue
		}
		if moved {
			result.Changed++
		} else {
			result.Skipped++
		}
	}

	slog.InfoContext(ctx, "Bills waived",
		"owner_id", ownerID,
		"ym", period.String(),
		"waived", result.Changed,
		"skipped", result.Skipped)

	bills, err := s.storage.ListBills(ctx, ownerID, period)
	return bills, result, err
}

// DuesAmount returns the configured monthly rate for a tenant.
func (s *BillingService) DuesAmount(ctx context.Context, ownerID string) (int64, error) {
	return s.storage.GetDuesAmount(ctx, ownerID)
}

// SetDuesAmount updates the monthly rate. Only bills generated afterwards
// pick up the new amount.
func (s *BillingService) SetDuesAmount(ctx context.Context, ownerID string, amount int64) error {
	setting := core.RateSetting{OwnerID: ownerID, DuesAmount: amount}
	if err := setting.Validate(); err != nil {
		return err
	}
	return s.storage.SetDuesAmount(ctx, ownerID, amount)
}

// paymentEntry builds the income entry recorded when a bill is settled. The
// note names the member when the member row still exists.
func (s *BillingService) paymentEntry(ctx context.Context, bill core.Bill) core.LedgerEntry {
	note := fmt.Sprintf("%s %s", core.DuesCategory, bill.Period.String())
	if member, err := s.storage.GetMember(ctx, bill.OwnerID, bill.MemberID); err == nil {
		note = fmt.Sprintf("%s %s - %s", core.DuesCategory, bill.Period.String(), member.Name)
	}

	return core.LedgerEntry{
		OwnerID:  bill.OwnerID,
		Type:     core.In,
		Amount:   bill.Amount,
		Category: core.DuesCategory,
		Note:     note,
		Date:     time.Now().UTC(),
		MemberID: bill.MemberID,
	}
}

func (s *BillingService) publishExport(ctx context.Context, entry core.LedgerEntry) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEntryExport(ctx, entry.ID, entry.OwnerID); err != nil {
		// Export is best effort, the worker catches up from the database.
		slog.ErrorContext(ctx, "Failed to publish entry export",
			"entry_id", entry.ID, "error", err)
	}
}
