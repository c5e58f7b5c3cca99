package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"kasku/internal/core"
	"kasku/internal/storage"
)

type recordingPublisher struct {
	entryIDs []string
	err      error
}

func (p *recordingPublisher) PublishEntryExport(_ context.Context, entryID, _ string) error {
	p.entryIDs = append(p.entryIDs, entryID)
	return p.err
}

func newTestStorage(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "kasku_test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func addMembers(t *testing.T, repo *storage.SQLiteRepository, ownerID string, names ...string) []core.Member {
	t.Helper()
	members := make([]core.Member, 0, len(names))
	for _, name := range names {
		m, err := repo.CreateMember(context.Background(), core.Member{OwnerID: ownerID, Name: name})
		if err != nil {
			t.Fatalf("CreateMember(%s) error = %v", name, err)
		}
		members = append(members, m)
	}
	return members
}

func TestGenerateBills(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	addMembers(t, repo, "owner-1", "Budi", "Sari", "Andi")

	bills, err := svc.GenerateBills(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}
	if len(bills) != 3 {
		t.Fatalf("GenerateBills() created %d bills, want 3", len(bills))
	}
	for _, b := range bills {
		if b.Amount != core.DefaultDuesAmount {
			t.Errorf("bill amount = %d, want default %d", b.Amount, core.DefaultDuesAmount)
		}
		if b.Status != core.Unpaid {
			t.Errorf("bill status = %q, want %q", b.Status, core.Unpaid)
		}
	}
}

func TestGenerateBillsIsIdempotent(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Budi", "Sari")

	if _, err := svc.GenerateBills(ctx, "owner-1", "2026-08"); err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}

	// Pay one, then rerun for the same period
	if _, _, err := svc.MarkPaid(ctx, "owner-1", members[0].ID, "2026-08"); err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}

	second, err := svc.GenerateBills(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("GenerateBills() rerun error = %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("rerun created extra bills: got %d, want 2", len(second))
	}

	var paid int
	for _, b := range second {
		if b.Status == core.Paid {
			paid++
		}
	}
	if paid != 1 {
		t.Errorf("rerun should leave the paid bill paid, got %d paid", paid)
	}
}

func TestGenerateBillsSkipsInactiveMembers(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Budi", "Sari")
	inactive := false
	if _, err := repo.UpdateMember(ctx, "owner-1", members[0].ID, storage.MemberPatch{Active: &inactive}); err != nil {
		t.Fatalf("UpdateMember() error = %v", err)
	}

	bills, err := svc.GenerateBills(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}
	if len(bills) != 1 {
		t.Fatalf("expected 1 bill for the active member, got %d", len(bills))
	}
	if bills[0].MemberID != members[1].ID {
		t.Errorf("bill belongs to %s, want active member %s", bills[0].MemberID, members[1].ID)
	}
}

func TestGenerateBillsFreezesAmount(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	addMembers(t, repo, "owner-1", "Budi")

	if _, err := svc.GenerateBills(ctx, "owner-1", "2026-08"); err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}

	if err := svc.SetDuesAmount(ctx, "owner-1", 50000); err != nil {
		t.Fatalf("SetDuesAmount() error = %v", err)
	}

	august, err := svc.GenerateBills(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("GenerateBills() rerun error = %v", err)
	}
	if august[0].Amount != core.DefaultDuesAmount {
		t.Errorf("existing bill amount = %d, rate change must not touch it", august[0].Amount)
	}

	september, err := svc.GenerateBills(ctx, "owner-1", "2026-09")
	if err != nil {
		t.Fatalf("GenerateBills(2026-09) error = %v", err)
	}
	if september[0].Amount != 50000 {
		t.Errorf("new period bill amount = %d, want 50000", september[0].Amount)
	}
}

func TestGenerateBillsRejectsInvalidPeriod(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)

	_, err := svc.GenerateBills(context.Background(), "owner-1", "2026-13")
	if !errors.Is(err, core.ErrInvalidPeriod) {
		t.Errorf("GenerateBills(2026-13) error = %v, want ErrInvalidPeriod", err)
	}
}

func TestMarkPaid(t *testing.T) {
	repo := newTestStorage(t)
	publisher := &recordingPublisher{}
	svc := NewBillingService(repo, publisher)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Sari")
	bills, err := svc.GenerateBills(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}

	bill, entry, err := svc.MarkPaid(ctx, "owner-1", members[0].ID, "2026-08")
	if err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}
	if bill.Status != core.Paid {
		t.Errorf("bill status = %q, want %q", bill.Status, core.Paid)
	}
	if entry.Type != core.In || entry.Amount != bills[0].Amount {
		t.Errorf("payment entry = %+v, want income of %d", entry, bills[0].Amount)
	}
	if entry.Category != core.DuesCategory {
		t.Errorf("entry category = %q, want %q", entry.Category, core.DuesCategory)
	}
	wantNote := "Iuran 2026-08 - Sari"
	if entry.Note != wantNote {
		t.Errorf("entry note = %q, want %q", entry.Note, wantNote)
	}
	if len(publisher.entryIDs) != 1 || publisher.entryIDs[0] != entry.ID {
		t.Errorf("publisher recorded %v, want the payment entry", publisher.entryIDs)
	}

	// Second settle is rejected and writes nothing
	_, _, err = svc.MarkPaid(ctx, "owner-1", members[0].ID, "2026-08")
	if !errors.Is(err, core.ErrTerminalStatus) {
		t.Fatalf("second MarkPaid() error = %v, want ErrTerminalStatus", err)
	}

	entries, err := repo.ListEntries(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one payment entry, got %d", len(entries))
	}
}

func TestMarkPaidWithoutBill(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)

	members := addMembers(t, repo, "owner-1", "Budi")
	_, _, err := svc.MarkPaid(context.Background(), "owner-1", members[0].ID, "2026-08")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("MarkPaid() without generated bill error = %v, want ErrNotFound", err)
	}
}

func TestBulkMarkPaid(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Budi", "Sari", "Andi")
	if _, err := svc.GenerateBills(ctx, "owner-1", "2026-08"); err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}

	// Pre-pay one so the bulk run sees a terminal bill
	if _, _, err := svc.MarkPaid(ctx, "owner-1", members[0].ID, "2026-08"); err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}

	ids := []string{members[0].ID, members[1].ID, members[2].ID, "missing"}
	bills, result, err := svc.BulkMarkPaid(ctx, "owner-1", ids, "2026-08")
	if err != nil {
		t.Fatalf("BulkMarkPaid() error = %v", err)
	}
	if result.Changed != 2 {
		t.Errorf("BulkMarkPaid() changed = %d, want 2", result.Changed)
	}
	if result.Skipped != 2 {
		t.Errorf("BulkMarkPaid() skipped = %d, want 2", result.Skipped)
	}
	if len(bills) != 3 {
		t.Errorf("BulkMarkPaid() returned %d bills, want the full period set of 3", len(bills))
	}
	for _, b := range bills {
		if b.Status != core.Paid {
			t.Errorf("bill %s status = %q, want all paid", b.ID, b.Status)
		}
	}

	entries, err := repo.ListEntries(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected one entry per settled bill, got %d", len(entries))
	}
}

// rawExec runs a statement on a side connection to the database file,
// bypassing the repository.
func rawExec(t *testing.T, dbPath, stmt string) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(stmt); err != nil {
		t.Fatalf("exec %q: %v", stmt, err)
	}
}

func TestBulkMarkPaidContinuesPastStoreFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kasku_test.db")
	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Budi", "Sari")
	if _, err := svc.GenerateBills(ctx, "owner-1", "2026-08"); err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}

	// Reject the ledger write for the first member so their payment fails
	// mid-batch
	rawExec(t, dbPath, fmt.Sprintf(
		`CREATE TRIGGER reject_entry BEFORE INSERT ON ledger_entries
		 FOR EACH ROW WHEN NEW.member_id = '%s'
		 BEGIN SELECT RAISE(ABORT, 'ledger write rejected'); END`, members[0].ID))

	bills, result, err := svc.BulkMarkPaid(ctx, "owner-1", []string{members[0].ID, members[1].ID}, "2026-08")
	if err != nil {
		t.Fatalf("BulkMarkPaid() error = %v, one broken member must not fail the batch", err)
	}
	if result.Changed != 1 || result.Skipped != 1 {
		t.Errorf("BulkMarkPaid() result = %+v, want 1 changed, 1 skipped", result)
	}

	statuses := map[string]core.BillStatus{}
	for _, b := range bills {
		statuses[b.MemberID] = b.Status
	}
	if statuses[members[0].ID] != core.Unpaid {
		t.Errorf("failed payment left bill %q, want it rolled back to %q", statuses[members[0].ID], core.Unpaid)
	}
	if statuses[members[1].ID] != core.Paid {
		t.Errorf("second member's bill = %q, want %q", statuses[members[1].ID], core.Paid)
	}

	entries, err := repo.ListEntries(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected one entry for the successful payment, got %d", len(entries))
	}
}

func TestWaiveContinuesPastStoreFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kasku_test.db")
	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Budi", "Sari")
	if _, err := svc.GenerateBills(ctx, "owner-1", "2026-08"); err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}

	// Reject the status update for the first member's bill
	rawExec(t, dbPath, fmt.Sprintf(
		`CREATE TRIGGER reject_update BEFORE UPDATE ON bills
		 FOR EACH ROW WHEN OLD.member_id = '%s'
		 BEGIN SELECT RAISE(ABORT, 'bill update rejected'); END`, members[0].ID))

	bills, result, err := svc.Waive(ctx, "owner-1", []string{members[0].ID, members[1].ID}, "2026-08")
	if err != nil {
		t.Fatalf("Waive() error = %v, one broken member must not fail the batch", err)
	}
	if result.Changed != 1 || result.Skipped != 1 {
		t.Errorf("Waive() result = %+v, want 1 changed, 1 skipped", result)
	}

	statuses := map[string]core.BillStatus{}
	for _, b := range bills {
		statuses[b.MemberID] = b.Status
	}
	if statuses[members[0].ID] != core.Unpaid {
		t.Errorf("failed waive left bill %q, want %q", statuses[members[0].ID], core.Unpaid)
	}
	if statuses[members[1].ID] != core.Waived {
		t.Errorf("second member's bill = %q, want %q", statuses[members[1].ID], core.Waived)
	}
}

func TestWaive(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Budi", "Sari")
	if _, err := svc.GenerateBills(ctx, "owner-1", "2026-08"); err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}

	// Pay the first so waiving it must be skipped
	if _, _, err := svc.MarkPaid(ctx, "owner-1", members[0].ID, "2026-08"); err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}

	bills, result, err := svc.Waive(ctx, "owner-1", []string{members[0].ID, members[1].ID}, "2026-08")
	if err != nil {
		t.Fatalf("Waive() error = %v", err)
	}
	if result.Changed != 1 || result.Skipped != 1 {
		t.Errorf("Waive() result = %+v, want 1 changed, 1 skipped", result)
	}

	statuses := map[string]core.BillStatus{}
	for _, b := range bills {
		statuses[b.MemberID] = b.Status
	}
	if statuses[members[0].ID] != core.Paid {
		t.Errorf("paid bill status = %q, waive must not downgrade it", statuses[members[0].ID])
	}
	if statuses[members[1].ID] != core.Waived {
		t.Errorf("unpaid bill status = %q, want %q", statuses[members[1].ID], core.Waived)
	}

	// Waiving writes no ledger entry
	entries, err := repo.ListEntries(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("waive must not touch the ledger, found %d entries", len(entries))
	}

	// Waived bill cannot be paid afterwards
	_, _, err = svc.MarkPaid(ctx, "owner-1", members[1].ID, "2026-08")
	if !errors.Is(err, core.ErrTerminalStatus) {
		t.Errorf("MarkPaid() after waive error = %v, want ErrTerminalStatus", err)
	}
}

func TestMonthlyDuesScenario(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)
	ledger := NewLedgerService(repo, nil)
	ctx := context.Background()

	members := addMembers(t, repo, "owner-1", "Budi", "Sari", "Andi")

	bills, err := svc.GenerateBills(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("GenerateBills() error = %v", err)
	}
	if len(bills) != 3 {
		t.Fatalf("expected 3 bills, got %d", len(bills))
	}

	if _, _, err := svc.BulkMarkPaid(ctx, "owner-1", []string{members[0].ID, members[1].ID}, "2026-08"); err != nil {
		t.Fatalf("BulkMarkPaid() error = %v", err)
	}

	totals, err := ledger.Totals(ctx, "owner-1", "2026-08")
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	want := core.Totals{In: 40000, Out: 0, Balance: 40000}
	if totals != want {
		t.Errorf("Totals() = %+v, want %+v", totals, want)
	}
}

func TestSetDuesAmountRejectsNegative(t *testing.T) {
	repo := newTestStorage(t)
	svc := NewBillingService(repo, nil)

	err := svc.SetDuesAmount(context.Background(), "owner-1", -1)
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("SetDuesAmount(-1) error = %v, want ErrInvalidAmount", err)
	}
}
