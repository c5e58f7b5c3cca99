package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kasku/internal/core"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// busy_timeout makes concurrent writers queue on the file lock instead
	// of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping verifies store connectivity for readiness checks.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ---- Members ----

func (r *SQLiteRepository) CreateMember(ctx context.Context, m core.Member) (core.Member, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	m.Active = true

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO members (id, owner_id, name, nim, phone, active, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		m.ID, m.OwnerID, m.Name, m.NIM, m.Phone, m.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return core.Member{}, fmt.Errorf("insert member: %w", err)
	}

	slog.InfoContext(ctx, "Member created",
		"id", m.ID,
		"owner_id", m.OwnerID,
		"name", m.Name)

	return m, nil
}

func (r *SQLiteRepository) ListMembers(ctx context.Context, ownerID string) ([]core.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, name, nim, phone, active, created_at
		 FROM members WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

func (r *SQLiteRepository) ListActiveMembers(ctx context.Context, ownerID string) ([]core.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, name, nim, phone, active, created_at
		 FROM members WHERE owner_id = ? AND active = 1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

func (r *SQLiteRepository) GetMember(ctx context.Context, ownerID, id string) (core.Member, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, nim, phone, active, created_at
		 FROM members WHERE owner_id = ? AND id = ?`, ownerID, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Member{}, core.ErrNotFound
	}
	return m, err
}

// MemberPatch carries optional field updates; nil means "leave unchanged".
type MemberPatch struct {
	Name   *string
	NIM    *string
	Phone  *string
	Active *bool
}

func (r *SQLiteRepository) UpdateMember(ctx context.Context, ownerID, id string, patch MemberPatch) (core.Member, error) {
	var sets []string
	var args []any
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.NIM != nil {
		sets = append(sets, "nim = ?")
		args = append(args, *patch.NIM)
	}
	if patch.Phone != nil {
		sets = append(sets, "phone = ?")
		args = append(args, *patch.Phone)
	}
	if patch.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolToInt(*patch.Active))
	}

	if len(sets) > 0 {
		args = append(args, ownerID, id)
		res, err := r.db.ExecContext(ctx,
			`UPDATE members SET `+strings.Join(sets, ", ")+` WHERE owner_id = ? AND id = ?`, args...)
		if err != nil {
			return core.Member{}, fmt.Errorf("update member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Member{}, core.ErrNotFound
		}
	}

	return r.GetMember(ctx, ownerID, id)
}

// DeleteMember removes a member and all of that member's bills in one
// transaction. Ledger entries referencing the member are intentionally kept:
// payment history survives membership changes.
func (r *SQLiteRepository) DeleteMember(ctx context.Context, ownerID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete member: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bills WHERE owner_id = ? AND member_id = ?`, ownerID, id); err != nil {
		return fmt.Errorf("delete member bills: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM members WHERE owner_id = ? AND id = ?`, ownerID, id); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete member: %w", err)
	}

	slog.InfoContext(ctx, "Member deleted with bills cascade",
		"id", id,
		"owner_id", ownerID)

	return nil
}

// ---- Bills ----

// CreateBillIfAbsent inserts a bill unless one already exists for the same
// (owner, member, period). The uniqueness constraint decides; a concurrent
// duplicate insert is a silent no-op, never an error.
func (r *SQLiteRepository) CreateBillIfAbsent(ctx context.Context, b core.Bill) error {
	b.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bills (id, owner_id, member_id, ym, amount, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, member_id, ym) DO NOTHING`,
		uuid.NewString(), b.OwnerID, b.MemberID, b.Period.String(), b.Amount, string(b.Status),
		b.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListBills(ctx context.Context, ownerID string, period core.Period) ([]core.Bill, error) {
	query := `SELECT id, owner_id, member_id, ym, amount, status, created_at
	          FROM bills WHERE owner_id = ?`
	args := []any{ownerID}
	if period != "" {
		query += ` AND ym = ?`
		args = append(args, period.String())
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	defer rows.Close()

	var bills []core.Bill
	for rows.Next() {
		var b core.Bill
		var ym, createdAt string
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.MemberID, &ym, &b.Amount, &b.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		b.Period = core.Period(ym)
		b.CreatedAt = parseStoredTime(createdAt)
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (r *SQLiteRepository) GetBill(ctx context.Context, ownerID, billID string) (core.Bill, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, member_id, ym, amount, status, created_at
		 FROM bills WHERE owner_id = ? AND id = ?`, ownerID, billID)

	var b core.Bill
	var ym, createdAt string
	err := row.Scan(&b.ID, &b.OwnerID, &b.MemberID, &ym, &b.Amount, &b.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Bill{}, core.ErrNotFound
	}
	if err != nil {
		return core.Bill{}, fmt.Errorf("get bill: %w", err)
	}
	b.Period = core.Period(ym)
	b.CreatedAt = parseStoredTime(createdAt)
	return b, nil
}

func (r *SQLiteRepository) GetBillForMember(ctx context.Context, ownerID, memberID string, period core.Period) (core.Bill, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, member_id, ym, amount, status, created_at
		 FROM bills WHERE owner_id = ? AND member_id = ? AND ym = ?`,
		ownerID, memberID, period.String())

	var b core.Bill
	var ym, createdAt string
	err := row.Scan(&b.ID, &b.OwnerID, &b.MemberID, &ym, &b.Amount, &b.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Bill{}, core.ErrNotFound
	}
	if err != nil {
		return core.Bill{}, fmt.Errorf("get bill: %w", err)
	}
	b.Period = core.Period(ym)
	b.CreatedAt = parseStoredTime(createdAt)
	return b, nil
}

// PayBill atomically transitions a bill UNPAID -> PAID and appends the
// matching income entry in the same transaction. The conditional update is
// the whole double-payment defense: if another reconciler got there first,
// zero rows change and no entry is written.
func (r *SQLiteRepository) PayBill(ctx context.Context, ownerID, billID string, entry core.LedgerEntry) (core.LedgerEntry, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("begin pay bill: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE bills SET status = ? WHERE owner_id = ? AND id = ? AND status = ?`,
		string(core.Paid), ownerID, billID, string(core.Unpaid))
	if err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("transition bill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.LedgerEntry{}, false, nil
	}

	entry.ID = uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, owner_id, type, amount, category, note, date, member_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OwnerID, string(entry.Type), entry.Amount, entry.Category, entry.Note,
		entry.Date.UTC().Format(time.RFC3339), entry.MemberID); err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("append payment entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("commit pay bill: %w", err)
	}

	slog.InfoContext(ctx, "Bill paid",
		"bill_id", billID,
		"owner_id", ownerID,
		"entry_id", entry.ID,
		"amount", entry.Amount)

	return entry, true, nil
}

// TransitionBill performs a conditional status change, returning whether the
// bill actually moved. Used for UNPAID -> WAIVED.
func (r *SQLiteRepository) TransitionBill(ctx context.Context, ownerID, billID string, from, to core.BillStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bills SET status = ? WHERE owner_id = ? AND id = ? AND status = ?`,
		string(to), ownerID, billID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition bill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ---- Ledger ----

func (r *SQLiteRepository) AppendEntry(ctx context.Context, e core.LedgerEntry) (core.LedgerEntry, error) {
	e.ID = uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, owner_id, type, amount, category, note, date, member_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, string(e.Type), e.Amount, e.Category, e.Note,
		e.Date.UTC().Format(time.RFC3339), e.MemberID)
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	slog.InfoContext(ctx, "Ledger entry appended",
		"id", e.ID,
		"owner_id", e.OwnerID,
		"type", string(e.Type),
		"amount", e.Amount)

	return e, nil
}

func (r *SQLiteRepository) ListEntries(ctx context.Context, ownerID string, period core.Period) ([]core.LedgerEntry, error) {
	query := `SELECT id, owner_id, type, amount, category, note, date, member_id
	          FROM ledger_entries WHERE owner_id = ?`
	args := []any{ownerID}
	if period != "" {
		query += ` AND substr(date, 1, 7) = ?`
		args = append(args, period.String())
	}
	query += ` ORDER BY date DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *SQLiteRepository) GetEntry(ctx context.Context, id string) (core.LedgerEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, type, amount, category, note, date, member_id
		 FROM ledger_entries WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerEntry{}, core.ErrNotFound
	}
	return e, err
}

func (r *SQLiteRepository) DeleteEntry(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM ledger_entries WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) Totals(ctx context.Context, ownerID string, period core.Period) (core.Totals, error) {
	query := `SELECT
	            COALESCE(SUM(CASE WHEN type = 'in' THEN amount ELSE 0 END), 0),
	            COALESCE(SUM(CASE WHEN type = 'out' THEN amount ELSE 0 END), 0)
	          FROM ledger_entries WHERE owner_id = ?`
	args := []any{ownerID}
	if period != "" {
		query += ` AND substr(date, 1, 7) = ?`
		args = append(args, period.String())
	}

	var t core.Totals
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&t.In, &t.Out); err != nil {
		return core.Totals{}, fmt.Errorf("ledger totals: %w", err)
	}
	t.Balance = t.In - t.Out
	return t, nil
}

// ---- Recap export bookkeeping ----

func (r *SQLiteRepository) MarkEntryExported(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ledger_entries SET exported_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark entry exported: %w", err)
	}
	return nil
}

// ListUnexportedEntries returns entries the recap worker has not shipped yet,
// oldest first.
func (r *SQLiteRepository) ListUnexportedEntries(ctx context.Context, limit int) ([]core.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, type, amount, category, note, date, member_id
		 FROM ledger_entries WHERE exported_at IS NULL
		 ORDER BY date ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unexported entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ---- Rate settings ----

func (r *SQLiteRepository) GetDuesAmount(ctx context.Context, ownerID string) (int64, error) {
	var amount int64
	err := r.db.QueryRowContext(ctx,
		`SELECT dues_amount FROM rate_settings WHERE owner_id = ?`, ownerID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DefaultDuesAmount, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get dues amount: %w", err)
	}
	return amount, nil
}

func (r *SQLiteRepository) SetDuesAmount(ctx context.Context, ownerID string, amount int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rate_settings (owner_id, dues_amount) VALUES (?, ?)
		 ON CONFLICT (owner_id) DO UPDATE SET dues_amount = excluded.dues_amount`,
		ownerID, amount)
	if err != nil {
		return fmt.Errorf("set dues amount: %w", err)
	}

	slog.InfoContext(ctx, "Dues amount updated",
		"owner_id", ownerID,
		"dues_amount", amount)

	return nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (core.Member, error) {
	var m core.Member
	var active int
	var createdAt string
	if err := row.Scan(&m.ID, &m.OwnerID, &m.Name, &m.NIM, &m.Phone, &active, &createdAt); err != nil {
		return core.Member{}, err
	}
	m.Active = active != 0
	m.CreatedAt = parseStoredTime(createdAt)
	return m, nil
}

func scanMembers(rows *sql.Rows) ([]core.Member, error) {
	var members []core.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanEntry(row rowScanner) (core.LedgerEntry, error) {
	var e core.LedgerEntry
	var typ, date string
	if err := row.Scan(&e.ID, &e.OwnerID, &typ, &e.Amount, &e.Category, &e.Note, &date, &e.MemberID); err != nil {
		return core.LedgerEntry{}, err
	}
	e.Type = core.EntryType(typ)
	e.Date = parseStoredTime(date)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]core.LedgerEntry, error) {
	var entries []core.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
