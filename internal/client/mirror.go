package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kasku/internal/core"
)

// API is the server surface the mirror depends on. *Client implements it.
type API interface {
	ListMembers(ctx context.Context) ([]core.Member, error)
	CreateMember(ctx context.Context, req CreateMemberRequest) (core.Member, error)
	DeleteMember(ctx context.Context, id string) error
	ListBills(ctx context.Context, period core.Period) ([]core.Bill, error)
	GenerateBills(ctx context.Context, period core.Period) ([]core.Bill, error)
	BulkPaid(ctx context.Context, memberIDs []string, period core.Period) ([]core.Bill, error)
	ListEntries(ctx context.Context, period core.Period) ([]core.LedgerEntry, error)
	AddEntry(ctx context.Context, req EntryRequest) (core.LedgerEntry, error)
	DuesAmount(ctx context.Context) (int64, error)
}

// State describes how much the mirror can be trusted.
type State string

const (
	// StateIdle means no optimistic change is in flight.
	StateIdle State = "idle"
	// StateOptimistic means a local change is applied but not yet confirmed.
	StateOptimistic State = "optimistic"
	// StateStale means a confirmation failed; local state was rolled back but
	// the server may have diverged, so a Resync is required.
	StateStale State = "stale"
)

// Mirror keeps an optimistic local copy of one period's members, bills and
// ledger entries. Mutations apply locally first and confirm against the
// server in the background; the returned channel reports the outcome. On
// failure the optimistic change is rolled back and the mirror goes stale
// until the next Resync. Reads always serve the local copy.
type Mirror struct {
	api    API
	period core.Period

	mu         sync.RWMutex
	state      State
	members    []core.Member
	bills      []core.Bill
	entries    []core.LedgerEntry
	duesAmount int64
}

func NewMirror(api API, period core.Period) *Mirror {
	return &Mirror{
		api:        api,
		period:     period,
		state:      StateIdle,
		duesAmount: core.DefaultDuesAmount,
	}
}

// State returns the mirror trust state.
func (m *Mirror) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stale reports whether a Resync is required before reads can be trusted.
func (m *Mirror) Stale() bool {
	return m.State() == StateStale
}

func (m *Mirror) Members() []core.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Member, len(m.members))
	copy(out, m.members)
	return out
}

func (m *Mirror) Bills() []core.Bill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Bill, len(m.bills))
	copy(out, m.bills)
	return out
}

func (m *Mirror) Entries() []core.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.LedgerEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Mirror) DuesAmount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.duesAmount
}

// Totals aggregates the mirrored entries for the mirror's period.
func (m *Mirror) Totals() core.Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return core.ComputeTotals(m.entries, m.period)
}

// CreateMember optimistically appends a member under a placeholder ID and
// confirms with the server. The placeholder is swapped for the server record
// on success.
func (m *Mirror) CreateMember(ctx context.Context, req CreateMemberRequest) <-chan error {
	done := make(chan error, 1)

	placeholder := core.Member{
		ID:        "pending-" + uuid.NewString(),
		Name:      req.Name,
		NIM:       req.NIM,
		Phone:     req.Phone,
		Active:    true,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.members = append(m.members, placeholder)
	m.state = StateOptimistic
	m.mu.Unlock()

	go func() {
		member, err := m.api.CreateMember(ctx, req)

		m.mu.Lock()
		defer m.mu.Unlock()

		if err != nil {
			m.members = removeMember(m.members, placeholder.ID)
			m.markStaleLocked("create member", err)
			done <- err
			return
		}

		for i := range m.members {
			if m.members[i].ID == placeholder.ID {
				m.members[i] = member
				break
			}
		}
		m.state = StateIdle
		done <- nil
	}()

	return done
}

// DeleteMember optimistically removes a member together with the member's
// mirrored bills, restoring both on failure. Ledger entries stay.
func (m *Mirror) DeleteMember(ctx context.Context, id string) <-chan error {
	done := make(chan error, 1)

	m.mu.Lock()
	prevMembers := make([]core.Member, len(m.members))
	copy(prevMembers, m.members)
	prevBills := make([]core.Bill, len(m.bills))
	copy(prevBills, m.bills)

	m.members = removeMember(m.members, id)
	kept := m.bills[:0:0]
	for _, b := range m.bills {
		if b.MemberID != id {
			kept = append(kept, b)
		}
	}
	m.bills = kept
	m.state = StateOptimistic
	m.mu.Unlock()

	go func() {
		err := m.api.DeleteMember(ctx, id)

		m.mu.Lock()
		defer m.mu.Unlock()

		if err != nil {
			m.members = prevMembers
			m.bills = prevBills
			m.markStaleLocked("delete member", err)
			done <- err
			return
		}
		m.state = StateIdle
		done <- nil
	}()

	return done
}

// AddEntry optimistically appends a ledger entry and confirms with the
// server, swapping in the server record on success.
func (m *Mirror) AddEntry(ctx context.Context, req EntryRequest) <-chan error {
	done := make(chan error, 1)

	date, err := time.Parse(time.RFC3339, req.Date)
	if err != nil {
		done <- fmt.Errorf("invalid entry date: %w", err)
		return done
	}

	placeholder := core.LedgerEntry{
		ID:       "pending-" + uuid.NewString(),
		Type:     core.EntryType(req.Type),
		Amount:   req.Amount,
		Category: req.Category,
		Note:     req.Note,
		Date:     date,
		MemberID: req.MemberID,
	}

	m.mu.Lock()
	m.entries = append(m.entries, placeholder)
	m.state = StateOptimistic
	m.mu.Unlock()

	go func() {
		entry, err := m.api.AddEntry(ctx, req)

		m.mu.Lock()
		defer m.mu.Unlock()

		if err != nil {
			m.entries = removeEntry(m.entries, placeholder.ID)
			m.markStaleLocked("add entry", err)
			done <- err
			return
		}

		for i := range m.entries {
			if m.entries[i].ID == placeholder.ID {
				m.entries[i] = entry
				break
			}
		}
		m.state = StateIdle
		done <- nil
	}()

	return done
}

// MarkPaid optimistically flips the period bills of the given members to
// PAID, then confirms. On success the server's bill set replaces the local
// one and the period entries are refetched, because payment writes ledger
// entries the mirror has not seen.
func (m *Mirror) MarkPaid(ctx context.Context, memberIDs []string) <-chan error {
	done := make(chan error, 1)

	requested := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		requested[id] = true
	}

	m.mu.Lock()
	prevBills := make([]core.Bill, len(m.bills))
	copy(prevBills, m.bills)
	for i := range m.bills {
		if requested[m.bills[i].MemberID] && m.bills[i].Status == core.Unpaid {
			m.bills[i].Status = core.Paid
		}
	}
	m.state = StateOptimistic
	m.mu.Unlock()

	go func() {
		bills, err := m.api.BulkPaid(ctx, memberIDs, m.period)
		if err != nil {
			m.mu.Lock()
			m.bills = prevBills
			m.markStaleLocked("bulk paid", err)
			m.mu.Unlock()
			done <- err
			return
		}

		entries, err := m.api.ListEntries(ctx, m.period)

		m.mu.Lock()
		defer m.mu.Unlock()

		m.bills = bills
		if err != nil {
			// Bills are confirmed but entries are unknown; force a resync.
			m.markStaleLocked("refresh entries after payment", err)
			done <- err
			return
		}
		m.entries = entries
		m.state = StateIdle
		done <- nil
	}()

	return done
}

// Generate asks the server for the period's bill set. There is no sensible
// optimistic guess here, so the mirror only updates on response.
func (m *Mirror) Generate(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	go func() {
		bills, err := m.api.GenerateBills(ctx, m.period)

		m.mu.Lock()
		defer m.mu.Unlock()

		if err != nil {
			m.markStaleLocked("generate bills", err)
			done <- err
			return
		}
		m.bills = bills
		m.state = StateIdle
		done <- nil
	}()

	return done
}

// Resync replaces every mirrored collection with the server's state. The
// four fetches run concurrently; any failure leaves the mirror stale.
func (m *Mirror) Resync(ctx context.Context) error {
	var (
		members []core.Member
		bills   []core.Bill
		entries []core.LedgerEntry
		amount  int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		members, err = m.api.ListMembers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		bills, err = m.api.ListBills(gctx, m.period)
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = m.api.ListEntries(gctx, m.period)
		return err
	})
	g.Go(func() error {
		var err error
		amount, err = m.api.DuesAmount(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		m.mu.Lock()
		m.markStaleLocked("resync", err)
		m.mu.Unlock()
		return fmt.Errorf("resync: %w", err)
	}

	m.mu.Lock()
	m.members = members
	m.bills = bills
	m.entries = entries
	m.duesAmount = amount
	m.state = StateIdle
	m.mu.Unlock()

	return nil
}

func (m *Mirror) markStaleLocked(op string, err error) {
	m.state = StateStale
	slog.Warn("Mirror went stale",
		"operation", op,
		"ym", m.period.String(),
		"error", err)
}

func removeMember(members []core.Member, id string) []core.Member {
	kept := members[:0:0]
	for _, m := range members {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	return kept
}

func removeEntry(entries []core.LedgerEntry, id string) []core.LedgerEntry {
	kept := entries[:0:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return kept
}
