package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Unpaid BillStatus = "UNPAID"
	Paid   BillStatus = "PAID"
	Waived BillStatus = "WAIVED"

	In  EntryType = "in"
	Out EntryType = "out"

	// DuesCategory is the ledger category used for dues payments.
	DuesCategory = "Iuran"

	// DefaultDuesAmount applies when a tenant has no rate row yet.
	DefaultDuesAmount int64 = 20000

	// LegacyTenant is the well-known owner id used when authentication is
	// disabled. It is always set explicitly; no code path branches on an
	// absent tenant.
	LegacyTenant = "legacy"
)

type (
	BillStatus string
	EntryType  string

	Member struct {
		ID        string    `json:"id"`
		OwnerID   string    `json:"ownerId,omitempty"`
		Name      string    `json:"name"`
		NIM       string    `json:"nim,omitempty"`
		Phone     string    `json:"phone,omitempty"`
		Active    bool      `json:"active"`
		CreatedAt time.Time `json:"createdAt"`
	}

	Bill struct {
		ID        string     `json:"id"`
		OwnerID   string     `json:"ownerId,omitempty"`
		MemberID  string     `json:"memberId"`
		Period    Period     `json:"ym"`
		Amount    int64      `json:"amount"`
		Status    BillStatus `json:"status"`
		CreatedAt time.Time  `json:"createdAt"`
	}

	LedgerEntry struct {
		ID       string    `json:"id"`
		OwnerID  string    `json:"ownerId,omitempty"`
		Type     EntryType `json:"type"`
		Amount   int64     `json:"amount"`
		Category string    `json:"category,omitempty"`
		Note     string    `json:"note,omitempty"`
		Date     time.Time `json:"date"`
		MemberID string    `json:"memberId,omitempty"`
	}

	RateSetting struct {
		OwnerID    string `json:"ownerId,omitempty"`
		DuesAmount int64  `json:"duesAmount"`
	}
)

var (
	ErrInvalidPeriod  = errors.New("invalid period: want YYYY-MM")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidType    = errors.New("invalid entry type")
	ErrEmptyName      = errors.New("empty member name")
	ErrNameTooLong    = errors.New("member name too long (max 100 characters)")
	ErrNoteTooLong    = errors.New("note too long (max 200 characters)")
	ErrZeroDate       = errors.New("date cannot be zero")
	ErrNotFound       = errors.New("not found")
	ErrTerminalStatus = errors.New("bill is not unpaid")
)

func (s BillStatus) Valid() bool {
	switch s {
	case Unpaid, Paid, Waived:
		return true
	}
	return false
}

func (m Member) Validate() error {
	if len(strings.TrimSpace(m.Name)) == 0 {
		return ErrEmptyName
	}
	if len(m.Name) > 100 {
		return ErrNameTooLong
	}
	return nil
}

func (e LedgerEntry) Validate() error {
	if e.Type != In && e.Type != Out {
		return ErrInvalidType
	}
	if e.Amount <= 0 {
		return ErrInvalidAmount
	}
	if e.Date.IsZero() {
		return ErrZeroDate
	}
	if len(e.Note) > 200 {
		return ErrNoteTooLong
	}
	return nil
}

func (r RateSetting) Validate() error {
	if r.DuesAmount < 0 {
		return ErrInvalidAmount
	}
	return nil
}
