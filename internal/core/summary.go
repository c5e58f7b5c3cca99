package core

// Totals is the derived in/out/balance view over a set of ledger entries.
// Balance may be negative; presentation layers clamp if they want to.
type Totals struct {
	In      int64 `json:"in"`
	Out     int64 `json:"out"`
	Balance int64 `json:"balance"`
}

// ComputeTotals aggregates entries, optionally filtered by period.
// Pure and side-effect free.
func ComputeTotals(entries []LedgerEntry, period Period) Totals {
	var t Totals
	for _, e := range entries {
		if period != "" && !period.Contains(e.Date) {
			continue
		}
		switch e.Type {
		case In:
			t.In += e.Amount
		case Out:
			t.Out += e.Amount
		}
	}
	t.Balance = t.In - t.Out
	return t
}
