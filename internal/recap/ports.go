package recap

import (
	"context"

	"kasku/internal/core"
)

// Appender ships a ledger entry to the external recap sheet and returns a
// reference to the written row.
type Appender interface {
	Append(ctx context.Context, e core.LedgerEntry) (rowRef string, err error)
}
