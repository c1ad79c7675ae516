// Package storage provides the persistence layer behind the rotation core.
//
// It owns:
//   - The current-rotation singleton (period index + assignment)
//   - Append-only assignment snapshots
//   - The trigger audit ledger (idempotency by unique trigger id)
//   - Approved override rows (read-only to the core)
package storage
