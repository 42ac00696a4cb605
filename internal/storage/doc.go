// Package storage is genbot's persistence layer and the only writer of
// account balances.
//
// It holds:
//   - the ledger: accounts, balances and the append-only ledger_entries log
//   - generated artifacts (the personal archive)
//   - broadcast jobs and their per-recipient tasks
//
// Two backends implement Store: "sqlite" (single file, one writer
// connection, default) and "postgres" (pgx pool, per-account row locks).
package storage
