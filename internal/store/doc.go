// Package store provides the SQLite-backed operation journal.
//
// The journal holds:
//   - Operations: every unit of work with its current lifecycle status
//   - Actions: object references produced by an operation, immutable once appended
//   - Secure state: per-tenant sealed high-water mark and ledger chain head
//   - Segments: the digest and operation range of every sealed ledger segment
//   - Job leases: which node owns which periodic job
//
// # Invariants
//
// Status changes are compare-and-swap: Transition only succeeds when the row is
// still in the expected status, so two components can never both believe they
// own an operation.
//
// Secure numbers are assigned in CommitSeal, which checks the previous number
// inside the same transaction. Numbers therefore increase by exactly one per
// tenant with no gaps.
//
// Only committed (OK) operations contribute object references to scans.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON: actions cascade with their operation
package store
