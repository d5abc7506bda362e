// Package ir defines the canonical data model shared by every coffer package.
//
// This package contains type definitions and their deterministic encodings only.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Operation ids are globally ordered int64 values assigned by the journal
//   - Object identity is (tenant, id, type), never the source that reported it
//   - No float values in correlation properties; ledger lines must hash identically
//     on every node
//   - All JSON tags use snake_case
package ir
