// Package storage persists finished tickets.
//
// Backends:
//   - file: one indented JSON snapshot per ticket under the dated task layout
//   - sqlite: one row per ticket plus one per entry (modernc.org/sqlite, no
//     cgo), pruned by age and readable through History
package storage
