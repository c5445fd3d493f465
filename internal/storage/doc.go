// Package storage persists the task run journal: one record per finished
// attempt (completed, failed, rescheduled or dropped).
//
// Backends:
//   - file: JSON Lines, compacted to the last Retain records
//   - sqlite: modernc.org/sqlite, schema in migrations.sql
//
// Retain 0 keeps every record.
package storage
