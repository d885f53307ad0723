// Package storage persists play history and notifier dedup state.
//
// Two drivers exist: "file" (JSON Lines plus a dedup snapshot/journal) and
// "sqlite" (modernc.org/sqlite, no cgo). An empty driver or "none" disables
// storage and Open returns a nil Store.
package storage
