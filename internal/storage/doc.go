// Package storage persists linked accounts, subscriptions and pending
// authorizations.
//
// One database/sql implementation serves both SQLite and PostgreSQL; the
// dialects differ only in placeholder style and schema DDL. Memory is a
// map-backed Store with the same contract, used in tests.
package storage
