// Package gormstore implements es.EventStore on SQLite and PostgreSQL
// through gorm.
//
//	db, err := gormstore.Open(gormstore.Config{Driver: gormstore.DriverPostgres, DSN: dsn})
//	store, err := gormstore.New(ctx, db, types, gormstore.WithStoreOptions(es.WithLog(log)))
//
// Events live in the events table, keyed by overall position with a unique
// (stream_id, stream_pos) index. The event_names table indexes every event
// under its type name and each family it belongs to, which is what
// ReadByEventType queries. Several processes may share a database: a commit
// that collides on a position with another process is retried, and
// precondition failures are reported exactly like the in-memory store.
package gormstore
