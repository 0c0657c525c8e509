// Package stores provides the persistence layer for Groundwork.
// It implements the engine state manager on SQLite with WAL mode,
// embedded migrations, and optimistic locking on resource state.
package stores
