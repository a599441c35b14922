// Package store is the shared data-store handle: a pgx connection pool
// over a single document table, keyed by (collection, id) with a jsonb body.
//
// One Store is created at startup and shared by every request. pgxpool
// handles concurrency and connection health after the initial connect.
package store
