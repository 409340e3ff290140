// Package storage holds connection settings shared by the Postgres ledger
// and the Redis-backed lock and counter stores.
//
// The implementations live in storage/postgres.
package storage
