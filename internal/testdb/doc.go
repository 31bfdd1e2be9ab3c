// Package testdb provides helpers for tests that need a real PostgreSQL
// database. Tests using it skip when no database URL is configured.
package testdb
