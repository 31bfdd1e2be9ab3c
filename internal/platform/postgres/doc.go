// Package postgres implements the task queue and result stores on PostgreSQL.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers across
// processes never lease the same row. Schema changes live in the embedded
// migrations directory and are applied with goose.
package postgres
