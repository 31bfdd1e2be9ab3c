// Package store holds the database access abstractions and error values
// shared by the SQL-backed task stores.
package store
