// Package redis implements the task queue and result stores on Redis.
//
// Each queued task is a hash; pending ids sit in a "ready" sorted set scored
// by availability time and leased ids in a "leased" sorted set scored by lease
// deadline. Every state change runs as a Lua script so claims and lease checks
// are atomic. Scripts touch keys derived from ids, so the stores need a
// single Redis node rather than a cluster.
package redis
