// Package notify pushes task events to live connections.
//
// Delivery is best-effort: there is no offline storage, and a connection
// that cannot keep up or fails a write is dropped rather than retried.
// Each subscription has its own bounded buffer and sender goroutine, so a
// slow connection never delays publishers or other subscribers.
package notify
