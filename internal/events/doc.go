// Package events provides types and interfaces for an event-driven architecture.
//
// This package defines the task lifecycle event and the handler interfaces that
// allow the task engine to announce state changes without knowing who listens.
// The notification hub subscribes to these events to push them to live
// connections, and other components can observe them the same way.
//
// The primary components are:
// - TaskEvent: a state transition or progress report for one task
// - EventHandler: Interface for components that can handle events
// - EventEmitter: Interface for components that can emit events
package events
