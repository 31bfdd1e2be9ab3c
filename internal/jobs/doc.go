// Package jobs contains the built-in task handlers: image resizing against
// the object store, template e-mail through an HTTP mail API, and periodic
// broadcast of engine statistics to live connections.
package jobs
