// Package api is the thin HTTP transport in front of the task engine. It
// accepts task submissions, answers status and cancellation requests for the
// caller's own tasks, and upgrades live connections onto the notification hub.
package api
