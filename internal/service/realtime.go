package service

import "github.com/noah-isme/ims-sync/internal/realtime"

// Emitter is the outbound half of the shared realtime connection. Emit reports whether the
// frame was handed to the connection; it never blocks or queues while offline.
type Emitter interface {
	Emit(kind realtime.EventKind, payload interface{}) bool
}

// EventSource is what stores attach to: a realtime.Subscription in production.
type EventSource interface {
	Emitter
	On(kind realtime.EventKind, handler realtime.Handler) func()
}
