// Package journal keeps a durable record of MQTT runtime events in the
// runtime_events table.
//
// The Observer adapter plugs into the mqtt runtime and writes events from
// a background goroutine so the runtime is never blocked on disk I/O.
// When its queue is full, events are dropped and counted rather than
// stalling the caller.
package journal
