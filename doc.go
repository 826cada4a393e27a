// Package streambus is a process-to-process RPC and event bus built on
// ordered-log brokers. A stream entry is appended once, delivered to
// competing consumers within a group, acknowledged per entry, and reclaimed
// by another consumer when its owner dies, which gives both transports
// at-least-once semantics without broker-specific code in the application.
//
// Service is the process-local endpoint: register APIs carrying typed
// procedures and event definitions, then Call remote procedures, PublishEvent,
// and Start the worker loops that serve your own registrations. Parameters
// and results cross the wire as loose JSON values and are cast back into the
// declared Go types by precomputed descriptors; casting is permissive, so a
// value that does not fit its declared type passes through unchanged rather
// than failing the call.
//
// # Brokers
//
// Three backends ship in sub-packages of broker and register themselves on
// import:
//   - redis: Redis Streams with consumer groups and XAUTOCLAIM reclaim
//   - nats-jetstream: JetStream durable pull consumers, reclaim via ack-wait
//   - channel: in-memory, for tests and local development
//
// Config selects the backend; ServiceDependencies.Broker injects a custom
// one. Every stream position is an EntryID, a millisecond timestamp plus a
// sequence number, ordered and dense enough to support exclusive bounds via
// Predecessor.
//
// A minimal setup fills Config (or reads it with FromEnv), creates a Service,
// registers an API, and calls Start; see examples/simple for a runnable
// version.
package streambus
