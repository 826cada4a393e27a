// Package runtime implements the streambus core: the RPC transport with
// competing-consumer workers and crash recovery, the per-call result waiter,
// the event transport with named consumer groups, and the Service that wires
// them onto a broker backend.
package runtime
