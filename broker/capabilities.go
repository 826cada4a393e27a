package broker

// Capabilities describes what a backend can do beyond the core contract, so
// the runtime can adapt its loops instead of probing with failing calls.
type Capabilities struct {
	// Name is the registry name of the backend.
	Name string

	// ExplicitReclaim is true when Claim actively transfers stale pending
	// entries. Backends that redeliver unacknowledged entries on their own
	// (for example after an ack-wait expires) report false.
	ExplicitReclaim bool

	// RangeReads is true when Range can address entries by id bounds.
	RangeReads bool

	// Persistent is true when streams survive process restarts.
	Persistent bool
}

// Capabilities of the built-in backends.
var (
	ChannelCapabilities = Capabilities{
		Name:            "channel",
		ExplicitReclaim: true,
		RangeReads:      true,
		Persistent:      false,
	}

	RedisCapabilities = Capabilities{
		Name:            "redis",
		ExplicitReclaim: true,
		RangeReads:      true,
		Persistent:      true,
	}

	JetStreamCapabilities = Capabilities{
		Name:            "nats-jetstream",
		ExplicitReclaim: false,
		RangeReads:      false,
		Persistent:      true,
	}
)
