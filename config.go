package msgpipe

import (
	"time"
)

// Config carries the tuning knobs for a Messenger and
// every Pipe it creates. Zero values are filled in by
// NewConfig; components clone the struct so later edits
// by the caller do not race.
type Config struct {

	// BindIPv6 selects the v6 family when the bind
	// address does not pin one.
	BindIPv6 bool

	// BindPortMin/BindPortMax bound the search when the
	// caller asks for port 0.
	BindPortMin int
	BindPortMax int

	// TCPNoDelay disables Nagle on every data socket.
	TCPNoDelay bool

	// TCPRcvbuf sets SO_RCVBUF when > 0.
	TCPRcvbuf int

	// TCPReadTimeout bounds how long a reader will sit in
	// a blocking read waiting for the peer. 0 means wait
	// forever. A timeout is treated like any other
	// transport fault.
	TCPReadTimeout time.Duration

	// ConnectTimeout bounds the dial. 0 means wait forever.
	ConnectTimeout time.Duration

	// InitialBackoff/MaxBackoff control the reconnect
	// delay; the delay doubles per consecutive fault up
	// to MaxBackoff and resets to zero on success.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RWWorkerStackBytes is a sizing hint carried over for
	// deployments that tune worker stacks. Goroutine
	// stacks grow on demand, so it is advisory only.
	RWWorkerStackBytes int

	// NoCRC skips the front/middle/data CRC computation
	// on send. The header CRC is always computed.
	NoCRC bool

	// InjectSocketFailures, when N > 0, forcibly shuts the
	// socket down with probability 1/N on each I/O call.
	InjectSocketFailures int

	// InjectInternalDelays sleeps this long at a few
	// strategic points in the handshake fault paths.
	InjectInternalDelays time.Duration

	// InjectDelayType holds host type names (see
	// HostTypeName) whose pipes get a delayed-delivery
	// queue. InjectDelayProbability is the per-message
	// chance of a delay, InjectDelayMax the largest one.
	InjectDelayType        string
	InjectDelayProbability float64
	InjectDelayMax         time.Duration

	// RequireSignatures (and the cluster/service scoped
	// variants) force the MsgAuth feature requirement when
	// the peer uses the keyed authorizer flavor.
	RequireSignatures        bool
	ClusterRequireSignatures bool
	ServiceRequireSignatures bool

	// PreSharedKey enables the keyed authorizer flavor.
	// Both ends must hold the same secret; any length
	// works, the cipher key is hashed from it. Empty means
	// unauthenticated handshakes (flavor none).
	PreSharedKey []byte

	// DispatchThrottleBytes caps the total bytes of
	// received messages waiting on the dispatch queue
	// across all pipes. 0 means unlimited.
	DispatchThrottleBytes int64
}

// NewConfig returns a Config with the defaults we
// actually run with.
func NewConfig() *Config {
	return &Config{
		BindPortMin:           6800,
		BindPortMax:           7300,
		TCPNoDelay:            true,
		TCPReadTimeout:        900 * time.Second,
		InitialBackoff:        200 * time.Millisecond,
		MaxBackoff:            15 * time.Second,
		DispatchThrottleBytes: 100 << 20,
	}
}

// Clone returns a private copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
