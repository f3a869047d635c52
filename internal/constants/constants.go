// Package constants holds the tunable numeric knobs of the stack.
package constants

import "time"

// Fabric timing.
const (
	// TickInterval is the coarse wall-clock period the interrupt fabric
	// polls timers at. 1ms is the resolution floor for all periodic work.
	TickInterval = 1 * time.Millisecond

	// IRQBase is the first IRQ number handed out to drivers. The fabric's
	// internal softirq and event signals use negative numbers below it;
	// termination and the timer tick use dedicated channels instead.
	IRQBase = 16
)

// ARP cache.
const (
	// ArpCacheSize is the fixed number of slots in the ARP cache.
	ArpCacheSize = 32

	// ArpResolveTimeout bounds how long an INCOMPLETE entry is retried
	// before being freed back to FREE.
	ArpResolveTimeout = 2 * time.Second

	// ArpRetransmitInterval is the fabric timer period that re-emits
	// ARP requests for INCOMPLETE entries.
	ArpRetransmitInterval = 1 * time.Second

	// ArpMaxResolveRetries caps retransmissions per INCOMPLETE entry.
	ArpMaxResolveRetries = 3
)

// Protocol input queues.
const (
	// ProtocolQueueDepth bounds the number of pending frames per
	// registered protocol's input FIFO.
	ProtocolQueueDepth = 256
)
