// Package driver declares the contract between a trama node and the I/O
// layer it runs on. A driver supplies two primitives: transports, duplex
// in-order datagram channels between nodes, and shared memory buffers both
// ends of a transport can map. Everything above the driver (routing,
// sequencing, portal semantics) is driver-agnostic.
package driver

import "errors"

// ErrObjectNotTransmissible is returned by Transmit when an attached
// object cannot travel over the given transport.
var ErrObjectNotTransmissible = errors.New("driver: object not transmissible")

// An Object is a driver-owned resource that can be attached to a
// transmission: a transport endpoint, a memory buffer, or any
// driver-specific resource boxed by the application.
type Object interface {
	Close() error
}

// A Handler receives activity from an activated transport. Calls are
// serialized per transport and stop after Deactivate returns or OnError
// fires.
type Handler interface {
	// OnTransmission delivers one datagram with its attached objects, in
	// transmit order.
	OnTransmission(data []byte, objects []Object)

	// OnError reports terminal transport failure. No further
	// transmissions follow.
	OnError(err error)
}

// A Transport is one end of a duplex, in-order, datagram-oriented channel
// between two nodes. Transports are themselves Objects so a broker can
// mint a connected pair and send one end to each of two peers it is
// introducing.
type Transport interface {
	Object

	// Activate begins delivery of incoming transmissions to h. A
	// transport is activated at most once.
	Activate(h Handler) error

	// Deactivate stops delivery. Blocks until no Handler call is in
	// flight.
	Deactivate() error

	// Transmit sends one datagram with attached objects. Objects are
	// consumed: ownership passes to the receiving end.
	Transmit(data []byte, objects []Object) error
}

// A Memory is a shared buffer of fixed size. Duplicates refer to the same
// underlying bytes.
type Memory interface {
	Object

	Size() int

	// Map makes the buffer's bytes addressable in this process. Multiple
	// concurrent mappings alias the same memory.
	Map() (Mapping, error)

	// Duplicate returns a new reference to the same buffer, suitable for
	// transmitting while retaining local access.
	Duplicate() (Memory, error)
}

// A Mapping is a live view of a Memory's bytes.
type Mapping interface {
	Bytes() []byte
	Unmap() error
}

// A Driver creates the primitives a node needs beyond the transports it
// was handed at connect time.
type Driver interface {
	// Name identifies the driver in logs.
	Name() string

	// NewTransports returns a connected transport pair. Each end may be
	// transmitted over any transport of this driver.
	NewTransports() (Transport, Transport, error)

	// NewMemory allocates a shared buffer of the given size.
	NewMemory(size int) (Memory, error)
}
