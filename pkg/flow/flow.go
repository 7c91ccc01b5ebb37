// Package flow wraps a `trama.Portal` in typed, buffered, blocking
// senders and receivers for a better DX.
//
// The portal surface is deliberately non-blocking; most applications
// want the opposite: a goroutine that ranges over decoded messages. A
// [Receiver] arms a trap and pumps parcels into a channel, a [Sender]
// drains a channel into puts, and a [Codec] maps messages to parcel
// payloads.
package flow

import "errors"

var (
	ErrFlowClosed = errors.New("flow closed")
)

// A Codec maps messages to and from parcel payloads.
//
// Encode MAY return the message's own backing buffer; Decode owns the
// payload it is handed.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}
