package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/tramalabs/trama"
)

// Receiver is a thread-safe, typed, blocking reader over one portal.
type Receiver[T any] struct {
	portal *trama.Portal
	codec  Codec[T]

	readCh     chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	err error
	lk  sync.Mutex
}

// NewReceiver wraps portal in a receiver. A background loop waits on a
// trap, decodes arriving parcels, and buffers up to bufferSize messages.
func NewReceiver[T any](portal *trama.Portal, codec Codec[T], bufferSize uint) *Receiver[T] {
	r := &Receiver[T]{
		portal: portal,
		codec:  codec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

// Recv blocks for the next message. It fails once the flow is closed or
// the peer went away with nothing left to deliver.
func (r *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	r.lk.Lock()
	if r.err != nil && len(r.readCh) == 0 {
		r.lk.Unlock()
		return result, r.err
	}
	r.lk.Unlock()

	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-r.readCh:
		if !ok {
			return result, r.err
		}
		return elem, nil
	}
}

// Close stops the receiver and closes the underlying portal. Messages
// already buffered can still be received; Recv fails once they are gone.
func (r *Receiver[T]) Close() error {
	return r.closeWith(ErrFlowClosed, true)
}

func (r *Receiver[T]) closeWith(cause error, mustWait bool) error {
	r.lk.Lock()
	if r.err != nil {
		r.lk.Unlock()
		return nil
	}
	r.err = cause
	close(r.closeCh)
	err := r.portal.Close()
	r.lk.Unlock()
	if mustWait {
		r.mainLoopWg.Wait()
	}
	close(r.readCh)
	return err
}

func (r *Receiver[T]) run() {
	defer r.mainLoopWg.Done()

	wake := make(chan struct{}, 1)
	trap, err := r.portal.CreateTrap(trama.TrapConditions{
		Flags: trama.TrapNewLocalParcel | trama.TrapLocalParcels | trama.TrapDead,
	}, func(trama.TrapEvent) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		_ = r.closeWith(err, false)
		return
	}
	defer trap.Destroy(trama.TrapNonBlocking)

	for {
		for {
			payload, _, err := r.portal.Get()
			if errors.Is(err, trama.ErrUnavailable) {
				break
			}
			if err != nil {
				_ = r.closeWith(err, false)
				return
			}
			msg, err := r.codec.Decode(payload)
			if err != nil {
				_ = r.closeWith(err, false)
				return
			}
			select {
			case <-r.closeCh:
				return
			case r.readCh <- msg:
			}
		}

		// Arm fails when parcels arrived while draining or the portal
		// died meanwhile; drain again and let Get classify.
		if err := trap.Arm(); err != nil {
			if r.portal.Status().Dead {
				_ = r.closeWith(ErrFlowClosed, false)
				return
			}
			continue
		}
		select {
		case <-r.closeCh:
			return
		case <-wake:
		}
	}
}
