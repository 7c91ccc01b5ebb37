package flow

import (
	"context"
	"sync"

	"github.com/tramalabs/trama"
)

// Sender is a thread-safe, typed, blocking writer over one portal.
type Sender[T any] struct {
	portal *trama.Portal
	codec  Codec[T]

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer sync.WaitGroup
	err    error
	lk     sync.Mutex
}

// NewSender wraps portal in a sender. Messages buffer up to bufferSize
// before Send blocks; a background loop encodes and puts them in order.
func NewSender[T any](portal *trama.Portal, codec Codec[T], bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		portal: portal,
		codec:  codec,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send queues msg. It blocks while the buffer is full and fails once
// the flow is closed or the peer went away.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.err
	case w.writeCh <- msg:
	}

	return nil
}

// Close stops the sender and closes the underlying portal. Queued
// messages are dropped.
func (w *Sender[T]) Close() error {
	err := w.closeWith(ErrFlowClosed)
	w.mainLoopWg.Wait()
	return err
}

func (w *Sender[T]) closeWith(cause error) error {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err != nil {
		return nil
	}
	w.err = cause
	close(w.closeCh)
	w.writer.Wait()
	close(w.writeCh)
	return w.portal.Close()
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	for {
		msg, ok := <-w.writeCh
		if !ok {
			return
		}

		payload, err := w.codec.Encode(msg)
		if err != nil {
			w.closeWith(err)
			return
		}
		if err := w.portal.Put(payload, nil, nil); err != nil {
			w.closeWith(err)
			return
		}
	}
}
