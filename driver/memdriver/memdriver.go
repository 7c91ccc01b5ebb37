// Package memdriver is an in-process driver: transports are goroutine
// pumps over in-memory queues and "shared" memory is a plain heap
// buffer. It exists for tests, examples, and single-process fabrics.
package memdriver

import (
	"errors"
	"sync"

	"github.com/tramalabs/trama/driver"
)

var (
	errTransportClosed = errors.New("memdriver: transport closed")
	errPeerClosed      = errors.New("memdriver: peer closed")
	errReactivated     = errors.New("memdriver: transport already activated")
)

// Driver is the in-process driver. The zero value is ready to use.
type Driver struct{}

// New returns the in-process driver.
func New() *Driver { return &Driver{} }

// Name implements driver.Driver.
func (*Driver) Name() string { return "mem" }

// NewTransports implements driver.Driver.
func (*Driver) NewTransports() (driver.Transport, driver.Transport, error) {
	a := newTransport()
	b := newTransport()
	a.peer = b
	b.peer = a
	return a, b, nil
}

// NewMemory implements driver.Driver.
func (*Driver) NewMemory(size int) (driver.Memory, error) {
	if size <= 0 {
		return nil, errors.New("memdriver: non-positive memory size")
	}
	return &Memory{buf: make([]byte, size)}, nil
}

type message struct {
	data    []byte
	objects []driver.Object
}

// Transport is one end of an in-process transport pair. Transmissions
// queue until the receiving end activates, so a handshake can be sent
// before the peer starts listening.
type Transport struct {
	peer *Transport

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []message
	activated    bool
	closed       bool
	peerClosed   bool
	deactivating bool
	pumpDone     chan struct{}
}

func newTransport() *Transport {
	t := &Transport{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Activate implements driver.Transport.
func (t *Transport) Activate(h driver.Handler) error {
	t.mu.Lock()
	if t.activated {
		t.mu.Unlock()
		return errReactivated
	}
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.activated = true
	t.deactivating = false
	t.pumpDone = make(chan struct{})
	t.mu.Unlock()

	go t.pump(h)
	return nil
}

func (t *Transport) pump(h driver.Handler) {
	defer close(t.pumpDone)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.deactivating && !t.peerClosed && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			failed := t.peerClosed && !t.deactivating && !t.closed
			t.mu.Unlock()
			if failed {
				h.OnError(errPeerClosed)
			}
			return
		}
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()

		for _, m := range batch {
			h.OnTransmission(m.data, m.objects)
		}
	}
}

// Deactivate implements driver.Transport. Blocks until the delivery
// pump exits.
func (t *Transport) Deactivate() error {
	t.mu.Lock()
	if !t.activated {
		t.mu.Unlock()
		return nil
	}
	t.deactivating = true
	done := t.pumpDone
	t.cond.Broadcast()
	t.mu.Unlock()
	<-done
	return nil
}

// Transmit implements driver.Transport.
func (t *Transport) Transmit(data []byte, objects []driver.Object) error {
	p := t.peer
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errTransportClosed
	}

	// The caller may reuse data after Transmit returns.
	owned := make([]byte, len(data))
	copy(owned, data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	p.queue = append(p.queue, message{data: owned, objects: objects})
	p.cond.Broadcast()
	return nil
}

// Close implements driver.Object. The peer's pump observes the closure
// once its queue drains.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()

	p := t.peer
	p.mu.Lock()
	p.peerClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// Memory is a heap-backed shared buffer. Duplicates alias the same
// bytes.
type Memory struct {
	buf []byte
}

// Size implements driver.Memory.
func (m *Memory) Size() int { return len(m.buf) }

// Map implements driver.Memory.
func (m *Memory) Map() (driver.Mapping, error) {
	return &mapping{buf: m.buf}, nil
}

// Duplicate implements driver.Memory.
func (m *Memory) Duplicate() (driver.Memory, error) {
	return &Memory{buf: m.buf}, nil
}

// Close implements driver.Object.
func (m *Memory) Close() error { return nil }

type mapping struct {
	buf []byte
}

func (mp *mapping) Bytes() []byte { return mp.buf }
func (mp *mapping) Unmap() error  { return nil }
