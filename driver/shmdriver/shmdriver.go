//go:build linux

// Package shmdriver is the Linux multiprocess driver. Transports are
// `SOCK_SEQPACKET` Unix socket pairs carrying framed datagrams, attached
// objects travel as `SCM_RIGHTS` file descriptors, and shared memory is
// backed by sealed memfds mapped on both sides.
//
// Transmissions larger than one socket message are segmented and
// reassembled transparently, so parcel size is bounded by the node, not
// the socket buffers.
package shmdriver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tramalabs/trama/driver"
)

var (
	errTransportClosed = errors.New("shmdriver: transport closed")
	errPeerClosed      = errors.New("shmdriver: peer closed")
	errReactivated     = errors.New("shmdriver: transport already activated")
	errTruncated       = errors.New("shmdriver: truncated transmission")
	errBadSegment      = errors.New("shmdriver: malformed segment")
	errMemoryClosed    = errors.New("shmdriver: memory closed")
)

const (
	// segLimit keeps every socket message well under the default
	// net.core.wmem_max so a send never hits EMSGSIZE.
	segLimit = 48 << 10

	maxObjects = 32

	segFinal = 1 << 0

	objTransport = 1
	objMemory    = 2
)

// Driver is the Linux shared-memory driver. The zero value is ready to
// use.
type Driver struct{}

// New returns the Linux shared-memory driver.
func New() *Driver { return &Driver{} }

// Name implements driver.Driver.
func (*Driver) Name() string { return "shm" }

// NewTransports implements driver.Driver.
func (*Driver) NewTransports() (driver.Transport, driver.Transport, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("shmdriver: socketpair: %w", err)
	}
	return newTransport(fds[0]), newTransport(fds[1]), nil
}

// NewMemory implements driver.Driver. The buffer is a sealed memfd:
// once created it can neither shrink nor grow, so mappings on either
// side stay valid for the buffer's lifetime.
func (*Driver) NewMemory(size int) (driver.Memory, error) {
	if size <= 0 {
		return nil, errors.New("shmdriver: non-positive memory size")
	}
	fd, err := unix.MemfdCreate("trama-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("shmdriver: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmdriver: ftruncate: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmdriver: seal: %w", err)
	}
	return &Memory{fd: fd, size: size}, nil
}

// A Memory is a memfd-backed shared buffer.
type Memory struct {
	mu     sync.Mutex
	fd     int
	size   int
	closed bool
}

// Size implements driver.Memory.
func (m *Memory) Size() int { return m.size }

// Map implements driver.Memory.
func (m *Memory) Map() (driver.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errMemoryClosed
	}
	b, err := unix.Mmap(m.fd, 0, m.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmdriver: mmap: %w", err)
	}
	return &Mapping{b: b}, nil
}

// Duplicate implements driver.Memory.
func (m *Memory) Duplicate() (driver.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errMemoryClosed
	}
	fd, err := unix.FcntlInt(uintptr(m.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shmdriver: dup: %w", err)
	}
	return &Memory{fd: fd, size: m.size}, nil
}

// Close implements driver.Object. Existing mappings stay valid until
// unmapped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMemoryClosed
	}
	m.closed = true
	return unix.Close(m.fd)
}

// A Mapping is one mmap view of a Memory.
type Mapping struct {
	mu sync.Mutex
	b  []byte
}

// Bytes implements driver.Mapping.
func (mp *Mapping) Bytes() []byte { return mp.b }

// Unmap implements driver.Mapping.
func (mp *Mapping) Unmap() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.b == nil {
		return errors.New("shmdriver: already unmapped")
	}
	b := mp.b
	mp.b = nil
	return unix.Munmap(b)
}

// A Transport is one end of a seqpacket socket pair.
type Transport struct {
	fd int

	writeMu sync.Mutex

	mu           sync.Mutex
	activated    bool
	closed       bool
	deactivating bool

	eg errgroup.Group
}

func newTransport(fd int) *Transport {
	return &Transport{fd: fd}
}

// Activate implements driver.Transport. A reader pump delivers incoming
// transmissions to h, serialized, until Deactivate, Close, or a terminal
// transport error.
func (t *Transport) Activate(h driver.Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	if t.activated {
		t.mu.Unlock()
		return errReactivated
	}
	t.activated = true
	t.mu.Unlock()

	t.eg.Go(func() error {
		return t.pump(h)
	})
	return nil
}

// Deactivate implements driver.Transport.
func (t *Transport) Deactivate() error {
	t.mu.Lock()
	if t.deactivating || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.deactivating = true
	activated := t.activated
	t.mu.Unlock()

	unix.Shutdown(t.fd, unix.SHUT_RD)
	if activated {
		return t.eg.Wait()
	}
	return nil
}

// Close implements driver.Object.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.closed = true
	t.deactivating = true
	activated := t.activated
	t.mu.Unlock()

	unix.Shutdown(t.fd, unix.SHUT_RDWR)
	if activated {
		t.eg.Wait()
	}
	return unix.Close(t.fd)
}

func (t *Transport) stopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deactivating || t.closed
}

// Transmit implements driver.Transport. The datagram is cut into
// segments of at most segLimit payload bytes; attached objects ride the
// first segment as SCM_RIGHTS descriptors and are consumed on success.
func (t *Transport) Transmit(data []byte, objects []driver.Object) error {
	if len(objects) > maxObjects {
		return fmt.Errorf("shmdriver: too many objects: %d", len(objects))
	}
	table, fds, err := encodeObjects(objects)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.stopping() {
		return errTransportClosed
	}

	first := true
	for {
		chunk := data
		if len(chunk) > segLimit {
			chunk = chunk[:segLimit]
		}
		data = data[len(chunk):]

		var seg []byte
		var oob []byte
		flags := byte(0)
		if len(data) == 0 {
			flags |= segFinal
		}
		if first {
			seg = make([]byte, 0, 1+len(table)+len(chunk))
			seg = append(seg, flags)
			seg = append(seg, table...)
			seg = append(seg, chunk...)
			if len(fds) > 0 {
				oob = unix.UnixRights(fds...)
			}
			first = false
		} else {
			seg = make([]byte, 0, 1+len(chunk))
			seg = append(seg, flags)
			seg = append(seg, chunk...)
		}

		if err := unix.Sendmsg(t.fd, seg, oob, nil, 0); err != nil {
			if err == unix.EPIPE || err == unix.ECONNRESET {
				return errPeerClosed
			}
			return fmt.Errorf("shmdriver: sendmsg: %w", err)
		}
		if len(data) == 0 {
			break
		}
	}

	// The descriptors were duplicated into the peer; drop our
	// references. A passed Transport is not shut down, since shutdown
	// acts on the socket the peer's copy shares.
	for _, o := range objects {
		if tr, ok := o.(*Transport); ok {
			tr.mu.Lock()
			tr.closed = true
			tr.mu.Unlock()
			unix.Close(tr.fd)
			continue
		}
		o.Close()
	}
	return nil
}

// encodeObjects builds the first-segment object table and the
// descriptor list, in attachment order.
func encodeObjects(objects []driver.Object) ([]byte, []int, error) {
	table := make([]byte, 2, 2+len(objects)*9)
	binary.LittleEndian.PutUint16(table, uint16(len(objects)))
	fds := make([]int, 0, len(objects))
	for _, o := range objects {
		switch obj := o.(type) {
		case *Transport:
			table = append(table, objTransport)
			table = append(table, make([]byte, 8)...)
			fds = append(fds, obj.fd)
		case *Memory:
			table = append(table, objMemory)
			table = binary.LittleEndian.AppendUint64(table, uint64(obj.size))
			fds = append(fds, obj.fd)
		default:
			return nil, nil, driver.ErrObjectNotTransmissible
		}
	}
	return table, fds, nil
}

// decodeObjects rebuilds attachments from the object table and the
// received descriptors. It owns fds: on error every descriptor is
// closed.
func decodeObjects(table []byte, fds []int) ([]driver.Object, int, error) {
	if len(table) < 2 {
		closeAll(fds)
		return nil, 0, errBadSegment
	}
	count := int(binary.LittleEndian.Uint16(table))
	need := 2 + count*9
	if len(table) < need || count != len(fds) {
		closeAll(fds)
		return nil, 0, errBadSegment
	}
	objects := make([]driver.Object, count)
	for i := range count {
		entry := table[2+i*9:]
		fd := fds[i]
		switch entry[0] {
		case objTransport:
			objects[i] = newTransport(fd)
		case objMemory:
			objects[i] = &Memory{fd: fd, size: int(binary.LittleEndian.Uint64(entry[1:]))}
		default:
			closeAll(fds[i:])
			return nil, 0, errBadSegment
		}
	}
	return objects, need, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func (t *Transport) pump(h driver.Handler) error {
	buf := make([]byte, 1+2+maxObjects*9+segLimit)
	oob := make([]byte, unix.CmsgSpace(maxObjects*4))

	var (
		pending  []byte
		objects  []driver.Object
		partial  bool
		lastFail = func(err error) error {
			for _, o := range objects {
				o.Close()
			}
			if t.stopping() {
				return nil
			}
			h.OnError(err)
			return err
		}
	)

	for {
		n, oobn, flags, _, err := unix.Recvmsg(t.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return lastFail(fmt.Errorf("shmdriver: recvmsg: %w", err))
		}
		if n == 0 {
			return lastFail(errPeerClosed)
		}
		if flags&unix.MSG_TRUNC != 0 {
			return lastFail(errTruncated)
		}

		var fds []int
		if oobn > 0 {
			fds, err = parseRights(oob[:oobn])
			if err != nil {
				return lastFail(err)
			}
		}

		seg := buf[:n]
		segFlags := seg[0]
		body := seg[1:]
		if !partial {
			objs, used, err := decodeObjects(body, fds)
			if err != nil {
				return lastFail(err)
			}
			objects = objs
			body = body[used:]
			partial = true
		} else if len(fds) > 0 {
			closeAll(fds)
			return lastFail(errBadSegment)
		}
		pending = append(pending, body...)

		if segFlags&segFinal != 0 {
			h.OnTransmission(pending, objects)
			pending = nil
			objects = nil
			partial = false
		}
	}
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("shmdriver: parse control: %w", err)
	}
	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			return nil, fmt.Errorf("shmdriver: parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}
