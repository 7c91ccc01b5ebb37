//go:build linux

package shmdriver

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tramalabs/trama/driver"
)

const waitFor = 5 * time.Second

type transmission struct {
	data    []byte
	objects []driver.Object
}

type collector struct {
	transmissions chan transmission
	errs          chan error
}

func newCollector() *collector {
	return &collector{
		transmissions: make(chan transmission, 16),
		errs:          make(chan error, 1),
	}
}

func (c *collector) OnTransmission(data []byte, objects []driver.Object) {
	c.transmissions <- transmission{data: append([]byte(nil), data...), objects: objects}
}

func (c *collector) OnError(err error) {
	c.errs <- err
}

func (c *collector) next(t *testing.T) transmission {
	t.Helper()
	select {
	case tr := <-c.transmissions:
		return tr
	case <-time.After(waitFor):
		t.Fatal("no transmission arrived")
		return transmission{}
	}
}

func pair(t *testing.T) (driver.Transport, driver.Transport, *collector) {
	t.Helper()
	drv := New()
	a, b, err := drv.NewTransports()
	require.NoError(t, err)
	c := newCollector()
	require.NoError(t, b.Activate(c))
	t.Cleanup(func() {
		_ = b.Close()
		_ = a.Close()
	})
	return a, b, c
}

func TestTransportRoundTrip(t *testing.T) {
	a, _, c := pair(t)

	require.NoError(t, a.Transmit([]byte("one"), nil))
	require.NoError(t, a.Transmit([]byte("two"), nil))

	require.Equal(t, []byte("one"), c.next(t).data)
	require.Equal(t, []byte("two"), c.next(t).data)
}

func TestTransportSegmentation(t *testing.T) {
	a, _, c := pair(t)

	big := make([]byte, 3*segLimit+17)
	for i := range big {
		big[i] = byte(i * 7)
	}
	require.NoError(t, a.Transmit(big, nil))
	require.NoError(t, a.Transmit([]byte("after"), nil))

	got := c.next(t)
	require.True(t, bytes.Equal(big, got.data))
	require.Equal(t, []byte("after"), c.next(t).data)
}

func TestTransportMemoryPassing(t *testing.T) {
	a, _, c := pair(t)

	drv := New()
	mem, err := drv.NewMemory(4096)
	require.NoError(t, err)
	m, err := mem.Map()
	require.NoError(t, err)
	copy(m.Bytes(), "written before transfer")

	dup, err := mem.Duplicate()
	require.NoError(t, err)
	require.NoError(t, a.Transmit([]byte("here"), []driver.Object{dup}))

	got := c.next(t)
	require.Len(t, got.objects, 1)
	remote, ok := got.objects[0].(driver.Memory)
	require.True(t, ok)
	require.Equal(t, 4096, remote.Size())

	rm, err := remote.Map()
	require.NoError(t, err)
	require.Equal(t, []byte("written before transfer"), rm.Bytes()[:23])

	// Both mappings alias the same pages.
	copy(rm.Bytes(), "rewritten on the far side")
	require.Equal(t, []byte("rewritten on the far side"), m.Bytes()[:25])

	require.NoError(t, rm.Unmap())
	require.NoError(t, m.Unmap())
	require.NoError(t, remote.Close())
	require.NoError(t, mem.Close())
}

func TestTransportTransportPassing(t *testing.T) {
	a, _, c := pair(t)

	drv := New()
	x, y, err := drv.NewTransports()
	require.NoError(t, err)

	require.NoError(t, a.Transmit(nil, []driver.Object{y}))
	got := c.next(t)
	require.Len(t, got.objects, 1)
	remote, ok := got.objects[0].(driver.Transport)
	require.True(t, ok)

	cc := newCollector()
	require.NoError(t, remote.Activate(cc))
	require.NoError(t, x.Transmit([]byte("through the moved end"), nil))
	require.Equal(t, []byte("through the moved end"), cc.next(t).data)

	require.NoError(t, remote.Close())
	_ = x.Close()
}

func TestTransportPeerClose(t *testing.T) {
	drv := New()
	a, b, err := drv.NewTransports()
	require.NoError(t, err)
	c := newCollector()
	require.NoError(t, b.Activate(c))

	require.NoError(t, a.Close())
	select {
	case err := <-c.errs:
		require.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("no error after peer close")
	}
	require.NoError(t, b.Close())
}

func TestMemorySealing(t *testing.T) {
	drv := New()
	mem, err := drv.NewMemory(123)
	require.NoError(t, err)
	require.Equal(t, 123, mem.Size())

	m, err := mem.Map()
	require.NoError(t, err)
	require.Len(t, m.Bytes(), 123)
	require.NoError(t, m.Unmap())
	require.Error(t, m.Unmap())

	require.NoError(t, mem.Close())
	_, err = mem.Map()
	require.Error(t, err)
	require.Error(t, mem.Close())
}
