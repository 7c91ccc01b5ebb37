package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tramalabs/trama/driver/memdriver"
	"github.com/tramalabs/trama/internal/wire"
)

const (
	waitFor = 5 * time.Second
	tick    = 2 * time.Millisecond
)

func nodePair(t *testing.T, brokerPortals, peerPortals int) (broker, peer *Node, brokerRouters, peerRouters []*Router) {
	t.Helper()
	drv := memdriver.New()
	broker = NewNode(true, drv, testLogger())
	peer = NewNode(false, drv, testLogger())

	t1, t2, err := drv.NewTransports()
	require.NoError(t, err)
	brokerRouters, err = broker.ConnectNode(t1, brokerPortals)
	require.NoError(t, err)
	peerRouters, err = peer.ConnectNode(t2, peerPortals)
	require.NoError(t, err)

	t.Cleanup(func() {
		broker.Close()
		peer.Close()
	})
	return broker, peer, brokerRouters, peerRouters
}

func popEventually(t *testing.T, r *Router) *Parcel {
	t.Helper()
	var p *Parcel
	require.Eventually(t, func() bool {
		p = r.PopNextInbound()
		return p != nil
	}, waitFor, tick)
	return p
}

func TestNodeConnectAndDeliver(t *testing.T) {
	broker, peer, brokerRouters, peerRouters := nodePair(t, 2, 2)

	require.False(t, broker.Name().IsZero())
	require.Eventually(t, func() bool {
		return !peer.Name().IsZero()
	}, waitFor, tick)
	require.NotNil(t, peer.GetLink(broker.Name()))

	for i, r := range brokerRouters {
		require.True(t, r.SendParcel([]byte{'b', byte('0' + i)}, nil))
	}
	for i, r := range peerRouters {
		require.True(t, r.SendParcel([]byte{'p', byte('0' + i)}, nil))
	}

	for i, r := range peerRouters {
		p := popEventually(t, r)
		require.Equal(t, []byte{'b', byte('0' + i)}, p.Data())
	}
	for i, r := range brokerRouters {
		p := popEventually(t, r)
		require.Equal(t, []byte{'p', byte('0' + i)}, p.Data())
	}
}

func TestNodePayloadPaths(t *testing.T) {
	_, _, brokerRouters, peerRouters := nodePair(t, 1, 1)

	// Small payloads ride shared memory, large ones go inline; both
	// arrive in sequence either way.
	small := bytes.Repeat([]byte{0x5a}, 512)
	large := bytes.Repeat([]byte{0xa5}, 3*maxFragmentParcelSize)
	require.True(t, brokerRouters[0].SendParcel(small, nil))
	require.True(t, brokerRouters[0].SendParcel(large, nil))

	p := popEventually(t, peerRouters[0])
	require.Equal(t, small, p.Data())
	p.Release()
	p = popEventually(t, peerRouters[0])
	require.Equal(t, large, p.Data())
	p.Release()
}

func TestNodeInitialPortalMismatch(t *testing.T) {
	_, _, brokerRouters, peerRouters := nodePair(t, 3, 1)

	require.True(t, brokerRouters[0].SendParcel([]byte("hi"), nil))
	p := popEventually(t, peerRouters[0])
	require.Equal(t, []byte("hi"), p.Data())

	for _, r := range brokerRouters[1:] {
		r := r
		require.Eventually(t, r.IsPeerClosed, waitFor, tick)
		require.True(t, r.Status().Dead)
		require.False(t, r.SendParcel([]byte("x"), nil))
	}
	require.False(t, peerRouters[0].IsPeerClosed())
}

func TestNodeTooManyInitialPortals(t *testing.T) {
	drv := memdriver.New()
	broker := NewNode(true, drv, testLogger())
	t1, t2, err := drv.NewTransports()
	require.NoError(t, err)
	defer t1.Close()
	defer t2.Close()

	_, err = broker.ConnectNode(t1, maxInitialPortals+1)
	require.ErrorIs(t, err, ErrTooManyInitialPortals)
}

func TestNodeMovedPortal(t *testing.T) {
	broker, _, brokerRouters, peerRouters := nodePair(t, 1, 1)

	x := NewRouter(broker)
	y := NewRouter(broker)
	ConnectLocalRouters(x, y)
	require.Same(t, y, x.LocalPeer())

	require.True(t, brokerRouters[0].SendParcel([]byte("mv"),
		[]Attachment{{Kind: AttachedRouter, Router: y}}))

	p := popEventually(t, peerRouters[0])
	require.Equal(t, []byte("mv"), p.Data())
	atts := p.TakeAttachments()
	require.Len(t, atts, 1)
	require.Equal(t, AttachedRouter, atts[0].Kind)
	moved := atts[0].Router
	require.NotNil(t, moved)

	require.True(t, x.SendParcel([]byte("across"), nil))
	require.Equal(t, []byte("across"), popEventually(t, moved).Data())
	require.True(t, moved.SendParcel([]byte("back"), nil))
	require.Equal(t, []byte("back"), popEventually(t, x).Data())

	// The abandoned half decays out of the route, leaving x linked
	// straight across the node boundary.
	require.Eventually(t, func() bool {
		return x.LocalPeer() == nil
	}, waitFor, tick)

	require.True(t, x.SendParcel([]byte("direct"), nil))
	require.Equal(t, []byte("direct"), popEventually(t, moved).Data())
	require.True(t, moved.SendParcel([]byte("reply"), nil))
	require.Equal(t, []byte("reply"), popEventually(t, x).Data())
}

func TestNodeBypassThroughIntroduction(t *testing.T) {
	drv := memdriver.New()
	broker := NewNode(true, drv, testLogger())
	n1 := NewNode(false, drv, testLogger())
	n2 := NewNode(false, drv, testLogger())
	t.Cleanup(func() {
		broker.Close()
		n1.Close()
		n2.Close()
	})

	ta, tb, err := drv.NewTransports()
	require.NoError(t, err)
	rbs1, err := broker.ConnectNode(ta, 1)
	require.NoError(t, err)
	r1s, err := n1.ConnectNode(tb, 1)
	require.NoError(t, err)

	tc, td, err := drv.NewTransports()
	require.NoError(t, err)
	rbs2, err := broker.ConnectNode(tc, 1)
	require.NoError(t, err)
	r2s, err := n2.ConnectNode(td, 1)
	require.NoError(t, err)

	// Hand the broker's end of the n2 route to n1. The broker keeps a
	// proxy that the two ends then negotiate out of the route, meeting
	// each other through a broker introduction.
	require.True(t, rbs1[0].SendParcel([]byte("handoff"),
		[]Attachment{{Kind: AttachedRouter, Router: rbs2[0]}}))

	p := popEventually(t, r1s[0])
	require.Equal(t, []byte("handoff"), p.Data())
	atts := p.TakeAttachments()
	require.Len(t, atts, 1)
	moved := atts[0].Router

	r2 := r2s[0]
	require.True(t, r2.SendParcel([]byte("ping"), nil))
	require.Equal(t, []byte("ping"), popEventually(t, moved).Data())
	require.True(t, moved.SendParcel([]byte("pong"), nil))
	require.Equal(t, []byte("pong"), popEventually(t, r2).Data())

	require.Eventually(t, func() bool {
		return !n1.Name().IsZero() && !n2.Name().IsZero()
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return n2.GetLink(n1.Name()) != nil && n1.GetLink(n2.Name()) != nil
	}, waitFor, tick)

	// The broker proxy is gone once both ends ride the direct n1-n2 link
	// with nothing left decaying.
	ridesLinkTo := func(r *Router, peer wire.NodeName) func() bool {
		return func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			ol := r.outward.PrimaryLink()
			if ol == nil || r.outward.DecayingLink() != nil {
				return false
			}
			nl, _, remote := ol.Remote()
			return remote && nl.RemoteName() == peer
		}
	}
	require.Eventually(t, ridesLinkTo(moved, n2.Name()), waitFor, tick)
	require.Eventually(t, ridesLinkTo(r2, n1.Name()), waitFor, tick)

	for i := 0; i < 10; i++ {
		require.True(t, r2.SendParcel([]byte{byte(i)}, nil))
		require.Equal(t, []byte{byte(i)}, popEventually(t, moved).Data())
		require.True(t, moved.SendParcel([]byte{byte(i)}, nil))
		require.Equal(t, []byte{byte(i)}, popEventually(t, r2).Data())
	}
}

func TestNodeIndirectConnection(t *testing.T) {
	drv := memdriver.New()
	broker := NewNode(true, drv, testLogger())
	a := NewNode(false, drv, testLogger())
	d := NewNode(false, drv, testLogger())
	t.Cleanup(func() {
		broker.Close()
		a.Close()
		d.Close()
	})

	ta, tb, err := drv.NewTransports()
	require.NoError(t, err)
	_, err = broker.ConnectNode(ta, 0)
	require.NoError(t, err)
	_, err = a.ConnectNode(tb, 0)
	require.NoError(t, err)

	tc, td, err := drv.NewTransports()
	require.NoError(t, err)
	aRouters, err := a.ConnectIndirect(tc, 1)
	require.NoError(t, err)
	dRouters, err := d.ConnectViaReferral(td, 1)
	require.NoError(t, err)

	require.True(t, aRouters[0].SendParcel([]byte("to-d"), nil))
	require.Equal(t, []byte("to-d"), popEventually(t, dRouters[0]).Data())
	require.True(t, dRouters[0].SendParcel([]byte("to-a"), nil))
	require.Equal(t, []byte("to-a"), popEventually(t, aRouters[0]).Data())

	require.Eventually(t, func() bool {
		return !d.Name().IsZero()
	}, waitFor, tick)
	require.NotNil(t, a.GetLink(d.Name()))
	require.NotNil(t, d.GetLink(broker.Name()))
}

func TestNodeIndirectConnectionNeedsBroker(t *testing.T) {
	drv := memdriver.New()
	n := NewNode(false, drv, testLogger())
	t1, t2, err := drv.NewTransports()
	require.NoError(t, err)
	defer t1.Close()
	defer t2.Close()

	_, err = n.ConnectIndirect(t1, 1)
	require.ErrorIs(t, err, ErrNoBroker)
}

func TestNodeDisconnect(t *testing.T) {
	_, peer, brokerRouters, peerRouters := nodePair(t, 1, 1)

	require.True(t, brokerRouters[0].SendParcel([]byte("one"), nil))
	require.Equal(t, []byte("one"), popEventually(t, peerRouters[0]).Data())

	require.NoError(t, peer.Close())

	r := brokerRouters[0]
	require.Eventually(t, r.IsPeerClosed, waitFor, tick)
	require.False(t, r.SendParcel([]byte("late"), nil))
	require.True(t, r.Status().Dead)
}

func TestNodeRemoteTrap(t *testing.T) {
	_, _, brokerRouters, peerRouters := nodePair(t, 1, 1)

	events := make(chan TrapEvent, 1)
	tr := peerRouters[0].Traps().Add(TrapConditions{Flags: TrapNewLocalParcel}, func(ev TrapEvent) {
		events <- ev
	})
	require.NoError(t, tr.Arm(peerRouters[0].Status()))

	require.True(t, brokerRouters[0].SendParcel([]byte("wake"), nil))

	select {
	case ev := <-events:
		require.Equal(t, TrapNewLocalParcel, ev.Conditions)
		require.Equal(t, 1, ev.Status.LocalParcels)
	case <-time.After(waitFor):
		t.Fatal("trap never fired for the arriving parcel")
	}
}

func TestNodeSublinkAllocationDisjoint(t *testing.T) {
	broker, peer, _, _ := nodePair(t, 1, 1)

	var bl, pl *NodeLink
	require.Eventually(t, func() bool {
		bl = peer.GetLink(broker.Name())
		return bl != nil && bl.Memory() != nil
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		if peer.Name().IsZero() {
			return false
		}
		pl = broker.GetLink(peer.Name())
		return pl != nil
	}, waitFor, tick)

	// Both ends draw dynamic sublinks from one shared counter, above
	// the range reserved for initial portals.
	seen := make(map[wire.SublinkId]bool)
	for i := 0; i < 8; i++ {
		for _, nl := range []*NodeLink{bl, pl} {
			sub := nl.Memory().AllocateSublink()
			require.GreaterOrEqual(t, uint64(sub), uint64(FirstDynamicSublink))
			require.False(t, seen[sub])
			seen[sub] = true
		}
	}
}
