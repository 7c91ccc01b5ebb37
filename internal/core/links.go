package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tramalabs/trama/internal/fragment"
	"github.com/tramalabs/trama/internal/sequence"
	"github.com/tramalabs/trama/internal/wire"
)

// LinkType positions a link on a route.
type LinkType uint8

const (
	// LinkCentral joins the two halves of a route. Exactly one central
	// link exists per route at any time; it is the only link with a
	// shared LinkState.
	LinkCentral LinkType = iota

	// LinkPeripheralInward runs from a proxying router toward the
	// terminal router it serves.
	LinkPeripheralInward

	// LinkPeripheralOutward runs from a router toward a proxy standing
	// between it and the route's center.
	LinkPeripheralOutward
)

func (t LinkType) String() string {
	switch t {
	case LinkCentral:
		return "central"
	case LinkPeripheralInward:
		return "inward"
	default:
		return "outward"
	}
}

// A RouterLink is one router's handle on a link to another router, either
// in-process or across a node link. Methods that transmit must be called
// without the owning router's lock held.
type RouterLink interface {
	Type() LinkType

	// AcceptParcel conveys a parcel to the other side.
	AcceptParcel(p *Parcel)

	// AcceptRouteClosure tells the other side its peer half of the route
	// closed after `length` parcels.
	AcceptRouteClosure(length sequence.Number)

	// LocalPeer is the router on the other side when it lives in this
	// process, else nil.
	LocalPeer() *Router

	// Remote identifies the node link and sublink carrying this link,
	// when the other side is on another node.
	Remote() (*NodeLink, wire.SublinkId, bool)

	// State is the shared state cell, nil for peripheral links or while
	// the cell's buffer is still unmapped.
	State() *LinkState

	// MarkSideStable marks this side stable in the shared state and
	// clears the peer's waiting bit, nudging it to retry a blocked lock.
	MarkSideStable()

	// TryLockForBypass locks the link and grants `source` the right to
	// request bypass of this side's router.
	TryLockForBypass(source wire.NodeName) bool

	// TryLockForClosure locks the link for route closure propagation.
	TryLockForClosure() bool

	Unlock()

	// CanNodeRequestBypass checks a bypass grant made by the other side.
	CanNodeRequestBypass(source wire.NodeName) bool

	// Control messages of the bypass protocol, each transmitted to the
	// router on the other side.
	RequestBypass(targetNode wire.NodeName, targetSublink wire.SublinkId)
	BypassWithLink(newSublink wire.SublinkId, state fragment.Descriptor, inboundLength sequence.Number)
	StopProxying(outbound, inbound sequence.Number)
	ProxyWillStop(outbound sequence.Number)
	StopProxyingToLocalPeer(outbound sequence.Number)

	// Flush pokes the router on the other side to re-evaluate its links.
	Flush()

	// Deactivate severs the link from its endpoints.
	Deactivate()

	Description() string
}

// localLinkShared is the state common to both halves of an in-process
// link.
type localLinkShared struct {
	state *LinkState

	mu      sync.Mutex
	routers [2]*Router
}

// LocalRouterLink joins two routers in the same process. Always central:
// peripheral links only arise from proxying across nodes.
type LocalRouterLink struct {
	side   wire.LinkSide
	shared *localLinkShared
}

// ConnectLocalRouters links two routers in this process as the two sides
// of a fresh route. Both sides start stable.
func ConnectLocalRouters(a, b *Router) {
	shared := &localLinkShared{state: NewHeapLinkState()}
	shared.routers[wire.SideA] = a
	shared.routers[wire.SideB] = b
	shared.state.MarkSideStable(wire.SideA)
	shared.state.MarkSideStable(wire.SideB)
	la := &LocalRouterLink{side: wire.SideA, shared: shared}
	lb := &LocalRouterLink{side: wire.SideB, shared: shared}
	a.setOutwardLink(la)
	b.setOutwardLink(lb)
}

func (l *LocalRouterLink) Type() LinkType { return LinkCentral }

func (l *LocalRouterLink) LocalPeer() *Router {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	return l.shared.routers[l.side.Opposite()]
}

func (l *LocalRouterLink) Remote() (*NodeLink, wire.SublinkId, bool) { return nil, 0, false }

func (l *LocalRouterLink) State() *LinkState { return l.shared.state }

func (l *LocalRouterLink) AcceptParcel(p *Parcel) {
	if peer := l.LocalPeer(); peer != nil {
		peer.AcceptInboundParcel(p)
	}
}

func (l *LocalRouterLink) AcceptRouteClosure(length sequence.Number) {
	if peer := l.LocalPeer(); peer != nil {
		peer.AcceptRouteClosure(length)
	}
}

func (l *LocalRouterLink) MarkSideStable() {
	l.shared.state.MarkSideStable(l.side)
	if l.shared.state.ResetWaitingBit(l.side) {
		l.Flush()
	}
}

func (l *LocalRouterLink) TryLockForBypass(source wire.NodeName) bool {
	if !l.shared.state.TryLock(l.side) {
		l.shared.state.SetWaiting(l.side)
		return false
	}
	l.shared.state.SetAllowedBypassSource(source)
	return true
}

func (l *LocalRouterLink) TryLockForClosure() bool { return l.shared.state.TryLock(l.side) }

func (l *LocalRouterLink) Unlock() { l.shared.state.Unlock(l.side) }

func (l *LocalRouterLink) CanNodeRequestBypass(source wire.NodeName) bool {
	return l.shared.state.AllowedBypassSource() == source
}

func (l *LocalRouterLink) RequestBypass(wire.NodeName, wire.SublinkId) {
	panic("core: bypass request over a local link")
}

func (l *LocalRouterLink) BypassWithLink(wire.SublinkId, fragment.Descriptor, sequence.Number) {
	panic("core: bypass over a local link")
}

func (l *LocalRouterLink) StopProxying(sequence.Number, sequence.Number) {
	panic("core: local routers do not proxy")
}

func (l *LocalRouterLink) ProxyWillStop(sequence.Number) {
	panic("core: local routers do not proxy")
}

func (l *LocalRouterLink) StopProxyingToLocalPeer(sequence.Number) {
	panic("core: local routers do not proxy")
}

func (l *LocalRouterLink) Flush() {
	if peer := l.LocalPeer(); peer != nil {
		peer.Flush()
	}
}

func (l *LocalRouterLink) Deactivate() {
	l.shared.mu.Lock()
	l.shared.routers[wire.SideA] = nil
	l.shared.routers[wire.SideB] = nil
	l.shared.mu.Unlock()
}

func (l *LocalRouterLink) Description() string {
	return fmt.Sprintf("local/%s", l.side)
}

// RemoteRouterLink is one router's handle on a link carried by a node
// link sublink.
type RemoteRouterLink struct {
	nodeLink *NodeLink
	sublink  wire.SublinkId
	linkType LinkType
	side     wire.LinkSide

	// stateDesc locates the shared state cell; state caches its local
	// resolution once the carrying buffer is mapped.
	stateDesc fragment.Descriptor
	state     atomic.Pointer[LinkState]
}

// NewRemoteRouterLink builds this side's handle on a sublink of nl.
// Central links carry a state descriptor; peripheral links pass a null
// one.
func NewRemoteRouterLink(nl *NodeLink, sublink wire.SublinkId, t LinkType, side wire.LinkSide, stateDesc fragment.Descriptor) *RemoteRouterLink {
	return &RemoteRouterLink{
		nodeLink:  nl,
		sublink:   sublink,
		linkType:  t,
		side:      side,
		stateDesc: stateDesc,
	}
}

func (l *RemoteRouterLink) Type() LinkType     { return l.linkType }
func (l *RemoteRouterLink) LocalPeer() *Router { return nil }

func (l *RemoteRouterLink) Remote() (*NodeLink, wire.SublinkId, bool) {
	return l.nodeLink, l.sublink, true
}

func (l *RemoteRouterLink) State() *LinkState {
	if s := l.state.Load(); s != nil {
		return s
	}
	if l.linkType != LinkCentral || l.stateDesc.IsNull() {
		return nil
	}
	mem := l.nodeLink.Memory()
	if mem == nil {
		return nil
	}
	f := mem.Resolve(l.stateDesc)
	if f.IsPending() || f.IsNull() {
		return nil
	}
	s := NewLinkState(f.Bytes)
	l.state.CompareAndSwap(nil, s)
	return l.state.Load()
}

func (l *RemoteRouterLink) AcceptParcel(p *Parcel) {
	l.nodeLink.SendParcel(l.sublink, p)
}

func (l *RemoteRouterLink) AcceptRouteClosure(length sequence.Number) {
	l.nodeLink.send(&wire.RouteClosed{Sublink: l.sublink, SequenceLength: length})
}

func (l *RemoteRouterLink) MarkSideStable() {
	s := l.State()
	if s == nil {
		return
	}
	s.MarkSideStable(l.side)
	if s.ResetWaitingBit(l.side) {
		l.Flush()
	}
}

func (l *RemoteRouterLink) TryLockForBypass(source wire.NodeName) bool {
	s := l.State()
	if s == nil {
		return false
	}
	if !s.TryLock(l.side) {
		s.SetWaiting(l.side)
		return false
	}
	s.SetAllowedBypassSource(source)
	return true
}

func (l *RemoteRouterLink) TryLockForClosure() bool {
	s := l.State()
	return s != nil && s.TryLock(l.side)
}

func (l *RemoteRouterLink) Unlock() {
	if s := l.State(); s != nil {
		s.Unlock(l.side)
	}
}

func (l *RemoteRouterLink) CanNodeRequestBypass(source wire.NodeName) bool {
	s := l.State()
	return s != nil && s.AllowedBypassSource() == source
}

func (l *RemoteRouterLink) RequestBypass(targetNode wire.NodeName, targetSublink wire.SublinkId) {
	l.nodeLink.send(&wire.BypassPeer{
		Sublink:       l.sublink,
		TargetNode:    targetNode,
		TargetSublink: targetSublink,
	})
}

func (l *RemoteRouterLink) BypassWithLink(newSublink wire.SublinkId, state fragment.Descriptor, inboundLength sequence.Number) {
	l.nodeLink.send(&wire.BypassPeerWithLink{
		Sublink:       l.sublink,
		NewSublink:    newSublink,
		NewLinkState:  state,
		InboundLength: inboundLength,
	})
}

func (l *RemoteRouterLink) StopProxying(outbound, inbound sequence.Number) {
	l.nodeLink.send(&wire.StopProxying{
		Sublink:        l.sublink,
		OutboundLength: outbound,
		InboundLength:  inbound,
	})
}

func (l *RemoteRouterLink) ProxyWillStop(outbound sequence.Number) {
	l.nodeLink.send(&wire.ProxyWillStop{Sublink: l.sublink, OutboundLength: outbound})
}

func (l *RemoteRouterLink) StopProxyingToLocalPeer(outbound sequence.Number) {
	l.nodeLink.send(&wire.StopProxyingToLocalPeer{Sublink: l.sublink, OutboundLength: outbound})
}

func (l *RemoteRouterLink) Flush() {
	l.nodeLink.send(&wire.FlushRouter{Sublink: l.sublink})
}

func (l *RemoteRouterLink) Deactivate() {
	l.nodeLink.RemoveSublink(l.sublink)
}

func (l *RemoteRouterLink) Description() string {
	return fmt.Sprintf("%s/%s to %s sublink %d", l.linkType, l.side, l.nodeLink.RemoteName(), l.sublink)
}
