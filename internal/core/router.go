package core

import (
	"log/slog"
	"sync"

	"github.com/tramalabs/trama/internal/fragment"
	"github.com/tramalabs/trama/internal/sequence"
	"github.com/tramalabs/trama/internal/wire"
)

func parcelSize(p *Parcel) int { return p.Size() }

// A Router is one hop of a route. A terminal router backs a live portal;
// a proxying router has handed its portal off to another node and forwards
// parcels between its outward and inward edges until the route heals
// around it.
//
// Parcels from the local portal (or inward edge) flow out through the
// outward edge; parcels from the outward edge flow to the local portal (or
// on through the inward edge).
type Router struct {
	node *Node

	mu sync.Mutex

	// outbound holds parcels heading away from this side of the route
	// until the proper outward link can carry them. inbound holds
	// arriving parcels: for a terminal router until the portal retrieves
	// them, for a proxy until the inward link can carry them.
	outbound *sequence.Queue[*Parcel]
	inbound  *sequence.Queue[*Parcel]

	outward RouteEdge
	inward  RouteEdge

	traps *TrapSet

	peerClosed          bool
	localClosed         bool
	portalDetached      bool
	disconnected        bool
	closureOutboundSent bool
	closureInwardSent   bool
	bypassInitiated     bool
}

// NewRouter returns a fresh terminal router.
func NewRouter(node *Node) *Router {
	return &Router{
		node:     node,
		outbound: sequence.New[*Parcel](parcelSize),
		inbound:  sequence.New[*Parcel](parcelSize),
		traps:    NewTrapSet(),
	}
}

func (r *Router) setOutwardLink(l RouterLink) {
	r.mu.Lock()
	r.outward.SetPrimaryLink(l)
	r.mu.Unlock()
}

func (r *Router) logger() *slog.Logger { return r.node.Log() }

func (r *Router) proxyingLocked() bool {
	return r.inward.PrimaryLink() != nil || r.inward.DecayingLink() != nil
}

func (r *Router) statusLocked() PortalStatus {
	return PortalStatus{
		LocalParcels: r.inbound.AvailableElements(),
		LocalBytes:   r.inbound.AvailableBytes(),
		PeerClosed:   r.peerClosed,
		Dead:         r.peerClosed && r.inbound.IsDead(),
	}
}

// Status snapshots the retrievable state for the portal layer.
func (r *Router) Status() PortalStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// Traps exposes the router's trap set.
func (r *Router) Traps() *TrapSet { return r.traps }

// IsPeerClosed reports whether the other side of the route closed.
func (r *Router) IsPeerClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerClosed
}

// NextOutboundSequenceNumber is the number the next sent parcel takes.
func (r *Router) NextOutboundSequenceNumber() sequence.Number {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbound.CurrentLength()
}

// InboundQueueState reports queued parcels and bytes awaiting retrieval,
// for back-pressure decisions.
func (r *Router) InboundQueueState() (parcels, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inbound.AvailableElements(), r.inbound.AvailableBytes()
}

// OutboundQueueState reports parcels and bytes accepted but not yet
// transmitted.
func (r *Router) OutboundQueueState() (parcels, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbound.AvailableElements(), r.outbound.AvailableBytes()
}

// LocalPeer is the terminal router of the other half of the route when it
// lives in this process and the route has no proxies between, else nil.
func (r *Router) LocalPeer() *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.outward.PrimaryLink(); l != nil && r.outward.IsStable() {
		return l.LocalPeer()
	}
	return nil
}

// SendParcel accepts data and attachments from the local portal as the
// next outbound parcel.
func (r *Router) SendParcel(data []byte, attachments []Attachment) bool {
	r.mu.Lock()
	if r.localClosed || r.peerClosed || r.disconnected {
		r.mu.Unlock()
		return false
	}
	n := r.outbound.CurrentLength()
	if !r.outbound.Push(n, NewParcel(n, data, attachments)) {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	r.Flush()
	return true
}

// AcceptInboundParcel takes a parcel arriving from the outward direction.
func (r *Router) AcceptInboundParcel(p *Parcel) {
	r.mu.Lock()
	if !r.inbound.Push(p.SeqNum, p) {
		r.mu.Unlock()
		p.Release()
		return
	}
	proxying := r.proxyingLocked()
	var firings []func()
	if !proxying {
		firings = r.traps.CollectFirings(r.statusLocked(), r.inbound.HasNext())
	}
	r.mu.Unlock()
	for _, f := range firings {
		f()
	}
	if proxying {
		r.Flush()
	}
}

// AcceptOutboundParcel takes a parcel arriving from the inward direction
// of a proxy, to be forwarded outward.
func (r *Router) AcceptOutboundParcel(p *Parcel) {
	r.mu.Lock()
	ok := r.outbound.Push(p.SeqNum, p)
	r.mu.Unlock()
	if !ok {
		p.Release()
		return
	}
	r.Flush()
}

// AcceptRouteClosure learns that the other side of the route closed after
// `length` parcels.
func (r *Router) AcceptRouteClosure(length sequence.Number) {
	r.mu.Lock()
	r.peerClosed = true
	r.inbound.SetFinalLength(length)
	var firings []func()
	if !r.proxyingLocked() {
		firings = r.traps.CollectFirings(r.statusLocked(), false)
	}
	r.mu.Unlock()
	for _, f := range firings {
		f()
	}
	r.Flush()
}

// AcceptOutboundClosure learns, on a proxy, that the inward side of the
// route closed after `length` parcels.
func (r *Router) AcceptOutboundClosure(length sequence.Number) {
	r.mu.Lock()
	r.outbound.SetFinalLength(length)
	r.mu.Unlock()
	r.Flush()
}

// CloseRoute closes this side of the route. Queued inbound parcels are
// dropped; queued outbound parcels still flush before the closure
// propagates.
func (r *Router) CloseRoute() {
	r.mu.Lock()
	if r.localClosed {
		r.mu.Unlock()
		return
	}
	r.localClosed = true
	r.portalDetached = true
	r.outbound.SetFinalLength(r.outbound.CurrentLength())
	var dropped []*Parcel
	for r.inbound.HasNext() {
		p, _ := r.inbound.Pop()
		dropped = append(dropped, p)
	}
	r.mu.Unlock()
	// Released outside the lock: an unread parcel may carry a router whose
	// closure reaches other routers on this node.
	for _, p := range dropped {
		p.Release()
	}
	r.Flush()
}

// GetNextInbound peeks the next retrievable parcel without consuming it.
func (r *Router) GetNextInbound() *Parcel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inbound.HasNext() {
		return nil
	}
	return *r.inbound.Next()
}

// PopNextInbound removes and returns the next retrievable parcel.
func (r *Router) PopNextInbound() *Parcel {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.inbound.Pop()
	if !ok {
		return nil
	}
	return p
}

// ConsumeNextInboundBytes trims n bytes off the front of the next parcel
// after a partial retrieval.
func (r *Router) ConsumeNextInboundBytes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := *r.inbound.Next()
	p.Consume(n)
	r.inbound.ReduceNextSize(n)
}

// NotifyLinkDisconnected severs every link riding the failed node link and
// treats each lost direction as closed at its current length.
func (r *Router) NotifyLinkDisconnected(nl *NodeLink) {
	r.mu.Lock()
	lostOutward := edgeRidesLink(&r.outward, nl)
	lostInward := edgeRidesLink(&r.inward, nl)
	if !lostOutward && !lostInward {
		r.mu.Unlock()
		return
	}
	r.disconnected = true
	if lostOutward {
		dropEdgeLinks(&r.outward, nl)
		r.peerClosed = true
		r.inbound.SetFinalLength(r.inbound.CurrentLength())
	}
	if lostInward {
		dropEdgeLinks(&r.inward, nl)
		r.outbound.SetFinalLength(r.outbound.CurrentLength())
	}
	var firings []func()
	if !r.proxyingLocked() {
		firings = r.traps.CollectFirings(r.statusLocked(), false)
	}
	r.mu.Unlock()
	for _, f := range firings {
		f()
	}
	r.Flush()
}

func edgeRidesLink(e *RouteEdge, nl *NodeLink) bool {
	for _, l := range []RouterLink{e.PrimaryLink(), e.DecayingLink()} {
		if l == nil {
			continue
		}
		if ln, _, ok := l.Remote(); ok && ln == nl {
			return true
		}
	}
	return false
}

func dropEdgeLinks(e *RouteEdge, nl *NodeLink) {
	if l := e.PrimaryLink(); l != nil {
		if ln, _, ok := l.Remote(); ok && ln == nl {
			e.ReleasePrimaryLink()
		}
	}
	if l := e.DecayingLink(); l != nil {
		if ln, _, ok := l.Remote(); ok && ln == nl {
			e.ReleaseDecayingLink()
		}
	}
}

// Flush transmits everything currently transmittable, propagates closures,
// retires finished decaying links, updates shared stability, and pushes
// proxy self-removal forward. Safe to call at any time.
func (r *Router) Flush() {
	type send struct {
		link RouterLink
		p    *Parcel
	}
	type closure struct {
		link   RouterLink
		length sequence.Number
	}
	var sends []send
	var closures []closure
	var dead []RouterLink
	var markStable RouterLink
	tryBypass := false

	r.mu.Lock()

	for r.outbound.HasNext() {
		l := r.outward.LinkForParcel(r.outbound.Base())
		if l == nil {
			break
		}
		p, _ := r.outbound.Pop()
		sends = append(sends, send{l, p})
	}

	if r.proxyingLocked() {
		for r.inbound.HasNext() {
			l := r.inward.LinkForParcel(r.inbound.Base())
			if l == nil {
				break
			}
			p, _ := r.inbound.Pop()
			sends = append(sends, send{l, p})
		}
	}

	if fl, ok := r.outbound.FinalLength(); ok && !r.closureOutboundSent && r.outbound.Base() == fl {
		if l := r.outward.PrimaryLink(); l != nil {
			r.closureOutboundSent = true
			closures = append(closures, closure{l, fl})
		}
	}
	if fl, ok := r.inbound.FinalLength(); ok && !r.closureInwardSent && r.proxyingLocked() && r.inbound.Base() == fl {
		if l := r.inward.PrimaryLink(); l != nil {
			r.closureInwardSent = true
			closures = append(closures, closure{l, fl})
		}
	}

	if l := r.outward.MaybeFinishDecay(r.outbound.Base(), r.inbound.CurrentLength()); l != nil {
		dead = append(dead, l)
	}
	if l := r.inward.MaybeFinishDecay(r.inbound.Base(), r.outbound.CurrentLength()); l != nil {
		dead = append(dead, l)
	}

	if ol := r.outward.PrimaryLink(); ol != nil && ol.Type() == LinkCentral &&
		r.outward.IsStable() && r.inward.IsStable() {
		markStable = ol
	}

	// A proxy with closures propagated in both directions and nothing
	// left to forward can drop out of the route entirely. A closed
	// terminal router likewise drops its outward link once its closure
	// is on the wire.
	if r.portalDetached && r.closureOutboundSent && r.outward.IsStable() && r.inward.IsStable() {
		inwardDone := r.inward.PrimaryLink() == nil || r.closureInwardSent
		if inwardDone {
			if l := r.outward.ReleasePrimaryLink(); l != nil {
				dead = append(dead, l)
			}
			if l := r.inward.ReleasePrimaryLink(); l != nil {
				dead = append(dead, l)
			}
		}
	}

	if r.portalDetached && !r.localClosed && !r.bypassInitiated && !r.disconnected &&
		r.inward.PrimaryLink() != nil && r.inward.IsStable() &&
		r.outward.IsStable() {
		if ol := r.outward.PrimaryLink(); ol != nil && ol.Type() == LinkCentral {
			tryBypass = true
		}
	}

	r.mu.Unlock()

	for _, s := range sends {
		s.link.AcceptParcel(s.p)
	}
	for _, c := range closures {
		c.link.AcceptRouteClosure(c.length)
	}
	if markStable != nil {
		markStable.MarkSideStable()
	}
	for _, l := range dead {
		l.Deactivate()
	}
	if tryBypass {
		r.maybeInitiateBypass()
	}
}

// maybeInitiateBypass starts cutting this proxying router out of its
// route: lock the central outward link, then run the bypass handshake
// suited to where the outward peer lives.
func (r *Router) maybeInitiateBypass() {
	r.mu.Lock()
	if r.bypassInitiated || r.localClosed || r.disconnected ||
		!r.portalDetached || !r.outward.IsStable() || !r.inward.IsStable() {
		r.mu.Unlock()
		return
	}
	ol := r.outward.PrimaryLink()
	il := r.inward.PrimaryLink()
	if ol == nil || il == nil || ol.Type() != LinkCentral {
		r.mu.Unlock()
		return
	}
	inNL, inSub, inRemote := il.Remote()
	if !inRemote {
		r.mu.Unlock()
		return
	}
	if lp := ol.LocalPeer(); lp != nil {
		r.mu.Unlock()
		r.bypassWithLocalPeer(lp, ol, il, inNL, inSub)
		return
	}
	target := inNL.RemoteName()
	if !ol.TryLockForBypass(target) {
		r.mu.Unlock()
		return
	}
	r.bypassInitiated = true
	r.mu.Unlock()
	r.logger().Debug("requesting proxy bypass",
		"target", target, "sublink", uint64(inSub))
	ol.RequestBypass(target, inSub)
}

// bypassWithLocalPeer removes this proxy when its outward peer lives on
// the same node: the peer gets a fresh central link straight to the
// proxy's inward peer.
func (r *Router) bypassWithLocalPeer(peer *Router, ol, il RouterLink, inNL *NodeLink, inSub wire.SublinkId) {
	if !ol.TryLockForBypass(r.node.Name()) {
		return
	}
	newSublink := inNL.Memory().AllocateSublink()
	stateFrag := inNL.Memory().AllocateRouterLinkState()
	if stateFrag.IsNull() {
		ol.Unlock()
		return
	}

	peer.mu.Lock()
	lengthToInward := peer.outbound.CurrentLength()
	peer.outward.BeginPrimaryLinkDecay()
	peer.outward.SetLengthTo(lengthToInward)
	newLink := NewRemoteRouterLink(inNL, newSublink, LinkCentral, wire.SideA, stateFrag.Descriptor)
	peer.outward.SetPrimaryLink(newLink)
	peer.mu.Unlock()
	inNL.AddSublink(newSublink, peer, newLink)

	r.mu.Lock()
	r.bypassInitiated = true
	r.inward.BeginPrimaryLinkDecay()
	r.inward.SetLengthTo(lengthToInward)
	r.outward.BeginPrimaryLinkDecay()
	r.outward.SetLengthFrom(lengthToInward)
	r.mu.Unlock()

	il.BypassWithLink(newSublink, stateFrag.Descriptor, lengthToInward)
	peer.Flush()
	r.Flush()
}

// HandleBypassRequest runs on the proxy's outward peer when the proxy
// asks to be cut out. The new direct link goes to msg.TargetNode, which
// must match the grant the proxy wrote into the shared link state.
func (r *Router) HandleBypassRequest(nl *NodeLink, msg *wire.BypassPeer) {
	r.mu.Lock()
	ol := r.outward.PrimaryLink()
	if ol == nil || !ol.CanNodeRequestBypass(msg.TargetNode) {
		r.mu.Unlock()
		r.logger().Warn("rejecting bypass request with no matching grant",
			"target", msg.TargetNode)
		return
	}
	if msg.TargetNode == r.node.Name() {
		r.mu.Unlock()
		r.bypassToLocalTarget(nl, ol, msg)
		return
	}
	r.mu.Unlock()

	r.node.EstablishLink(msg.TargetNode, func(direct *NodeLink) {
		if direct == nil {
			r.logger().Warn("bypass abandoned, no link to target",
				"target", msg.TargetNode)
			return
		}
		r.mu.Lock()
		if r.outward.PrimaryLink() != ol {
			r.mu.Unlock()
			return
		}
		sent := r.outbound.CurrentLength()
		newSublink := direct.Memory().AllocateSublink()
		stateFrag := direct.Memory().AllocateRouterLinkState()
		if stateFrag.IsNull() {
			r.mu.Unlock()
			return
		}
		r.outward.BeginPrimaryLinkDecay()
		r.outward.SetLengthTo(sent)
		newLink := NewRemoteRouterLink(direct, newSublink, LinkCentral, wire.SideA, stateFrag.Descriptor)
		r.outward.SetPrimaryLink(newLink)
		r.mu.Unlock()
		direct.AddSublink(newSublink, r, newLink)

		direct.send(&wire.AcceptBypassLink{
			BypassedPeerNode:          nl.RemoteName(),
			BypassedPeerSublink:       msg.TargetSublink,
			NewSublink:                newSublink,
			NewLinkState:              stateFrag.Descriptor,
			InboundLengthFromBypassed: sent,
		})
		r.Flush()
	})
}

// bypassToLocalTarget handles a bypass whose new peer lives on this node:
// the replacement link is local.
func (r *Router) bypassToLocalTarget(nl *NodeLink, ol RouterLink, msg *wire.BypassPeer) {
	target, _ := nl.GetRouterAndLink(msg.TargetSublink)
	if target == nil {
		r.logger().Warn("bypass target sublink not bound", "sublink", uint64(msg.TargetSublink))
		return
	}

	shared := &localLinkShared{state: NewHeapLinkState()}
	shared.routers[wire.SideA] = r
	shared.routers[wire.SideB] = target
	myLink := &LocalRouterLink{side: wire.SideA, shared: shared}
	targetLink := &LocalRouterLink{side: wire.SideB, shared: shared}

	r.mu.Lock()
	sent := r.outbound.CurrentLength()
	r.outward.BeginPrimaryLinkDecay()
	r.outward.SetLengthTo(sent)
	r.mu.Unlock()

	target.mu.Lock()
	targetSent := target.outbound.CurrentLength()
	target.outward.BeginPrimaryLinkDecay()
	target.outward.SetLengthTo(targetSent)
	target.outward.SetLengthFrom(sent)
	target.outward.SetPrimaryLink(targetLink)
	target.mu.Unlock()

	r.mu.Lock()
	r.outward.SetLengthFrom(targetSent)
	r.outward.SetPrimaryLink(myLink)
	r.mu.Unlock()

	shared.state.MarkSideStable(wire.SideA)
	shared.state.MarkSideStable(wire.SideB)

	ol.StopProxying(targetSent, sent)
	r.Flush()
	target.Flush()
}

// HandleBypassWithLink runs on the inward peer of a proxy whose outward
// peer shares the proxy's node. The message carries the replacement
// central link to that peer.
func (r *Router) HandleBypassWithLink(nl *NodeLink, msg *wire.BypassPeerWithLink) {
	r.mu.Lock()
	old := r.outward.PrimaryLink()
	if old == nil {
		r.mu.Unlock()
		return
	}
	if ln, sub, ok := old.Remote(); !ok || ln != nl || sub != msg.Sublink {
		r.mu.Unlock()
		return
	}
	sent := r.outbound.CurrentLength()
	r.outward.BeginPrimaryLinkDecay()
	r.outward.SetLengthTo(sent)
	r.outward.SetLengthFrom(msg.InboundLength)
	newLink := NewRemoteRouterLink(nl, msg.NewSublink, LinkCentral, wire.SideB, msg.NewLinkState)
	r.outward.SetPrimaryLink(newLink)
	r.mu.Unlock()
	nl.AddSublink(msg.NewSublink, r, newLink)

	old.StopProxyingToLocalPeer(sent)
	r.Flush()
}

// HandleAcceptBypassLink runs on the inward peer of a bypassed proxy: the
// proxy's outward peer built a direct link and reports how much still
// arrives by the old path.
func (r *Router) HandleAcceptBypassLink(nl *NodeLink, msg *wire.AcceptBypassLink) {
	r.mu.Lock()
	old := r.outward.PrimaryLink()
	if old == nil {
		r.mu.Unlock()
		return
	}
	oldNL, oldSub, ok := old.Remote()
	if !ok || oldNL.RemoteName() != msg.BypassedPeerNode || oldSub != msg.BypassedPeerSublink {
		r.mu.Unlock()
		r.logger().Warn("ignoring bypass link for unknown proxy",
			"node", msg.BypassedPeerNode)
		return
	}
	sent := r.outbound.CurrentLength()
	r.outward.BeginPrimaryLinkDecay()
	r.outward.SetLengthTo(sent)
	r.outward.SetLengthFrom(msg.InboundLengthFromBypassed)
	newLink := NewRemoteRouterLink(nl, msg.NewSublink, LinkCentral, wire.SideB, msg.NewLinkState)
	r.outward.SetPrimaryLink(newLink)
	r.mu.Unlock()
	nl.AddSublink(msg.NewSublink, r, newLink)

	old.StopProxying(sent, msg.InboundLengthFromBypassed)
	r.Flush()
}

// HandleStopProxying fixes, on the proxy, the final lengths of both
// directions through it.
func (r *Router) HandleStopProxying(outbound, inbound sequence.Number) {
	r.mu.Lock()
	r.outward.BeginPrimaryLinkDecay()
	r.outward.SetLengthTo(outbound)
	r.outward.SetLengthFrom(inbound)
	r.inward.BeginPrimaryLinkDecay()
	r.inward.SetLengthTo(inbound)
	r.inward.SetLengthFrom(outbound)
	ol := r.outward.DecayingLink()
	r.mu.Unlock()
	if ol != nil {
		ol.ProxyWillStop(outbound)
	}
	r.Flush()
}

// HandleProxyWillStop fixes, on the bypassed proxy's outward peer, how
// much still arrives over the decaying link.
func (r *Router) HandleProxyWillStop(outbound sequence.Number) {
	r.mu.Lock()
	r.outward.SetLengthFrom(outbound)
	r.mu.Unlock()
	r.Flush()
}

// HandleStopProxyingToLocalPeer completes the local-peer bypass on the
// proxy: the inward peer reports its outbound cutoff, which also bounds
// what the local outward peer still receives.
func (r *Router) HandleStopProxyingToLocalPeer(outbound sequence.Number) {
	r.mu.Lock()
	r.outward.SetLengthTo(outbound)
	r.inward.SetLengthFrom(outbound)
	var peer *Router
	if l := r.outward.DecayingLink(); l != nil {
		peer = l.LocalPeer()
	}
	r.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		peer.outward.SetLengthFrom(outbound)
		peer.mu.Unlock()
		peer.Flush()
	}
	r.Flush()
}

// SerializeNewRouter captures this router's route state for re-creation
// on the node behind nl and turns this router into a proxy toward the new
// location. The caller transmits the descriptor inside a parcel; the
// sublink it names is bound here before returning, which is safe because
// nothing arrives on it until the descriptor lands.
func (r *Router) SerializeNewRouter(nl *NodeLink) wire.RouterDescriptor {
	sub := nl.Memory().AllocateSublink()

	r.mu.Lock()
	r.portalDetached = true
	d := wire.RouterDescriptor{
		NewSublink:   sub,
		NewLinkState: fragment.NullDescriptor(),
		NextOutgoing: r.outbound.CurrentLength(),
		NextIncoming: r.inbound.Base(),
		PeerClosed:   r.peerClosed,
	}
	if fl, ok := r.inbound.FinalLength(); ok {
		d.ClosedPeerLength = fl
	}
	inwardLink := NewRemoteRouterLink(nl, sub, LinkPeripheralInward, wire.SideA, fragment.NullDescriptor())
	r.inward.SetPrimaryLink(inwardLink)
	r.mu.Unlock()

	nl.AddSublink(sub, r, inwardLink)
	return d
}

// DeserializeNewRouter inflates a router moved here from the node behind
// nl.
func DeserializeNewRouter(node *Node, nl *NodeLink, d wire.RouterDescriptor) *Router {
	r := NewRouter(node)
	r.outbound.ResetBase(d.NextOutgoing)
	r.inbound.ResetBase(d.NextIncoming)
	if d.PeerClosed {
		r.peerClosed = true
		r.inbound.SetFinalLength(d.ClosedPeerLength)
	}
	outwardLink := NewRemoteRouterLink(nl, d.NewSublink, LinkPeripheralOutward, wire.SideB, fragment.NullDescriptor())
	r.outward.SetPrimaryLink(outwardLink)
	nl.AddSublink(d.NewSublink, r, outwardLink)
	return r
}
