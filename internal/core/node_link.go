package core

import (
	"sync"
	"sync/atomic"

	"github.com/tramalabs/trama/driver"
	"github.com/tramalabs/trama/internal/fragment"
	"github.com/tramalabs/trama/internal/wire"
)

// maxFragmentParcelSize bounds parcel payloads placed in shared memory.
// Larger payloads travel inline in the transmission.
const maxFragmentParcelSize = 2048

// blocksPerGrownBuffer sizes the buffers minted when a block size class
// runs dry.
const blocksPerGrownBuffer = 64

type sublinkEntry struct {
	router *Router
	link   *RemoteRouterLink
}

// A NodeLink is this node's end of one transport to another node. It
// multiplexes any number of router-to-router links over the transport,
// each on its own sublink, and carries the node-level control messages
// (introductions, buffer announcements) beside them.
type NodeLink struct {
	node      *Node
	side      wire.LinkSide
	transport driver.Transport

	memory atomic.Pointer[NodeLinkMemory]

	mu         sync.Mutex
	remoteName wire.NodeName
	sublinks   map[wire.SublinkId]*sublinkEntry
	mappings   []driver.Mapping
	retained   []driver.Object
	failed     bool

	// sendMu serializes transmissions so buffer announcements always
	// precede parcels that reference the announced buffer.
	sendMu sync.Mutex
}

// NewNodeLink wraps one end of a transport. The link is inert until
// Activate; the remote name and shared memory may be filled in by the
// connect handshake rather than up front.
func NewNodeLink(node *Node, side wire.LinkSide, transport driver.Transport) *NodeLink {
	return &NodeLink{
		node:      node,
		side:      side,
		transport: transport,
		sublinks:  make(map[wire.SublinkId]*sublinkEntry),
	}
}

// Activate starts delivery of incoming transmissions.
func (nl *NodeLink) Activate() error {
	return nl.transport.Activate(nl)
}

// Side is this end's side of the link.
func (nl *NodeLink) Side() wire.LinkSide { return nl.side }

// RemoteName is the name of the node on the other end, zero until the
// handshake supplies it.
func (nl *NodeLink) RemoteName() wire.NodeName {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return nl.remoteName
}

// SetRemoteName records the peer's name learned from the handshake.
func (nl *NodeLink) SetRemoteName(n wire.NodeName) {
	nl.mu.Lock()
	nl.remoteName = n
	nl.mu.Unlock()
}

// Memory is the link's shared memory manager, nil before the handshake
// establishes the primary buffer.
func (nl *NodeLink) Memory() *NodeLinkMemory { return nl.memory.Load() }

// AdoptMemory installs the link's shared memory manager and wires its
// growth path. mapping keeps the primary buffer mapped for the life of
// the link.
func (nl *NodeLink) AdoptMemory(m *NodeLinkMemory, mapping driver.Mapping) {
	m.SetGrowHandler(nl.growPool)
	nl.memory.Store(m)
	nl.trackMapping(mapping)
}

// retain keeps a driver object alive for the life of the link.
func (nl *NodeLink) retain(o driver.Object) {
	nl.mu.Lock()
	nl.retained = append(nl.retained, o)
	nl.mu.Unlock()
}

func (nl *NodeLink) trackMapping(mp driver.Mapping) {
	if mp == nil {
		return
	}
	nl.mu.Lock()
	nl.mappings = append(nl.mappings, mp)
	nl.mu.Unlock()
}

// AddSublink binds a router and its link handle to a sublink.
func (nl *NodeLink) AddSublink(sub wire.SublinkId, r *Router, l *RemoteRouterLink) {
	nl.mu.Lock()
	nl.sublinks[sub] = &sublinkEntry{router: r, link: l}
	nl.mu.Unlock()
}

// RemoveSublink unbinds a sublink.
func (nl *NodeLink) RemoveSublink(sub wire.SublinkId) {
	nl.mu.Lock()
	delete(nl.sublinks, sub)
	nl.mu.Unlock()
}

// GetRouterAndLink returns the router and link bound to a sublink, nils
// when unbound.
func (nl *NodeLink) GetRouterAndLink(sub wire.SublinkId) (*Router, *RemoteRouterLink) {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	e := nl.sublinks[sub]
	if e == nil {
		return nil, nil
	}
	return e.router, e.link
}

func (nl *NodeLink) entry(sub wire.SublinkId) *sublinkEntry {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return nl.sublinks[sub]
}

func (nl *NodeLink) isFailed() bool {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return nl.failed
}

func (nl *NodeLink) send(m wire.Message) { nl.sendWithObjects(m, nil) }

func (nl *NodeLink) sendWithObjects(m wire.Message, objects []driver.Object) {
	nl.sendMu.Lock()
	defer nl.sendMu.Unlock()
	if nl.isFailed() {
		closeObjects(objects)
		return
	}
	if err := nl.transport.Transmit(wire.Marshal(m), objects); err != nil {
		nl.node.Log().Warn("node link transmit failed",
			"remote", nl.RemoteName(), "err", err)
		nl.fail(err)
	}
}

func closeObjects(objects []driver.Object) {
	for _, o := range objects {
		if o != nil {
			o.Close()
		}
	}
}

// SendParcel transmits one parcel on a sublink. Portal attachments are
// serialized into router descriptors and their routers become proxies;
// boxed objects ride the transmission. Small payloads go through shared
// memory when a fragment is available.
func (nl *NodeLink) SendParcel(sub wire.SublinkId, p *Parcel) {
	msg := &wire.AcceptParcel{
		Sublink:      sub,
		SequenceNum:  p.SeqNum,
		FragmentData: fragment.NullDescriptor(),
	}
	var objects []driver.Object
	for _, a := range p.TakeAttachments() {
		switch a.Kind {
		case AttachedRouter:
			msg.Handles = append(msg.Handles, wire.HandlePortal)
			msg.Routers = append(msg.Routers, a.Router.SerializeNewRouter(nl))
		case AttachedBox:
			msg.Handles = append(msg.Handles, wire.HandleBox)
			objects = append(objects, a.Box)
		}
	}

	data := p.Data()
	if mem := nl.Memory(); mem != nil && len(data) > 0 && len(data) <= maxFragmentParcelSize {
		if f := mem.Allocate(uint32(len(data))); !f.IsNull() {
			copy(f.Bytes, data)
			msg.FragmentData = f.Descriptor
		}
	}
	if msg.FragmentData.IsNull() {
		msg.Data = data
	}

	nl.sendWithObjects(msg, objects)
	p.Release()
}

// growPool services an exhausted block size class: mint a driver buffer,
// announce it to the peer, then register it locally. The announcement
// goes out before registration so no parcel referencing the buffer can
// precede it on the in-order transport.
func (nl *NodeLink) growPool(blockSize int) {
	mem := nl.Memory()
	if mem == nil {
		return
	}
	size := blockSize * blocksPerGrownBuffer
	buf, err := nl.node.Driver().NewMemory(size)
	if err != nil {
		nl.node.Log().Warn("cannot grow link memory", "blockSize", blockSize, "err", err)
		return
	}
	mapping, err := buf.Map()
	if err != nil {
		nl.node.Log().Warn("cannot map grown buffer", "err", err)
		buf.Close()
		return
	}
	id := mem.NextBufferId()

	nl.sendMu.Lock()
	if nl.isFailed() {
		nl.sendMu.Unlock()
		mapping.Unmap()
		buf.Close()
		return
	}
	err = nl.transport.Transmit(
		wire.Marshal(&wire.AddBlockBuffer{Buffer: id, BlockSize: uint32(blockSize)}),
		[]driver.Object{buf})
	if err == nil {
		mem.RegisterBlockBuffer(id, mapping.Bytes(), blockSize, true)
	}
	nl.sendMu.Unlock()

	if err != nil {
		mapping.Unmap()
		nl.fail(err)
		return
	}
	nl.trackMapping(mapping)
}

// OnTransmission implements driver.Handler.
func (nl *NodeLink) OnTransmission(data []byte, objects []driver.Object) {
	m, err := wire.Unmarshal(data)
	if err != nil {
		if err == wire.ErrUnknownMessage {
			closeObjects(objects)
			return
		}
		nl.node.Log().Warn("malformed transmission", "remote", nl.RemoteName(), "err", err)
		closeObjects(objects)
		nl.fail(err)
		return
	}

	switch msg := m.(type) {
	case *wire.ConnectFromBrokerToNonBroker, *wire.ConnectFromNonBrokerToBroker:
		nl.node.handleConnect(nl, m, objects)

	case *wire.RequestIndirectConnection:
		nl.node.handleRequestIndirectConnection(nl, msg, objects)
	case *wire.AcceptIndirectConnection:
		nl.node.handleAcceptIndirectConnection(nl, msg, objects)
	case *wire.RequestIntroduction:
		nl.node.handleRequestIntroduction(nl, msg)
	case *wire.AcceptIntroduction:
		nl.node.handleAcceptIntroduction(nl, msg, objects)
	case *wire.RejectIntroduction:
		nl.node.handleRejectIntroduction(nl, msg)

	case *wire.AddBlockBuffer:
		nl.handleAddBlockBuffer(msg, objects)

	case *wire.AcceptParcel:
		nl.handleAcceptParcel(msg, objects)

	case *wire.RouteClosed:
		if e := nl.entry(msg.Sublink); e != nil {
			if e.link.Type() == LinkPeripheralInward {
				e.router.AcceptOutboundClosure(msg.SequenceLength)
			} else {
				e.router.AcceptRouteClosure(msg.SequenceLength)
			}
		}

	case *wire.BypassPeer:
		if e := nl.entry(msg.Sublink); e != nil {
			e.router.HandleBypassRequest(nl, msg)
		}
	case *wire.AcceptBypassLink:
		nl.handleAcceptBypassLink(msg)
	case *wire.StopProxying:
		if e := nl.entry(msg.Sublink); e != nil {
			e.router.HandleStopProxying(msg.OutboundLength, msg.InboundLength)
		}
	case *wire.ProxyWillStop:
		if e := nl.entry(msg.Sublink); e != nil {
			e.router.HandleProxyWillStop(msg.OutboundLength)
		}
	case *wire.BypassPeerWithLink:
		if e := nl.entry(msg.Sublink); e != nil {
			e.router.HandleBypassWithLink(nl, msg)
		}
	case *wire.StopProxyingToLocalPeer:
		if e := nl.entry(msg.Sublink); e != nil {
			e.router.HandleStopProxyingToLocalPeer(msg.OutboundLength)
		}
	case *wire.FlushRouter:
		if e := nl.entry(msg.Sublink); e != nil {
			e.router.Flush()
		}
	}
}

func (nl *NodeLink) handleAddBlockBuffer(msg *wire.AddBlockBuffer, objects []driver.Object) {
	if len(objects) != 1 {
		nl.node.Log().Warn("block buffer announcement without its buffer")
		closeObjects(objects)
		return
	}
	buf, ok := objects[0].(driver.Memory)
	if !ok {
		nl.node.Log().Warn("block buffer announcement carried a non-memory object")
		closeObjects(objects)
		return
	}
	mem := nl.Memory()
	if mem == nil {
		buf.Close()
		return
	}
	mapping, err := buf.Map()
	if err != nil {
		nl.node.Log().Warn("cannot map announced buffer", "err", err)
		buf.Close()
		return
	}
	if !mem.RegisterBlockBuffer(msg.Buffer, mapping.Bytes(), int(msg.BlockSize), false) {
		mapping.Unmap()
		buf.Close()
		return
	}
	nl.trackMapping(mapping)
	nl.retain(buf)
}

func (nl *NodeLink) handleAcceptParcel(msg *wire.AcceptParcel, objects []driver.Object) {
	attachments, ok := nl.inflateAttachments(msg, objects)
	if !ok {
		closeObjects(objects)
		return
	}

	var p *Parcel
	if !msg.FragmentData.IsNull() {
		mem := nl.Memory()
		if mem == nil {
			nl.node.Log().Warn("fragment parcel before link memory established")
			closeAttachments(attachments)
			return
		}
		f := mem.Resolve(msg.FragmentData)
		if f.IsNull() || f.IsPending() {
			nl.node.Log().Warn("fragment parcel references unknown memory",
				"buffer", uint64(msg.FragmentData.Buffer))
			closeAttachments(attachments)
			return
		}
		p = NewFragmentParcel(msg.SequenceNum, f, mem.Pool(), attachments)
	} else {
		p = NewParcel(msg.SequenceNum, msg.Data, attachments)
	}

	e := nl.entry(msg.Sublink)
	if e == nil {
		nl.node.Log().Debug("parcel for unbound sublink dropped",
			"sublink", uint64(msg.Sublink))
		p.Release()
		return
	}
	if e.link.Type() == LinkPeripheralInward {
		e.router.AcceptOutboundParcel(p)
	} else {
		e.router.AcceptInboundParcel(p)
	}
}

// inflateAttachments rebuilds a parcel's attachments from its handle
// list: moved portals from router descriptors, boxes from the
// transmission's driver objects in handle order.
func (nl *NodeLink) inflateAttachments(msg *wire.AcceptParcel, objects []driver.Object) ([]Attachment, bool) {
	if len(msg.Handles) == 0 {
		return nil, len(objects) == 0
	}
	attachments := make([]Attachment, 0, len(msg.Handles))
	nextRouter, nextObject := 0, 0
	for _, h := range msg.Handles {
		switch h {
		case wire.HandlePortal:
			if nextRouter >= len(msg.Routers) {
				return nil, false
			}
			r := DeserializeNewRouter(nl.node, nl, msg.Routers[nextRouter])
			nextRouter++
			attachments = append(attachments, Attachment{Kind: AttachedRouter, Router: r})
		case wire.HandleBox:
			if nextObject >= len(objects) {
				return nil, false
			}
			attachments = append(attachments, Attachment{Kind: AttachedBox, Box: objects[nextObject]})
			nextObject++
		default:
			return nil, false
		}
	}
	return attachments, true
}

func (nl *NodeLink) handleAcceptBypassLink(msg *wire.AcceptBypassLink) {
	oldNL := nl.node.GetLink(msg.BypassedPeerNode)
	if oldNL == nil {
		nl.node.Log().Warn("bypass link names an unknown proxy node",
			"node", msg.BypassedPeerNode)
		return
	}
	r, _ := oldNL.GetRouterAndLink(msg.BypassedPeerSublink)
	if r == nil {
		nl.node.Log().Warn("bypass link names an unbound proxy sublink",
			"sublink", uint64(msg.BypassedPeerSublink))
		return
	}
	r.HandleAcceptBypassLink(nl, msg)
}

// OnError implements driver.Handler.
func (nl *NodeLink) OnError(err error) {
	nl.node.Log().Warn("node link failed", "remote", nl.RemoteName(), "err", err)
	nl.fail(err)
}

// fail marks the link dead, disconnects every bound router, and tells
// the node. Idempotent.
func (nl *NodeLink) fail(err error) {
	nl.mu.Lock()
	if nl.failed {
		nl.mu.Unlock()
		return
	}
	nl.failed = true
	routers := make([]*Router, 0, len(nl.sublinks))
	for _, e := range nl.sublinks {
		routers = append(routers, e.router)
	}
	nl.mu.Unlock()

	for _, r := range routers {
		r.NotifyLinkDisconnected(nl)
	}
	nl.node.handleLinkFailure(nl, err)
}

// Close tears the link down: delivery stops, bound routers observe a
// disconnect, and every mapping and retained object is released.
func (nl *NodeLink) Close() error {
	nl.transport.Deactivate()
	nl.fail(errLinkClosed)
	err := nl.transport.Close()

	nl.mu.Lock()
	mappings := nl.mappings
	retained := nl.retained
	nl.mappings = nil
	nl.retained = nil
	nl.mu.Unlock()
	for _, mp := range mappings {
		mp.Unmap()
	}
	closeObjects(retained)
	return err
}
