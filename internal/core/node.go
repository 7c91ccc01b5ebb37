package core

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tramalabs/trama/driver"
	"github.com/tramalabs/trama/internal/wire"
)

var (
	errLinkClosed = errors.New("core: node link closed")

	// ErrTooManyInitialPortals rejects connect calls asking for more
	// initial portals than a link has pre-assigned sublinks for.
	ErrTooManyInitialPortals = errors.New("core: too many initial portals")

	// ErrNoBroker rejects operations that need a broker link before one
	// is established.
	ErrNoBroker = errors.New("core: not connected to a broker")

	// ErrReferralPending rejects a second concurrent referral connect.
	ErrReferralPending = errors.New("core: a referral connection is already pending")
)

// maxInitialPortals bounds initial portals per link to the fixed
// link-state cells of the primary buffer.
const maxInitialPortals = numFixedLinkStates

// referralState is a non-broker's one outstanding connect-via-referral:
// routers waiting for the broker to name the other side and hand over
// the direct link.
type referralState struct {
	routers []*Router
}

// indirectReferral is the broker's record of one adopted referral
// transport: who asked for it and how many portals they opened.
type indirectReferral struct {
	requestId        uint64
	requester        *NodeLink
	requesterPortals uint32
}

// A Node is one participant in the fabric. A broker node names the other
// nodes it connects and introduces them to each other; a non-broker
// reaches everything through its broker.
type Node struct {
	isBroker bool
	driver   driver.Driver
	log      *slog.Logger

	mu             sync.Mutex
	name           wire.NodeName
	broker         *NodeLink
	links          map[wire.NodeName]*NodeLink
	initialRouters map[*NodeLink][]*Router
	pendingIntros  map[wire.NodeName][]func(*NodeLink)
	introRequested map[wire.NodeName]bool

	referral         *referralState
	pendingIndirect  map[uint64][]*Router
	adoptedReferrals map[*NodeLink]*indirectReferral
	nextRequest      uint64

	closed bool
}

// NewNode creates a node. A broker names itself; a non-broker stays
// nameless until its broker assigns one during the connect handshake.
func NewNode(isBroker bool, drv driver.Driver, log *slog.Logger) *Node {
	n := &Node{
		isBroker:         isBroker,
		driver:           drv,
		log:              log,
		links:            make(map[wire.NodeName]*NodeLink),
		initialRouters:   make(map[*NodeLink][]*Router),
		pendingIntros:    make(map[wire.NodeName][]func(*NodeLink)),
		introRequested:   make(map[wire.NodeName]bool),
		pendingIndirect:  make(map[uint64][]*Router),
		adoptedReferrals: make(map[*NodeLink]*indirectReferral),
	}
	if isBroker {
		n.name = newNodeName()
	}
	return n
}

func newNodeName() wire.NodeName { return wire.NodeName(uuid.New()) }

// Name is this node's fabric name, zero for a non-broker that has not
// completed its broker handshake.
func (n *Node) Name() wire.NodeName {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// IsBroker reports the node's role.
func (n *Node) IsBroker() bool { return n.isBroker }

// Log is the node's logger.
func (n *Node) Log() *slog.Logger { return n.log }

// Driver is the I/O layer the node runs on.
func (n *Node) Driver() driver.Driver { return n.driver }

// GetLink returns the live link to the named node, nil when none.
func (n *Node) GetLink(name wire.NodeName) *NodeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[name]
}

// ConnectNode connects this node to the peer on the other end of the
// transport and returns the routers backing numPortals initial portals,
// paired index-for-index with the peer's. On a broker the peer must be a
// non-broker, and vice versa.
func (n *Node) ConnectNode(t driver.Transport, numPortals int) ([]*Router, error) {
	if numPortals < 0 || numPortals > maxInitialPortals {
		return nil, ErrTooManyInitialPortals
	}
	if n.isBroker {
		return n.connectAsBroker(t, numPortals)
	}
	return n.connectToBroker(t, numPortals)
}

func (n *Node) connectAsBroker(t driver.Transport, numPortals int) ([]*Router, error) {
	mem, mapping, buf, err := n.newPrimaryBuffer()
	if err != nil {
		return nil, err
	}

	peerName := newNodeName()
	nl := NewNodeLink(n, wire.SideA, t)
	nl.SetRemoteName(peerName)
	nl.AdoptMemory(NewNodeLinkMemory(wire.SideA, mem, true), mapping)

	routers := n.bindInitialPortals(nl, numPortals)
	n.mu.Lock()
	n.links[peerName] = nl
	n.initialRouters[nl] = routers
	n.mu.Unlock()

	nl.sendWithObjects(&wire.ConnectFromBrokerToNonBroker{
		BrokerName:        n.Name(),
		ReceiverName:      peerName,
		ProtocolVersion:   wire.ProtocolVersion,
		NumInitialPortals: uint32(numPortals),
	}, []driver.Object{buf})

	if err := nl.Activate(); err != nil {
		return nil, err
	}
	n.log.Debug("connected a node", "peer", peerName, "portals", numPortals)
	return routers, nil
}

func (n *Node) connectToBroker(t driver.Transport, numPortals int) ([]*Router, error) {
	nl := NewNodeLink(n, wire.SideB, t)
	routers := n.bindInitialPortals(nl, numPortals)

	n.mu.Lock()
	n.broker = nl
	n.initialRouters[nl] = routers
	n.mu.Unlock()

	nl.send(&wire.ConnectFromNonBrokerToBroker{
		ProtocolVersion:   wire.ProtocolVersion,
		NumInitialPortals: uint32(numPortals),
	})
	if err := nl.Activate(); err != nil {
		return nil, err
	}
	return routers, nil
}

// bindInitialPortals creates numPortals terminal routers, each bound to
// its pre-assigned sublink and fixed link-state cell.
func (n *Node) bindInitialPortals(nl *NodeLink, numPortals int) []*Router {
	routers := make([]*Router, numPortals)
	for i := range routers {
		r := NewRouter(n)
		l := NewRemoteRouterLink(nl, wire.SublinkId(i), LinkCentral, nl.Side(), InitialLinkStateDescriptor(i))
		r.setOutwardLink(l)
		nl.AddSublink(wire.SublinkId(i), r, l)
		routers[i] = r
	}
	return routers
}

// newPrimaryBuffer allocates and maps a fresh primary buffer; the caller
// formats it through NewNodeLinkMemory with initialize=true.
// The returned Memory object is for transmitting to the peer.
func (n *Node) newPrimaryBuffer() (bytes []byte, mapping driver.Mapping, buf driver.Memory, err error) {
	local, err := n.driver.NewMemory(PrimaryBufferSize)
	if err != nil {
		return nil, nil, nil, err
	}
	mapping, err = local.Map()
	if err != nil {
		local.Close()
		return nil, nil, nil, err
	}
	return mapping.Bytes(), mapping, local, nil
}

// handleConnect completes a link handshake. The broker half carries the
// primary buffer as object 0 and assigns the receiver its name.
func (n *Node) handleConnect(nl *NodeLink, m wire.Message, objects []driver.Object) {
	switch msg := m.(type) {
	case *wire.ConnectFromBrokerToNonBroker:
		if n.isBroker {
			n.log.Warn("broker handshake received by a broker")
			closeObjects(objects)
			nl.fail(errLinkClosed)
			return
		}
		if len(objects) != 1 {
			n.log.Warn("broker handshake without its primary buffer")
			closeObjects(objects)
			nl.fail(errLinkClosed)
			return
		}
		buf, ok := objects[0].(driver.Memory)
		if !ok {
			closeObjects(objects)
			nl.fail(errLinkClosed)
			return
		}
		mapping, err := buf.Map()
		if err != nil {
			n.log.Warn("cannot map primary buffer", "err", err)
			buf.Close()
			nl.fail(err)
			return
		}
		nl.AdoptMemory(NewNodeLinkMemory(wire.SideB, mapping.Bytes(), false), mapping)
		nl.retain(buf)
		nl.SetRemoteName(msg.BrokerName)

		n.mu.Lock()
		if n.name.IsZero() {
			n.name = msg.ReceiverName
		}
		n.links[msg.BrokerName] = nl
		routers := n.initialRouters[nl]
		delete(n.initialRouters, nl)
		n.mu.Unlock()

		n.log.Debug("connected to broker",
			"broker", msg.BrokerName, "name", msg.ReceiverName)
		n.settleInitialPortals(routers, int(msg.NumInitialPortals))

	case *wire.ConnectFromNonBrokerToBroker:
		if !n.isBroker {
			n.log.Warn("non-broker handshake received by a non-broker")
			closeObjects(objects)
			nl.fail(errLinkClosed)
			return
		}
		closeObjects(objects)

		n.mu.Lock()
		ref := n.adoptedReferrals[nl]
		delete(n.adoptedReferrals, nl)
		routers := n.initialRouters[nl]
		delete(n.initialRouters, nl)
		n.mu.Unlock()

		if ref != nil {
			n.completeReferral(nl, ref, msg.NumInitialPortals)
			return
		}
		n.settleInitialPortals(routers, int(msg.NumInitialPortals))
	}
}

// settleInitialPortals reconciles this side's initial portals with the
// count the peer opened: matched pairs flush into service, the excess
// observe an immediately-closed peer.
func (n *Node) settleInitialPortals(routers []*Router, peerCount int) {
	for i, r := range routers {
		if i < peerCount {
			r.Flush()
		} else {
			r.AcceptRouteClosure(0)
		}
	}
}

// EstablishLink hands fn the link to the named node, asking the broker
// for an introduction when none exists yet. fn receives nil when the
// node cannot be reached.
func (n *Node) EstablishLink(name wire.NodeName, fn func(*NodeLink)) {
	n.mu.Lock()
	if nl := n.links[name]; nl != nil {
		n.mu.Unlock()
		fn(nl)
		return
	}
	if n.isBroker || n.broker == nil {
		n.mu.Unlock()
		fn(nil)
		return
	}
	broker := n.broker
	n.pendingIntros[name] = append(n.pendingIntros[name], fn)
	request := !n.introRequested[name]
	n.introRequested[name] = true
	n.mu.Unlock()

	if request {
		broker.send(&wire.RequestIntroduction{Name: name})
	}
}

// handleRequestIntroduction runs on the broker: mint a transport pair
// and a primary buffer, and hand one end to each of the two nodes being
// introduced. The requester takes side A.
func (n *Node) handleRequestIntroduction(nl *NodeLink, msg *wire.RequestIntroduction) {
	target := n.GetLink(msg.Name)
	if target == nil || msg.Name == n.Name() {
		nl.send(&wire.RejectIntroduction{Name: msg.Name})
		return
	}

	t1, t2, mem1, mem2, err := n.mintIntroduction()
	if err != nil {
		n.log.Warn("cannot mint introduction", "err", err)
		nl.send(&wire.RejectIntroduction{Name: msg.Name})
		return
	}
	n.log.Debug("introducing nodes",
		"requester", nl.RemoteName(), "target", msg.Name)
	nl.sendWithObjects(&wire.AcceptIntroduction{
		Name:            msg.Name,
		Side:            wire.SideA,
		ProtocolVersion: wire.ProtocolVersion,
	}, []driver.Object{t1, mem1})
	target.sendWithObjects(&wire.AcceptIntroduction{
		Name:            nl.RemoteName(),
		Side:            wire.SideB,
		ProtocolVersion: wire.ProtocolVersion,
	}, []driver.Object{t2, mem2})
}

// mintIntroduction builds the pieces of one introduction: a connected
// transport pair and two references to one formatted primary buffer.
func (n *Node) mintIntroduction() (t1, t2 driver.Transport, mem1, mem2 driver.Memory, err error) {
	t1, t2, err = n.driver.NewTransports()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	mem1, err = n.driver.NewMemory(PrimaryBufferSize)
	if err != nil {
		t1.Close()
		t2.Close()
		return nil, nil, nil, nil, err
	}
	mapping, err := mem1.Map()
	if err == nil {
		InitializePrimaryBuffer(mapping.Bytes())
		mapping.Unmap()
		mem2, err = mem1.Duplicate()
	}
	if err != nil {
		t1.Close()
		t2.Close()
		mem1.Close()
		return nil, nil, nil, nil, err
	}
	return t1, t2, mem1, mem2, nil
}

// handleAcceptIntroduction adopts an introduction from the broker:
// object 0 is the transport to the named node, object 1 the shared
// primary buffer.
func (n *Node) handleAcceptIntroduction(nl *NodeLink, msg *wire.AcceptIntroduction, objects []driver.Object) {
	n.mu.Lock()
	fromBroker := nl == n.broker
	n.mu.Unlock()
	if !fromBroker {
		n.log.Warn("ignoring introduction from a non-broker", "name", msg.Name)
		closeObjects(objects)
		return
	}

	direct, err := n.adoptLink(msg.Name, msg.Side, objects)
	if err != nil {
		n.log.Warn("cannot adopt introduction", "name", msg.Name, "err", err)
	}
	n.runPendingIntros(msg.Name, direct)
}

func (n *Node) handleRejectIntroduction(nl *NodeLink, msg *wire.RejectIntroduction) {
	n.log.Debug("introduction rejected", "name", msg.Name)
	n.runPendingIntros(msg.Name, nil)
}

func (n *Node) runPendingIntros(name wire.NodeName, nl *NodeLink) {
	n.mu.Lock()
	fns := n.pendingIntros[name]
	delete(n.pendingIntros, name)
	delete(n.introRequested, name)
	n.mu.Unlock()
	for _, fn := range fns {
		fn(nl)
	}
}

// adoptLink builds and activates a link to a newly introduced or
// referred node from a [transport, primary buffer] object pair. An
// introduction for an already-linked node is dropped in favor of the
// existing link.
func (n *Node) adoptLink(name wire.NodeName, side wire.LinkSide, objects []driver.Object) (*NodeLink, error) {
	if len(objects) != 2 {
		closeObjects(objects)
		return nil, errors.New("core: introduction without transport and buffer")
	}
	t, okT := objects[0].(driver.Transport)
	buf, okM := objects[1].(driver.Memory)
	if !okT || !okM {
		closeObjects(objects)
		return nil, errors.New("core: introduction carried unexpected objects")
	}

	n.mu.Lock()
	if existing := n.links[name]; existing != nil {
		n.mu.Unlock()
		closeObjects(objects)
		return existing, nil
	}
	n.mu.Unlock()

	mapping, err := buf.Map()
	if err != nil {
		closeObjects(objects)
		return nil, err
	}
	nl := NewNodeLink(n, side, t)
	nl.SetRemoteName(name)
	nl.AdoptMemory(NewNodeLinkMemory(side, mapping.Bytes(), false), mapping)
	nl.retain(buf)

	n.mu.Lock()
	n.links[name] = nl
	n.mu.Unlock()

	if err := nl.Activate(); err != nil {
		return nil, err
	}
	return nl, nil
}

// ConnectIndirect opens numPortals portals to the nameless node on the
// other end of t by handing t to the broker, which adopts that node and
// relays back a direct link. The returned routers become live when the
// broker's answer lands.
func (n *Node) ConnectIndirect(t driver.Transport, numPortals int) ([]*Router, error) {
	if numPortals < 0 || numPortals > maxInitialPortals {
		return nil, ErrTooManyInitialPortals
	}
	n.mu.Lock()
	broker := n.broker
	if broker == nil {
		n.mu.Unlock()
		return nil, ErrNoBroker
	}
	n.nextRequest++
	requestId := n.nextRequest
	routers := make([]*Router, numPortals)
	for i := range routers {
		routers[i] = NewRouter(n)
	}
	n.pendingIndirect[requestId] = routers
	n.mu.Unlock()

	broker.sendWithObjects(&wire.RequestIndirectConnection{
		RequestId:         requestId,
		NumInitialPortals: uint32(numPortals),
	}, []driver.Object{t})
	return routers, nil
}

// ConnectViaReferral is the other side of ConnectIndirect: the transport
// leads to a broker that adopted it on another node's behalf. The node
// joins the fabric through that broker, and the returned routers come
// alive when the broker relays the direct link to the referrer.
func (n *Node) ConnectViaReferral(t driver.Transport, numPortals int) ([]*Router, error) {
	if n.isBroker {
		return nil, errors.New("core: a broker cannot join by referral")
	}
	if numPortals < 0 || numPortals > maxInitialPortals {
		return nil, ErrTooManyInitialPortals
	}

	routers := make([]*Router, numPortals)
	for i := range routers {
		routers[i] = NewRouter(n)
	}
	nl := NewNodeLink(n, wire.SideB, t)

	n.mu.Lock()
	if n.referral != nil {
		n.mu.Unlock()
		return nil, ErrReferralPending
	}
	n.referral = &referralState{routers: routers}
	n.broker = nl
	n.mu.Unlock()

	nl.send(&wire.ConnectFromNonBrokerToBroker{
		ProtocolVersion:   wire.ProtocolVersion,
		NumInitialPortals: uint32(numPortals),
	})
	if err := nl.Activate(); err != nil {
		return nil, err
	}
	return routers, nil
}

// handleRequestIndirectConnection runs on the broker: adopt the carried
// transport as a broker link to the referred node, then wait for that
// node's handshake before answering either side.
func (n *Node) handleRequestIndirectConnection(nl *NodeLink, msg *wire.RequestIndirectConnection, objects []driver.Object) {
	fail := func() {
		closeObjects(objects)
		nl.send(&wire.AcceptIndirectConnection{RequestId: msg.RequestId})
	}
	if !n.isBroker {
		n.log.Warn("indirect connection request received by a non-broker")
		fail()
		return
	}
	if len(objects) != 1 {
		fail()
		return
	}
	t, ok := objects[0].(driver.Transport)
	if !ok {
		fail()
		return
	}
	mem, mapping, buf, err := n.newPrimaryBuffer()
	if err != nil {
		n.log.Warn("cannot allocate referral buffer", "err", err)
		t.Close()
		nl.send(&wire.AcceptIndirectConnection{RequestId: msg.RequestId})
		return
	}

	peerName := newNodeName()
	referred := NewNodeLink(n, wire.SideA, t)
	referred.SetRemoteName(peerName)
	referred.AdoptMemory(NewNodeLinkMemory(wire.SideA, mem, true), mapping)

	n.mu.Lock()
	n.links[peerName] = referred
	n.adoptedReferrals[referred] = &indirectReferral{
		requestId:        msg.RequestId,
		requester:        nl,
		requesterPortals: msg.NumInitialPortals,
	}
	n.mu.Unlock()

	referred.sendWithObjects(&wire.ConnectFromBrokerToNonBroker{
		BrokerName:      n.Name(),
		ReceiverName:    peerName,
		ProtocolVersion: wire.ProtocolVersion,
	}, []driver.Object{buf})

	if err := referred.Activate(); err != nil {
		n.log.Warn("cannot activate referred link", "err", err)
		nl.send(&wire.AcceptIndirectConnection{RequestId: msg.RequestId})
	}
}

// completeReferral runs on the broker once the referred node's handshake
// arrives: mint the direct link between referrer and referred and relay
// one end to each.
func (n *Node) completeReferral(referred *NodeLink, ref *indirectReferral, referredPortals uint32) {
	t1, t2, mem1, mem2, err := n.mintIntroduction()
	if err != nil {
		n.log.Warn("cannot mint referral link", "err", err)
		ref.requester.send(&wire.AcceptIndirectConnection{RequestId: ref.requestId})
		return
	}
	n.log.Debug("completing referral",
		"requester", ref.requester.RemoteName(), "referred", referred.RemoteName())
	ref.requester.sendWithObjects(&wire.AcceptIndirectConnection{
		RequestId:        ref.requestId,
		Success:          true,
		NumRemotePortals: referredPortals,
		ConnectedNode:    referred.RemoteName(),
	}, []driver.Object{t1, mem1})
	referred.sendWithObjects(&wire.AcceptIndirectConnection{
		Success:          true,
		NumRemotePortals: ref.requesterPortals,
		ConnectedNode:    ref.requester.RemoteName(),
	}, []driver.Object{t2, mem2})
}

// handleAcceptIndirectConnection lands on both ends of a referral: the
// requester recognizes its RequestId and takes side A; the referred node
// takes side B.
func (n *Node) handleAcceptIndirectConnection(nl *NodeLink, msg *wire.AcceptIndirectConnection, objects []driver.Object) {
	n.mu.Lock()
	routers, requested := n.pendingIndirect[msg.RequestId]
	if requested {
		delete(n.pendingIndirect, msg.RequestId)
	} else if n.referral != nil {
		routers = n.referral.routers
		n.referral = nil
	}
	n.mu.Unlock()

	if routers == nil {
		closeObjects(objects)
		return
	}
	if !msg.Success {
		n.log.Warn("indirect connection failed")
		closeObjects(objects)
		for _, r := range routers {
			r.AcceptRouteClosure(0)
		}
		return
	}

	side := wire.SideB
	if requested {
		side = wire.SideA
	}
	direct, err := n.adoptLink(msg.ConnectedNode, side, objects)
	if err != nil || direct == nil {
		n.log.Warn("cannot adopt referral link", "err", err)
		for _, r := range routers {
			r.AcceptRouteClosure(0)
		}
		return
	}

	matched := int(msg.NumRemotePortals)
	for i, r := range routers {
		if i >= matched {
			r.AcceptRouteClosure(0)
			continue
		}
		l := NewRemoteRouterLink(direct, wire.SublinkId(i), LinkCentral, side, InitialLinkStateDescriptor(i))
		r.setOutwardLink(l)
		direct.AddSublink(wire.SublinkId(i), r, l)
		r.Flush()
	}
}

// handleLinkFailure forgets a dead link and fails everything that was
// waiting on it.
func (n *Node) handleLinkFailure(nl *NodeLink, err error) {
	n.mu.Lock()
	for name, l := range n.links {
		if l == nl {
			delete(n.links, name)
		}
	}
	wasBroker := nl == n.broker
	if wasBroker {
		n.broker = nil
	}
	routers := n.initialRouters[nl]
	delete(n.initialRouters, nl)
	delete(n.adoptedReferrals, nl)

	var orphaned [][]func(*NodeLink)
	if wasBroker {
		for name, fns := range n.pendingIntros {
			orphaned = append(orphaned, fns)
			delete(n.pendingIntros, name)
			delete(n.introRequested, name)
		}
	}
	n.mu.Unlock()

	for _, r := range routers {
		r.NotifyLinkDisconnected(nl)
	}
	for _, fns := range orphaned {
		for _, fn := range fns {
			fn(nil)
		}
	}
}

// Close tears down every link.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	links := make([]*NodeLink, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	if n.broker != nil {
		seen := false
		for _, l := range links {
			if l == n.broker {
				seen = true
			}
		}
		if !seen {
			links = append(links, n.broker)
		}
	}
	n.mu.Unlock()

	var firstErr error
	for _, l := range links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
