package wire

import (
	"github.com/tramalabs/trama/internal/fragment"
	"github.com/tramalabs/trama/internal/sequence"
)

// MsgID discriminates node-to-node messages.
type MsgID uint8

const (
	MsgConnectFromBrokerToNonBroker MsgID = 1
	MsgConnectFromNonBrokerToBroker MsgID = 2
	MsgRequestIndirectConnection    MsgID = 3
	MsgAcceptIndirectConnection     MsgID = 4
	MsgRequestIntroduction          MsgID = 5
	MsgAcceptIntroduction           MsgID = 6
	MsgRejectIntroduction           MsgID = 7
	MsgAddBlockBuffer               MsgID = 8
	MsgAcceptParcel                 MsgID = 10
	MsgRouteClosed                  MsgID = 11
	MsgBypassPeer                   MsgID = 20
	MsgAcceptBypassLink             MsgID = 21
	MsgStopProxying                 MsgID = 22
	MsgProxyWillStop                MsgID = 23
	MsgBypassPeerWithLink           MsgID = 24
	MsgStopProxyingToLocalPeer      MsgID = 25
	MsgFlushRouter                  MsgID = 26
)

// A Message is one unit of the node-to-node protocol. Driver objects
// referenced by a message (shared memory regions, transports, boxes)
// travel out of band in the same transmission, ordered as the message
// documents.
type Message interface {
	ID() MsgID
	encode(e *Encoder)
	decode(d *Decoder)
}

// Marshal frames a message.
func Marshal(m Message) []byte {
	e := NewEncoder(m.ID())
	m.encode(e)
	return e.Finish()
}

// Unmarshal parses one frame. Unknown message ids yield ErrUnknownMessage
// so callers can ignore messages from newer peers without dropping the
// link.
func Unmarshal(frame []byte) (Message, error) {
	h, payload, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	var m Message
	switch h.ID {
	case MsgConnectFromBrokerToNonBroker:
		m = &ConnectFromBrokerToNonBroker{}
	case MsgConnectFromNonBrokerToBroker:
		m = &ConnectFromNonBrokerToBroker{}
	case MsgRequestIndirectConnection:
		m = &RequestIndirectConnection{}
	case MsgAcceptIndirectConnection:
		m = &AcceptIndirectConnection{}
	case MsgRequestIntroduction:
		m = &RequestIntroduction{}
	case MsgAcceptIntroduction:
		m = &AcceptIntroduction{}
	case MsgRejectIntroduction:
		m = &RejectIntroduction{}
	case MsgAddBlockBuffer:
		m = &AddBlockBuffer{}
	case MsgAcceptParcel:
		m = &AcceptParcel{}
	case MsgRouteClosed:
		m = &RouteClosed{}
	case MsgBypassPeer:
		m = &BypassPeer{}
	case MsgAcceptBypassLink:
		m = &AcceptBypassLink{}
	case MsgStopProxying:
		m = &StopProxying{}
	case MsgProxyWillStop:
		m = &ProxyWillStop{}
	case MsgBypassPeerWithLink:
		m = &BypassPeerWithLink{}
	case MsgStopProxyingToLocalPeer:
		m = &StopProxyingToLocalPeer{}
	case MsgFlushRouter:
		m = &FlushRouter{}
	default:
		return nil, ErrUnknownMessage
	}
	d := NewDecoder(payload)
	m.decode(d)
	if err := d.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// ConnectFromBrokerToNonBroker is the broker's half of the initial
// handshake. The primary shared buffer travels as driver object 0.
type ConnectFromBrokerToNonBroker struct {
	BrokerName        NodeName
	ReceiverName      NodeName
	ProtocolVersion   uint16
	NumInitialPortals uint32
}

func (*ConnectFromBrokerToNonBroker) ID() MsgID { return MsgConnectFromBrokerToNonBroker }

func (m *ConnectFromBrokerToNonBroker) encode(e *Encoder) {
	e.Name(m.BrokerName)
	e.Name(m.ReceiverName)
	e.U16(m.ProtocolVersion)
	e.U32(m.NumInitialPortals)
}

func (m *ConnectFromBrokerToNonBroker) decode(d *Decoder) {
	m.BrokerName = d.Name()
	m.ReceiverName = d.Name()
	m.ProtocolVersion = d.U16()
	m.NumInitialPortals = d.U32()
}

// ConnectFromNonBrokerToBroker is the non-broker's half of the initial
// handshake.
type ConnectFromNonBrokerToBroker struct {
	ProtocolVersion   uint16
	NumInitialPortals uint32
}

func (*ConnectFromNonBrokerToBroker) ID() MsgID { return MsgConnectFromNonBrokerToBroker }

func (m *ConnectFromNonBrokerToBroker) encode(e *Encoder) {
	e.U16(m.ProtocolVersion)
	e.U32(m.NumInitialPortals)
}

func (m *ConnectFromNonBrokerToBroker) decode(d *Decoder) {
	m.ProtocolVersion = d.U16()
	m.NumInitialPortals = d.U32()
}

// RequestIndirectConnection asks a broker to connect the sender to another
// non-broker whose transport travels as driver object 0. The broker
// answers with AcceptIndirectConnection on both transports.
type RequestIndirectConnection struct {
	RequestId         uint64
	NumInitialPortals uint32
}

func (*RequestIndirectConnection) ID() MsgID { return MsgRequestIndirectConnection }

func (m *RequestIndirectConnection) encode(e *Encoder) {
	e.U64(m.RequestId)
	e.U32(m.NumInitialPortals)
}

func (m *RequestIndirectConnection) decode(d *Decoder) {
	m.RequestId = d.U64()
	m.NumInitialPortals = d.U32()
}

// AcceptIndirectConnection completes a RequestIndirectConnection on both
// the requesting and the referred side. Failed requests carry
// Success=false and no name.
type AcceptIndirectConnection struct {
	RequestId        uint64
	Success          bool
	NumRemotePortals uint32
	ConnectedNode    NodeName
}

func (*AcceptIndirectConnection) ID() MsgID { return MsgAcceptIndirectConnection }

func (m *AcceptIndirectConnection) encode(e *Encoder) {
	e.U64(m.RequestId)
	e.Bool(m.Success)
	e.U32(m.NumRemotePortals)
	e.Name(m.ConnectedNode)
}

func (m *AcceptIndirectConnection) decode(d *Decoder) {
	m.RequestId = d.U64()
	m.Success = d.Bool()
	m.NumRemotePortals = d.U32()
	m.ConnectedNode = d.Name()
}

// RequestIntroduction asks the broker for a link to the named node.
type RequestIntroduction struct {
	Name NodeName
}

func (*RequestIntroduction) ID() MsgID { return MsgRequestIntroduction }

func (m *RequestIntroduction) encode(e *Encoder) { e.Name(m.Name) }
func (m *RequestIntroduction) decode(d *Decoder) { m.Name = d.Name() }

// AcceptIntroduction introduces the receiver to the named node. Driver
// object 0 is a transport to the node, object 1 the primary buffer both
// introduced peers will share. The broker sends one to each peer with
// opposite Side values.
type AcceptIntroduction struct {
	Name            NodeName
	Side            LinkSide
	ProtocolVersion uint16
}

func (*AcceptIntroduction) ID() MsgID { return MsgAcceptIntroduction }

func (m *AcceptIntroduction) encode(e *Encoder) {
	e.Name(m.Name)
	e.U8(uint8(m.Side))
	e.U16(m.ProtocolVersion)
}

func (m *AcceptIntroduction) decode(d *Decoder) {
	m.Name = d.Name()
	m.Side = LinkSide(d.U8())
	m.ProtocolVersion = d.U16()
}

// RejectIntroduction answers a RequestIntroduction for an unknown node.
type RejectIntroduction struct {
	Name NodeName
}

func (*RejectIntroduction) ID() MsgID { return MsgRejectIntroduction }

func (m *RejectIntroduction) encode(e *Encoder) { e.Name(m.Name) }
func (m *RejectIntroduction) decode(d *Decoder) { m.Name = d.Name() }

// AddBlockBuffer registers a new shared buffer, carried as driver object
// 0, to be sliced into blocks of BlockSize bytes.
type AddBlockBuffer struct {
	Buffer    fragment.BufferId
	BlockSize uint32
}

func (*AddBlockBuffer) ID() MsgID { return MsgAddBlockBuffer }

func (m *AddBlockBuffer) encode(e *Encoder) {
	e.U64(uint64(m.Buffer))
	e.U32(m.BlockSize)
}

func (m *AddBlockBuffer) decode(d *Decoder) {
	m.Buffer = fragment.BufferId(d.U64())
	m.BlockSize = d.U32()
}

// HandleType tags one attachment of a parcel.
type HandleType uint8

const (
	// HandlePortal moves a portal: the attachment is described by the
	// RouterDescriptor at the same index among portal attachments.
	HandlePortal HandleType = 0

	// HandleBox moves a boxed driver object, which travels as the next
	// unclaimed driver object of the transmission.
	HandleBox HandleType = 1
)

// RouterDescriptor tells the receiving node how to inflate one moved
// portal: which new sublink to bind, where its link state lives, and the
// sequence state of the route at serialization time.
type RouterDescriptor struct {
	NewSublink         SublinkId
	NewLinkState       fragment.Descriptor
	NewDecayingSublink SublinkId
	HasDecaying        bool

	NextOutgoing sequence.Number
	NextIncoming sequence.Number

	// DecayingIncomingLength bounds the inbound numbers still owed to the
	// decaying sublink when HasDecaying is set.
	DecayingIncomingLength sequence.Number

	PeerClosed       bool
	ClosedPeerLength sequence.Number

	// ProxyAlreadyBypassed tells the receiver the sender cut itself out
	// of the route before transmitting, so the new router must not wait
	// for a decaying link to drain.
	ProxyAlreadyBypassed bool
}

func (r *RouterDescriptor) encode(e *Encoder) {
	e.U64(uint64(r.NewSublink))
	e.Fragment(r.NewLinkState)
	e.U64(uint64(r.NewDecayingSublink))
	e.Bool(r.HasDecaying)
	e.Sequence(r.NextOutgoing)
	e.Sequence(r.NextIncoming)
	e.Sequence(r.DecayingIncomingLength)
	e.Bool(r.PeerClosed)
	e.Sequence(r.ClosedPeerLength)
	e.Bool(r.ProxyAlreadyBypassed)
}

func (r *RouterDescriptor) decode(d *Decoder) {
	r.NewSublink = SublinkId(d.U64())
	r.NewLinkState = d.Fragment()
	r.NewDecayingSublink = SublinkId(d.U64())
	r.HasDecaying = d.Bool()
	r.NextOutgoing = d.Sequence()
	r.NextIncoming = d.Sequence()
	r.DecayingIncomingLength = d.Sequence()
	r.PeerClosed = d.Bool()
	r.ClosedPeerLength = d.Sequence()
	r.ProxyAlreadyBypassed = d.Bool()
}

// AcceptParcel delivers one parcel to the router bound to Sublink. Parcel
// data is either inline or, when FragmentData is non-null, resident in
// shared memory. Boxed attachments claim driver objects of the same
// transmission in handle order.
type AcceptParcel struct {
	Sublink      SublinkId
	SequenceNum  sequence.Number
	Data         []byte
	FragmentData fragment.Descriptor
	Handles      []HandleType
	Routers      []RouterDescriptor
}

func (*AcceptParcel) ID() MsgID { return MsgAcceptParcel }

func (m *AcceptParcel) encode(e *Encoder) {
	e.U64(uint64(m.Sublink))
	e.Sequence(m.SequenceNum)
	e.Fragment(m.FragmentData)
	e.Bytes(m.Data)
	e.U32(uint32(len(m.Handles)))
	for _, h := range m.Handles {
		e.U8(uint8(h))
	}
	e.U32(uint32(len(m.Routers)))
	for i := range m.Routers {
		m.Routers[i].encode(e)
	}
}

func (m *AcceptParcel) decode(d *Decoder) {
	m.Sublink = SublinkId(d.U64())
	m.SequenceNum = d.Sequence()
	m.FragmentData = d.Fragment()
	m.Data = d.Bytes()
	numHandles := d.U32()
	if d.Err() == nil && numHandles > 0 && uint64(numHandles) <= uint64(len(d.Remaining())) {
		m.Handles = make([]HandleType, numHandles)
		for i := range m.Handles {
			m.Handles[i] = HandleType(d.U8())
		}
	} else if numHandles > 0 {
		d.err = ErrTruncated
	}
	numRouters := d.U32()
	const routerEncodedSize = 8 + 16 + 8 + 1 + 8 + 8 + 8 + 1 + 8 + 1
	if d.Err() == nil && numRouters > 0 && uint64(numRouters)*routerEncodedSize <= uint64(len(d.Remaining())) {
		m.Routers = make([]RouterDescriptor, numRouters)
		for i := range m.Routers {
			m.Routers[i].decode(d)
		}
	} else if numRouters > 0 {
		d.err = ErrTruncated
	}
}

// RouteClosed tells the router bound to Sublink that the other side of the
// route is gone after SequenceLength parcels.
type RouteClosed struct {
	Sublink        SublinkId
	SequenceLength sequence.Number
}

func (*RouteClosed) ID() MsgID { return MsgRouteClosed }

func (m *RouteClosed) encode(e *Encoder) {
	e.U64(uint64(m.Sublink))
	e.Sequence(m.SequenceLength)
}

func (m *RouteClosed) decode(d *Decoder) {
	m.Sublink = SublinkId(d.U64())
	m.SequenceLength = d.Sequence()
}

// BypassPeer asks the receiver, the outward peer of the proxying router on
// Sublink, to connect directly to the proxy's inward peer at TargetNode /
// TargetSublink and cut the proxy out.
type BypassPeer struct {
	Sublink       SublinkId
	TargetNode    NodeName
	TargetSublink SublinkId
}

func (*BypassPeer) ID() MsgID { return MsgBypassPeer }

func (m *BypassPeer) encode(e *Encoder) {
	e.U64(uint64(m.Sublink))
	e.Name(m.TargetNode)
	e.U64(uint64(m.TargetSublink))
}

func (m *BypassPeer) decode(d *Decoder) {
	m.Sublink = SublinkId(d.U64())
	m.TargetNode = d.Name()
	m.TargetSublink = SublinkId(d.U64())
}

// AcceptBypassLink establishes the direct link that replaces a proxy. Sent
// by the proxy's outward peer to the proxy's inward peer on their shared
// node link. The sender only sends it when the receiver's node matches the
// name the proxy wrote into the bypassed link's state cell.
type AcceptBypassLink struct {
	BypassedPeerNode    NodeName
	BypassedPeerSublink SublinkId
	NewSublink          SublinkId
	NewLinkState        fragment.Descriptor

	// InboundLengthFromBypassed is how many parcels the bypassed link
	// still owes the receiver before it can fully decay.
	InboundLengthFromBypassed sequence.Number
}

func (*AcceptBypassLink) ID() MsgID { return MsgAcceptBypassLink }

func (m *AcceptBypassLink) encode(e *Encoder) {
	e.Name(m.BypassedPeerNode)
	e.U64(uint64(m.BypassedPeerSublink))
	e.U64(uint64(m.NewSublink))
	e.Fragment(m.NewLinkState)
	e.Sequence(m.InboundLengthFromBypassed)
}

func (m *AcceptBypassLink) decode(d *Decoder) {
	m.BypassedPeerNode = d.Name()
	m.BypassedPeerSublink = SublinkId(d.U64())
	m.NewSublink = SublinkId(d.U64())
	m.NewLinkState = d.Fragment()
	m.InboundLengthFromBypassed = d.Sequence()
}

// StopProxying finalizes a bypass: it tells the proxying router on Sublink
// the exact sequence lengths after which each direction through it falls
// silent.
type StopProxying struct {
	Sublink        SublinkId
	OutboundLength sequence.Number
	InboundLength  sequence.Number
}

func (*StopProxying) ID() MsgID { return MsgStopProxying }

func (m *StopProxying) encode(e *Encoder) {
	e.U64(uint64(m.Sublink))
	e.Sequence(m.OutboundLength)
	e.Sequence(m.InboundLength)
}

func (m *StopProxying) decode(d *Decoder) {
	m.Sublink = SublinkId(d.U64())
	m.OutboundLength = d.Sequence()
	m.InboundLength = d.Sequence()
}

// ProxyWillStop tells the outward peer of a proxying router how many more
// inbound parcels the proxy will forward before ceasing.
type ProxyWillStop struct {
	Sublink        SublinkId
	OutboundLength sequence.Number
}

func (*ProxyWillStop) ID() MsgID { return MsgProxyWillStop }

func (m *ProxyWillStop) encode(e *Encoder) {
	e.U64(uint64(m.Sublink))
	e.Sequence(m.OutboundLength)
}

func (m *ProxyWillStop) decode(d *Decoder) {
	m.Sublink = SublinkId(d.U64())
	m.OutboundLength = d.Sequence()
}

// BypassPeerWithLink performs the bypass handshake when the proxy and its
// outward peer live on the same node: the sender establishes the
// replacement link itself at NewSublink.
type BypassPeerWithLink struct {
	Sublink      SublinkId
	NewSublink   SublinkId
	NewLinkState fragment.Descriptor

	// InboundLength is how many parcels the bypassed sublink still owes
	// the receiver.
	InboundLength sequence.Number
}

func (*BypassPeerWithLink) ID() MsgID { return MsgBypassPeerWithLink }

func (m *BypassPeerWithLink) encode(e *Encoder) {
	e.U64(uint64(m.Sublink))
	e.U64(uint64(m.NewSublink))
	e.Fragment(m.NewLinkState)
	e.Sequence(m.InboundLength)
}

func (m *BypassPeerWithLink) decode(d *Decoder) {
	m.Sublink = SublinkId(d.U64())
	m.NewSublink = SublinkId(d.U64())
	m.NewLinkState = d.Fragment()
	m.InboundLength = d.Sequence()
}

// StopProxyingToLocalPeer answers BypassPeerWithLink: the receiver is
// proxying to a router on its own node and can hand that router the new
// link once OutboundLength parcels have flowed.
type StopProxyingToLocalPeer struct {
	Sublink        SublinkId
	OutboundLength sequence.Number
}

func (*StopProxyingToLocalPeer) ID() MsgID { return MsgStopProxyingToLocalPeer }

func (m *StopProxyingToLocalPeer) encode(e *Encoder) {
	e.U64(uint64(m.Sublink))
	e.Sequence(m.OutboundLength)
}

func (m *StopProxyingToLocalPeer) decode(d *Decoder) {
	m.Sublink = SublinkId(d.U64())
	m.OutboundLength = d.Sequence()
}

// FlushRouter pokes the router bound to Sublink to re-evaluate its links,
// typically because the sender just cleared this side's waiting bit.
type FlushRouter struct {
	Sublink SublinkId
}

func (*FlushRouter) ID() MsgID { return MsgFlushRouter }

func (m *FlushRouter) encode(e *Encoder) { e.U64(uint64(m.Sublink)) }
func (m *FlushRouter) decode(d *Decoder) { m.Sublink = SublinkId(d.U64()) }
