package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tramalabs/trama/internal/fragment"
)

func TestFrameGoldenBytes(t *testing.T) {
	m := &FlushRouter{Sublink: 0x1122334455667788}
	frame := Marshal(m)
	want := []byte{
		0x10, 0x00, 0x00, 0x00, // size 16
		0x00, 0x00, // version 0
		0x1a,                                           // message id 26
		0x00,                                           // reserved
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // sublink
	}
	require.Equal(t, want, frame)
}

func TestHeaderErrors(t *testing.T) {
	_, _, err := ParseHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortFrame)

	frame := Marshal(&FlushRouter{Sublink: 1})
	frame[0] = 0xFF // size larger than the frame
	_, _, err = ParseHeader(frame)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestUnknownMessageTolerated(t *testing.T) {
	e := NewEncoder(MsgID(200))
	e.U64(42)
	_, err := Unmarshal(e.Finish())
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestTruncatedPayload(t *testing.T) {
	frame := Marshal(&RouteClosed{Sublink: 9, SequenceLength: 100})
	_, err := Unmarshal(frame[:HeaderSize+10])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestTrailingBytesIgnored(t *testing.T) {
	// A newer peer may append fields; decoding must not choke on them.
	e := NewEncoder(MsgRouteClosed)
	(&RouteClosed{Sublink: 3, SequenceLength: 7}).encode(e)
	e.U64(0xDEAD) // future extension
	m, err := Unmarshal(e.Finish())
	require.NoError(t, err)
	rc := m.(*RouteClosed)
	require.EqualValues(t, 3, rc.Sublink)
	require.EqualValues(t, 7, rc.SequenceLength)
}

func TestMessageRoundTrips(t *testing.T) {
	name := func(b byte) NodeName {
		var n NodeName
		for i := range n {
			n[i] = b
		}
		return n
	}
	frag := fragment.Descriptor{Buffer: 4, Offset: 1024, Size: 64}

	msgs := []Message{
		&ConnectFromBrokerToNonBroker{
			BrokerName:        name(1),
			ReceiverName:      name(2),
			ProtocolVersion:   0,
			NumInitialPortals: 2,
		},
		&ConnectFromNonBrokerToBroker{NumInitialPortals: 2},
		&RequestIndirectConnection{RequestId: 77, NumInitialPortals: 1},
		&AcceptIndirectConnection{RequestId: 77, Success: true, NumRemotePortals: 1, ConnectedNode: name(9)},
		&RequestIntroduction{Name: name(3)},
		&AcceptIntroduction{Name: name(3), Side: SideB, ProtocolVersion: 0},
		&RejectIntroduction{Name: name(3)},
		&AddBlockBuffer{Buffer: 5, BlockSize: 512},
		&AcceptParcel{
			Sublink:      64,
			SequenceNum:  12,
			Data:         []byte("hello"),
			FragmentData: fragment.NullDescriptor(),
			Handles:      []HandleType{HandlePortal, HandleBox, HandlePortal},
			Routers: []RouterDescriptor{
				{
					NewSublink:   65,
					NewLinkState: frag,
					NextOutgoing: 4,
					NextIncoming: 9,
				},
				{
					NewSublink:       66,
					NewLinkState:     fragment.NullDescriptor(),
					PeerClosed:       true,
					ClosedPeerLength: 30,
					HasDecaying:      true,
					NewDecayingSublink:     67,
					DecayingIncomingLength: 11,
				},
			},
		},
		&RouteClosed{Sublink: 8, SequenceLength: 42},
		&BypassPeer{Sublink: 2, TargetNode: name(7), TargetSublink: 90},
		&AcceptBypassLink{
			BypassedPeerNode:          name(7),
			BypassedPeerSublink:       2,
			NewSublink:                91,
			NewLinkState:              frag,
			InboundLengthFromBypassed: 17,
		},
		&StopProxying{Sublink: 2, OutboundLength: 5, InboundLength: 6},
		&ProxyWillStop{Sublink: 2, OutboundLength: 5},
		&BypassPeerWithLink{Sublink: 2, NewSublink: 92, NewLinkState: frag, InboundLength: 3},
		&StopProxyingToLocalPeer{Sublink: 2, OutboundLength: 4},
		&FlushRouter{Sublink: 2},
	}

	for _, m := range msgs {
		got, err := Unmarshal(Marshal(m))
		require.NoError(t, err, "message %d", m.ID())
		require.Equal(t, m, got, "message %d", m.ID())
	}
}

func TestAcceptParcelHugeCountRejected(t *testing.T) {
	// A hostile count must not trigger a huge allocation.
	e := NewEncoder(MsgAcceptParcel)
	e.U64(1)                            // sublink
	e.U64(0)                            // sequence number
	e.Fragment(fragment.NullDescriptor()) // no shared-memory data
	e.Bytes(nil)                        // no inline data
	e.U32(0xFFFFFFFF)                   // absurd handle count
	_, err := Unmarshal(e.Finish())
	require.ErrorIs(t, err, ErrTruncated)
}
