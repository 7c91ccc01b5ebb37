package flow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tramalabs/trama"
	"github.com/tramalabs/trama/driver/memdriver"
)

func testNode(t *testing.T) *trama.Node {
	t.Helper()
	n, err := trama.NewNode(trama.NonBroker, memdriver.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestBytesFlow(t *testing.T) {
	n := testNode(t)
	a, b := n.OpenPortals()

	sender := NewSender[[]byte](a, NewBytesCodec(true), 8)
	receiver := NewReceiver[[]byte](b, NewBytesCodec(true), 8)
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := range 16 {
		require.NoError(t, sender.Send(ctx, fmt.Appendf(nil, "msg-%02d", i)))
	}
	for i := range 16 {
		msg, err := receiver.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("msg-%02d", i), string(msg))
	}

	// Closing the sender ends the flow on the receiving side once the
	// buffer drains.
	require.NoError(t, sender.Close())
	_, err := receiver.Recv(ctx)
	require.Error(t, err)
}

func TestBytesFlowLocalCopy(t *testing.T) {
	n := testNode(t)
	a, b := n.OpenPortals()

	sender := NewSender[[]byte](a, NewBytesCodec(true), 8)
	defer sender.Close()
	receiver := NewReceiver[[]byte](b, NewBytesCodec(true), 8)
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf := []byte("before")
	require.NoError(t, sender.Send(ctx, buf))
	copy(buf, "mangle")

	msg, err := receiver.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "before", string(msg))
}

type note struct {
	Seq  int    `json:"seq"`
	Body string `json:"body"`
}

func TestJsonFlowAcrossNodes(t *testing.T) {
	drv := memdriver.New()
	broker, err := trama.NewNode(trama.Broker, drv)
	require.NoError(t, err)
	peer, err := trama.NewNode(trama.NonBroker, drv)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = peer.Close()
		_ = broker.Close()
	})

	bt, pt, err := drv.NewTransports()
	require.NoError(t, err)
	bp, err := broker.ConnectNode(bt, trama.ConnectAsBroker, 1)
	require.NoError(t, err)
	pp, err := peer.ConnectNode(pt, trama.ConnectAsNonBroker, 1)
	require.NoError(t, err)

	sender := NewSender[*note](bp[0], NewJsonCodec[*note](), 4)
	defer sender.Close()
	receiver := NewReceiver[*note](pp[0], NewJsonCodec[*note](), 4)
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := range 8 {
		require.NoError(t, sender.Send(ctx, &note{Seq: i, Body: "across the fabric"}))
	}
	for i := range 8 {
		msg, err := receiver.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, i, msg.Seq)
		require.Equal(t, "across the fabric", msg.Body)
	}
}

func TestFlowClosed(t *testing.T) {
	n := testNode(t)
	a, _ := n.OpenPortals()

	sender := NewSender[[]byte](a, NewBytesCodec(false), 1)
	require.NoError(t, sender.Close())

	ctx := context.Background()
	require.ErrorIs(t, sender.Send(ctx, []byte("late")), ErrFlowClosed)
}
