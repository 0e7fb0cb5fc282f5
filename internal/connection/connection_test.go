package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcore-io/broker/internal/wire"
)

func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
	})
	return New("test-conn", server, zerolog.Nop()), client
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := readFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestDrainWrites_WritesInReservationOrderDespiteOutOfOrderCompletion(t *testing.T) {
	c, client := newTestConnection(t)

	completeA := c.ReserveSlot()
	completeB := c.ReserveSlot()
	completeC := c.ReserveSlot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.DrainWrites(ctx) }()

	// Complete out of acceptance order: C, then A, then B.
	completeC(&wire.Response{CorrelationID: 3}, nil)
	completeA(&wire.Response{CorrelationID: 1}, nil)
	completeB(&wire.Response{CorrelationID: 2}, nil)

	for _, want := range []int32{1, 2, 3} {
		header := readN(t, client, 8)
		rd := header[4:8]
		got := int32(rd[0])<<24 | int32(rd[1])<<16 | int32(rd[2])<<8 | int32(rd[3])
		assert.Equal(t, want, got)
	}
}

func TestDrainWrites_SkipsFailedRequestsWithoutBreakingOrder(t *testing.T) {
	c, client := newTestConnection(t)

	completeA := c.ReserveSlot()
	completeB := c.ReserveSlot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.DrainWrites(ctx) }()

	completeA(nil, assertErr{})
	completeB(&wire.Response{CorrelationID: 2}, nil)

	header := readN(t, client, 8)
	got := int32(header[4])<<24 | int32(header[5])<<16 | int32(header[6])<<8 | int32(header[7])
	assert.Equal(t, int32(2), got, "the failed request's slot must be skipped, not block the barrier")
}

type assertErr struct{}

func (assertErr) Error() string { return "dispatch failed" }

func TestShutdown_UnblocksDrainWrites(t *testing.T) {
	c, _ := newTestConnection(t)

	done := make(chan error, 1)
	go func() { done <- c.DrainWrites(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Shutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown should unblock a DrainWrites loop waiting on an empty queue")
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	c, _ := newTestConnection(t)
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
}
