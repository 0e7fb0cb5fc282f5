package kafkaserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"

	"github.com/streamcore-io/broker/internal/admission"
	"github.com/streamcore-io/broker/internal/dispatch/echo"
	"github.com/streamcore-io/broker/internal/platform"
	"github.com/streamcore-io/broker/internal/quota"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	adm := admission.New(10 << 20)
	q := quota.New(1<<30, 1<<30, time.Minute)
	t.Cleanup(q.Stop)

	cfg := Config{
		ShardID:             0,
		ListenAddresses:     []string{"127.0.0.1:0"},
		MaxRequestMemory:    10 << 20,
		MemEstimateMul:      2,
		MemEstimateOverhead: 8000,
	}

	s := New(cfg, adm, q, echo.New(), zerolog.Nop(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = s.Stop()
	})

	require.NoError(t, s.Start(ctx))

	s.mu.Lock()
	addr := s.listeners[0].Addr().String()
	s.mu.Unlock()

	return s, addr
}

func encodeFrame(apiKey, apiVersion int16, correlationID int32, clientID *string, payload []byte) []byte {
	body := kbin.AppendInt16(nil, apiKey)
	body = kbin.AppendInt16(body, apiVersion)
	body = kbin.AppendInt32(body, correlationID)
	switch {
	case clientID == nil:
		body = kbin.AppendInt16(body, -1)
	case *clientID == "":
		body = kbin.AppendInt16(body, 0)
	default:
		body = kbin.AppendInt16(body, int16(len(*clientID)))
		body = append(body, *clientID...)
	}
	body = append(body, payload...)

	out := kbin.AppendInt32(nil, int32(len(body)))
	out = append(out, body...)
	return out
}

func readResponse(t *testing.T, conn net.Conn) (int32, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	sizeBuf := make([]byte, 4)
	_, err := readFull(conn, sizeBuf)
	require.NoError(t, err)
	rd := &kbin.Reader{Src: sizeBuf}
	size := rd.Int32()

	rest := make([]byte, size)
	_, err = readFull(conn, rest)
	require.NoError(t, err)

	rd = &kbin.Reader{Src: rest[:4]}
	correlationID := rd.Int32()
	return correlationID, rest[4:]
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

func TestServer_EchoesSingleRequest(t *testing.T) {
	_, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	clientID := "test-client"
	frame := encodeFrame(0, 0, 123, &clientID, []byte("ping"))
	_, err = conn.Write(frame)
	require.NoError(t, err)

	correlationID, payload := readResponse(t, conn)
	require.Equal(t, int32(123), correlationID)
	require.Equal(t, []byte("ping"), payload)
}

func TestServer_RespondsInOrderAcrossMultiplePipelinedRequests(t *testing.T) {
	_, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for i := int32(1); i <= 5; i++ {
		_, err := conn.Write(encodeFrame(0, 0, i, nil, []byte{byte(i)}))
		require.NoError(t, err)
	}

	for i := int32(1); i <= 5; i++ {
		correlationID, _ := readResponse(t, conn)
		require.Equal(t, i, correlationID)
	}
}

func TestServer_RejectsOversizeFrame(t *testing.T) {
	adm := admission.New(10 << 20)
	q := quota.New(1<<30, 1<<30, time.Minute)
	defer q.Stop()

	cfg := Config{
		ShardID:             0,
		ListenAddresses:     []string{"127.0.0.1:0"},
		MaxRequestMemory:    10 << 20,
		MemEstimateMul:      2,
		MemEstimateOverhead: 8000,
		MaxRequestBytes:     16,
	}
	s := New(cfg, adm, q, echo.New(), zerolog.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = s.Stop()
	}()
	require.NoError(t, s.Start(ctx))

	s.mu.Lock()
	addr := s.listeners[0].Addr().String()
	s.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeFrame(0, 0, 1, nil, make([]byte, 100)))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server should close the connection on an oversize frame")
}

func TestServer_RejectsConnectionOverResourceCeiling(t *testing.T) {
	adm := admission.New(10 << 20)
	q := quota.New(1<<30, 1<<30, time.Minute)
	defer q.Stop()

	monitor := platform.NewResourceMonitor()
	monitor.SetSample(99.0, 0)

	cfg := Config{
		ShardID:             0,
		ListenAddresses:     []string{"127.0.0.1:0"},
		MaxRequestMemory:    10 << 20,
		MemEstimateMul:      2,
		MemEstimateOverhead: 8000,
		CPURejectThreshold:  90.0,
	}
	s := New(cfg, adm, q, echo.New(), zerolog.Nop(), nil, monitor)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = s.Stop()
	}()
	require.NoError(t, s.Start(ctx))

	s.mu.Lock()
	addr := s.listeners[0].Addr().String()
	s.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server should refuse connections while over its CPU ceiling")

	require.Eventually(t, func() bool {
		return s.ActiveConnections() == 0
	}, time.Second, 10*time.Millisecond)
}
