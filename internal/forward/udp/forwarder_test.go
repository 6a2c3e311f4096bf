package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Zallist/slumber-proxy/internal/activity"
	"github.com/Zallist/slumber-proxy/internal/lifecycle"
	"github.com/Zallist/slumber-proxy/internal/runtime"
	"github.com/Zallist/slumber-proxy/internal/testsupport"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(discardWriter{})
	return logrus.NewEntry(log)
}

// startUDPEchoServer runs a trivial echo server on 127.0.0.1 and returns its
// port, closing the socket when the test ends.
func startUDPEchoServer(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65536)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], peer)
		}
	}()

	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func newTestController(t *testing.T) *lifecycle.Controller {
	t.Helper()
	backend := testsupport.NewFakeBackend(&testsupport.FakeContainer{ID: "c1", Names: []string{"/web"}, Running: true})
	client := runtime.NewClient("", backend)
	resolver := runtime.NewResolver(client)
	clock := activity.New()
	return lifecycle.New(lifecycle.Config{ContainerName: "web"}, resolver, client, clock, discardLogger())
}

func (f *Forwarder) flowCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.flows)
}

func TestUDPForwarderRoundTripsDatagram(t *testing.T) {
	upstreamPort := startUDPEchoServer(t)
	listenPort := freeUDPPort(t)

	clock := activity.New()
	fwd := New(Config{
		ListenPort:    listenPort,
		TargetAddress: "127.0.0.1",
		TargetPort:    upstreamPort,
		InactiveAfter: time.Minute,
		CheckInterval: time.Minute,
	}, clock, newTestController(t), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := dialUDP(t, listenPort)
	defer client.Close()

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestUDPFlowGCAfterSilenceThenRecreatesOnNewDatagram(t *testing.T) {
	upstreamPort := startUDPEchoServer(t)
	listenPort := freeUDPPort(t)

	clock := activity.New()
	fwd := New(Config{
		ListenPort:    listenPort,
		TargetAddress: "127.0.0.1",
		TargetPort:    upstreamPort,
		InactiveAfter: 30 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
	}, clock, newTestController(t), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := dialUDP(t, listenPort)
	defer client.Close()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	require.Eventually(t, func() bool { return fwd.flowCount() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return fwd.flowCount() == 0 }, time.Second, 10*time.Millisecond,
		"flow must be garbage collected after InactiveAfter of silence")

	_, err = client.Write([]byte("again"))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "again", string(buf[:n]))

	require.Eventually(t, func() bool { return fwd.flowCount() == 1 }, time.Second, 5*time.Millisecond,
		"a new datagram from the same peer after GC must create a fresh flow")
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func dialUDP(t *testing.T, port uint16) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(port)})
	require.NoError(t, err)
	return conn
}
