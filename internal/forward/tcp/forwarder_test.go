package tcp_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Zallist/slumber-proxy/internal/activity"
	"github.com/Zallist/slumber-proxy/internal/forward/tcp"
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

// freeTCPPort grabs an ephemeral loopback port and releases it immediately,
// leaving a short window for the caller to bind it instead.
func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startEchoServer runs a trivial echo server on 127.0.0.1 and returns its
// port, closing the listener when the test ends.
func startEchoServer(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func newTestController(t *testing.T, backend *testsupport.FakeBackend, startupDelay time.Duration) *lifecycle.Controller {
	t.Helper()
	client := runtime.NewClient("", backend)
	resolver := runtime.NewResolver(client)
	clock := activity.New()
	return lifecycle.New(lifecycle.Config{
		ContainerName: "web",
		StartupDelay:  startupDelay,
	}, resolver, client, clock, discardLogger())
}

// dialWithRetry tolerates the short window between starting the forwarder's
// goroutine and its listener actually being bound.
func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	var lastErr error
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, lastErr)
	return nil
}

func TestForwarderRoundTripsBytesIdentically(t *testing.T) {
	upstreamPort := startEchoServer(t)
	listenPort := freeTCPPort(t)

	backend := testsupport.NewFakeBackend(&testsupport.FakeContainer{ID: "c1", Names: []string{"/web"}, Running: true})
	controller := newTestController(t, backend, time.Millisecond)
	clock := activity.New()

	fwd := tcp.New(tcp.Config{
		ListenPort:    listenPort,
		TargetAddress: "127.0.0.1",
		TargetPort:    upstreamPort,
		InactiveAfter: time.Minute,
	}, clock, controller, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	conn := dialWithRetry(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(listenPort))))
	defer conn.Close()

	_, err := conn.Write([]byte("ABC"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ABC", string(buf))
}

func TestForwarderConcurrentClientsShareOneWake(t *testing.T) {
	upstreamPort := startEchoServer(t)
	listenPort := freeTCPPort(t)

	backend := testsupport.NewFakeBackend(&testsupport.FakeContainer{ID: "c1", Names: []string{"/web"}, Paused: true})
	controller := newTestController(t, backend, 30*time.Millisecond)
	clock := activity.New()

	fwd := tcp.New(tcp.Config{
		ListenPort:    listenPort,
		TargetAddress: "127.0.0.1",
		TargetPort:    upstreamPort,
		InactiveAfter: time.Minute,
	}, clock, controller, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(listenPort)))

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := dialWithRetry(t, addr)
			defer conn.Close()

			payload := []byte{'A' + byte(i)}
			_, err := conn.Write(payload)
			require.NoError(t, err)

			buf := make([]byte, 1)
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			results[i] = string(buf)
		}(i)
	}
	wg.Wait()

	require.Equal(t, "A", results[0])
	require.Equal(t, "B", results[1])
	require.Equal(t, 1, backend.CallCount("unpause:c1"), "both connections must coalesce into a single unpause")
}
