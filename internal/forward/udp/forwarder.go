// Package udp implements the UDP Forwarder (spec.md §4.6): per-peer flows,
// each with its own upstream socket and response pump, garbage collected
// after InactiveAfter of peer silence.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Zallist/slumber-proxy/internal/activity"
	"github.com/Zallist/slumber-proxy/internal/lifecycle"
)

const datagramBufferSize = 64 * 1024

// Config is the subset of ApplicationConfig the UDP forwarder needs.
type Config struct {
	ListenPort    uint16
	TargetAddress string
	TargetPort    uint16
	InactiveAfter time.Duration
	CheckInterval time.Duration
}

// flow is the per-remote-peer forwarding state described in spec.md §3
// (UdpFlow): an upstream socket bound to the target, plus last-seen for GC.
type flow struct {
	peer     *net.UDPAddr
	upstream *net.UDPConn
	lastSeen atomic.Int64 // UnixNano
	cancel   context.CancelFunc
}

// Forwarder binds one UDP socket and maintains one flow per remote peer.
//
// The flow map mirrors the teacher's state_manager.go pattern of guarding a
// shared mutable collection (_state.Endpoints) with a dedicated mutex
// (_stateMutationLock sync.RWMutex), generalized here to per-peer flows
// instead of per-container DNS endpoints.
type Forwarder struct {
	cfg        Config
	clock      *activity.Clock
	controller *lifecycle.Controller
	log        *logrus.Entry

	listener *net.UDPConn

	mu    sync.RWMutex
	flows map[string]*flow
}

// New builds a UDP Forwarder.
func New(cfg Config, clock *activity.Clock, controller *lifecycle.Controller, log *logrus.Entry) *Forwarder {
	return &Forwarder{cfg: cfg, clock: clock, controller: controller, log: log, flows: make(map[string]*flow)}
}

// Run binds the listener and processes datagrams until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(f.cfg.ListenPort)})
	if err != nil {
		return fmt.Errorf("bind udp listener on port %d: %w", f.cfg.ListenPort, err)
	}
	if err := configureBroadcastTTL(conn); err != nil {
		f.log.WithError(err).Debug("udp: could not set broadcast/ttl socket options")
	}
	f.listener = conn

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go f.gcLoop(ctx)

	f.log.WithField("listen_port", f.cfg.ListenPort).Info("udp forwarder listening")

	buf := make([]byte, datagramBufferSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isIgnorableNetError(err) {
				continue
			}
			f.log.WithError(err).Warn("udp read failed")
			continue
		}

		f.clock.Mark()

		payload := make([]byte, n)
		copy(payload, buf[:n])
		go f.handleDatagram(ctx, peer, payload)
	}
}

func (f *Forwarder) handleDatagram(ctx context.Context, peer *net.UDPAddr, payload []byte) {
	ok, err := f.controller.EnsureRunning(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			f.log.WithError(err).Warn("ensure_running failed, dropping datagram")
		}
		return
	}
	if !ok {
		f.log.Warn("wake failed, dropping datagram")
		return
	}

	fl, err := f.getOrCreateFlow(ctx, peer)
	if err != nil {
		f.log.WithError(err).Warn("udp: create upstream flow failed")
		return
	}

	fl.lastSeen.Store(time.Now().UnixNano())

	if _, err := fl.upstream.Write(payload); err != nil {
		f.log.WithError(err).Warn("udp: forward to upstream failed")
		f.removeFlow(peer)
		return
	}

	f.clock.Mark()
}

func (f *Forwarder) getOrCreateFlow(ctx context.Context, peer *net.UDPAddr) (*flow, error) {
	key := peer.String()

	f.mu.RLock()
	if fl, ok := f.flows[key]; ok {
		f.mu.RUnlock()
		return fl, nil
	}
	f.mu.RUnlock()

	upstream, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(f.cfg.TargetAddress), Port: int(f.cfg.TargetPort)})
	if err != nil {
		return nil, fmt.Errorf("dial upstream for peer %s: %w", peer, err)
	}
	if err := configureBroadcastTTL(upstream); err != nil {
		f.log.WithError(err).Debug("udp: could not set broadcast/ttl socket options on flow")
	}

	flowCtx, cancel := context.WithCancel(ctx)
	fl := &flow{peer: peer, upstream: upstream, cancel: cancel}
	fl.lastSeen.Store(time.Now().UnixNano())

	f.mu.Lock()
	if existing, ok := f.flows[key]; ok {
		f.mu.Unlock()
		cancel()
		upstream.Close()
		return existing, nil
	}
	f.flows[key] = fl
	f.mu.Unlock()

	go f.responsePump(flowCtx, fl)

	return fl, nil
}

// responsePump is the "one per flow" background task of spec.md §4.6:
// receive from upstream, mark activity, forward to the peer via the shared
// listener socket. Exits on cancel or unrecoverable error.
func (f *Forwarder) responsePump(ctx context.Context, fl *flow) {
	buf := make([]byte, datagramBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if f.cfg.InactiveAfter > 0 {
			fl.upstream.SetReadDeadline(time.Now().Add(f.cfg.InactiveAfter))
		}

		n, err := fl.upstream.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !isIgnorableNetError(err) {
				f.log.WithError(err).Trace("udp: response pump ended")
			}
			return
		}

		fl.lastSeen.Store(time.Now().UnixNano())
		f.clock.Mark()
		f.log.WithField("peer", fl.peer.String()).Trace("udp: forwarding response datagram")

		if _, err := f.listener.WriteToUDP(buf[:n], fl.peer); err != nil {
			if !isIgnorableNetError(err) {
				f.log.WithError(err).Warn("udp: write to peer failed")
			}
			return
		}
	}
}

func (f *Forwarder) removeFlow(peer *net.UDPAddr) {
	key := peer.String()

	f.mu.Lock()
	fl, ok := f.flows[key]
	if ok {
		delete(f.flows, key)
	}
	f.mu.Unlock()

	if ok {
		fl.cancel()
		fl.upstream.Close()
	}
}

// gcLoop wakes every CheckInterval and removes any flow whose peer has been
// silent longer than InactiveAfter (spec.md §4.6 "Flow GC").
func (f *Forwarder) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.closeAllFlows()
			return
		case <-ticker.C:
			f.gcPass()
		}
	}
}

func (f *Forwarder) gcPass() {
	now := time.Now()

	var stale []*flow
	f.mu.Lock()
	for key, fl := range f.flows {
		last := time.Unix(0, fl.lastSeen.Load())
		if now.Sub(last) > f.cfg.InactiveAfter {
			stale = append(stale, fl)
			delete(f.flows, key)
		}
	}
	f.mu.Unlock()

	for _, fl := range stale {
		fl.cancel()
		fl.upstream.Close()
	}
}

func (f *Forwarder) closeAllFlows() {
	f.mu.Lock()
	flows := f.flows
	f.flows = make(map[string]*flow)
	f.mu.Unlock()

	for _, fl := range flows {
		fl.cancel()
		fl.upstream.Close()
	}
}

// configureBroadcastTTL enables SO_BROADCAST and sets IP TTL to 255
// (spec.md §4.6 "Listener"), grounded on the corpus's use of
// golang.org/x/sys/unix + SyscallConn().Control for raw socket option
// access (EvSecDev-SDSyslog's internal/network/socket.go ReuseUDPPort).
func configureBroadcastTTL(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var controlErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
			controlErr = sockErr
			return
		}
		controlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, 255)
	})
	if err != nil {
		return err
	}
	return controlErr
}

func isIgnorableNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection aborted") ||
		strings.Contains(msg, "operation aborted") ||
		strings.Contains(msg, "use of closed network connection")
}
