// Package tcp implements the TCP Forwarder (spec.md §4.5): a plain L4
// byte-shuttle between an inbound connection and an upstream dial, gated by
// the Lifecycle Controller and observed by the Activity Clock.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Zallist/slumber-proxy/internal/activity"
	"github.com/Zallist/slumber-proxy/internal/lifecycle"
)

const copyBufferSize = 8 * 1024

const socketBufferSize = 256 * 1024

// Config is the subset of ApplicationConfig the TCP forwarder needs.
type Config struct {
	ListenPort    uint16
	TargetAddress string
	TargetPort    uint16
	InactiveAfter time.Duration
}

// Forwarder binds one TCP listener and proxies every accepted connection to
// TargetAddress:TargetPort once the Lifecycle Controller confirms the
// container group is live.
type Forwarder struct {
	cfg        Config
	clock      *activity.Clock
	controller *lifecycle.Controller
	log        *logrus.Entry
}

// New builds a TCP Forwarder.
func New(cfg Config, clock *activity.Clock, controller *lifecycle.Controller, log *logrus.Entry) *Forwarder {
	return &Forwarder{cfg: cfg, clock: clock, controller: controller, log: log}
}

// Run binds the listener and accepts until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", f.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("bind tcp listener on port %d: %w", f.cfg.ListenPort, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	f.log.WithField("listen_port", f.cfg.ListenPort).Info("tcp forwarder listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isIgnorableNetError(err) {
				continue
			}
			f.log.WithError(err).Warn("tcp accept failed")
			continue
		}

		f.clock.Mark()
		go f.handleConn(ctx, conn)
	}
}

func (f *Forwarder) handleConn(ctx context.Context, inbound net.Conn) {
	defer inbound.Close()

	ok, err := f.controller.EnsureRunning(ctx)
	if err != nil {
		if !isIgnorableErr(err) {
			f.log.WithError(err).Warn("ensure_running failed, dropping connection")
		}
		return
	}
	if !ok {
		f.log.Warn("wake failed, dropping connection")
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	upstream, err := net.Dial("tcp", fmt.Sprintf("%s:%d", f.cfg.TargetAddress, f.cfg.TargetPort))
	if err != nil {
		f.log.WithError(err).Warn("dial upstream failed")
		return
	}
	defer upstream.Close()

	configureUpstream(upstream)

	done := make(chan struct{}, 2)
	go f.copy(inbound, upstream, done)
	go f.copy(upstream, inbound, done)

	<-done

	inbound.Close()
	upstream.Close()
	f.clock.Mark()
}

// copy shuttles bytes from src to dst with an 8 KiB buffer, marking
// activity after every successful write and refreshing the idle deadline
// on both ends of the pipe to InactiveAfter (spec.md §4.5 step 4).
func (f *Forwarder) copy(dst, src net.Conn, done chan<- struct{}) {
	buf := make([]byte, copyBufferSize)

	for {
		if f.cfg.InactiveAfter > 0 {
			src.SetReadDeadline(time.Now().Add(f.cfg.InactiveAfter))
		}

		n, err := src.Read(buf)
		if n > 0 {
			if f.cfg.InactiveAfter > 0 {
				dst.SetWriteDeadline(time.Now().Add(f.cfg.InactiveAfter))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if !isIgnorableNetError(werr) {
					f.log.WithError(werr).Warn("forward write failed")
				}
				break
			}
			f.clock.Mark()
		}
		if err != nil {
			if err != io.EOF && !isIgnorableNetError(err) {
				f.log.WithError(err).Warn("forward read failed")
			}
			break
		}
	}

	done <- struct{}{}
}

func configureUpstream(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	tc.SetReadBuffer(socketBufferSize)
	tc.SetWriteBuffer(socketBufferSize)
}

// isIgnorableNetError reports the "expected network conditions" of
// spec.md §7.4: reset, abort, cancellation — quiet, not logged.
func isIgnorableNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection aborted") ||
		strings.Contains(msg, "operation aborted") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}

func isIgnorableErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
