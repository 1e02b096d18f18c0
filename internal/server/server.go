// Package server owns the UDP endpoint and drives the DHCP server loop
// described in spec.md §4.5: one datagram at a time off the wire, one
// goroutine per datagram to handle it, and a periodic expiry sweep.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/psanford/dhcpeterd/internal/dhcp4d"
	"github.com/psanford/dhcpeterd/internal/leasestore"
	"github.com/psanford/dhcpeterd/internal/metrics"
)

const (
	listenPort  = 67
	maxDatagram = 4096
	sockBufSize = 4096
)

// Server binds the DHCP listen socket, dispatches inbound datagrams to a
// Handler, and runs the periodic lease sweeper.
type Server struct {
	conn    *net.UDPConn
	handler *dhcp4d.Handler
	store   *leasestore.Store
	metrics *metrics.Metrics
	log     *slog.Logger

	sweepInterval time.Duration
}

// New wraps an already-bound conn (see Listen) with a Server that
// dispatches inbound datagrams to handler and sweeps store on a timer.
// handler must send its replies on the same conn, so that callers build
// the handler from the conn Listen returns before calling New.
func New(conn *net.UDPConn, handler *dhcp4d.Handler, store *leasestore.Store, m *metrics.Metrics, log *slog.Logger, sweepInterval time.Duration) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		conn:          conn,
		handler:       handler,
		store:         store,
		metrics:       m,
		log:           log,
		sweepInterval: sweepInterval,
	}, nil
}

// Listen opens a UDP socket bound to 0.0.0.0:67 with SO_REUSEADDR and
// SO_BROADCAST, and 4096-byte send/receive buffer hints, per spec.md §4.5.
// Grounded on dhcpeterd's newUDP4BoundListener, minus SO_BINDTODEVICE: this
// spec listens on the whole host, not one named interface. The returned
// conn is used both to receive datagrams (by Server.Run) and to send
// replies (by the dhcp4d.Handler build from it), since a DHCP reply to an
// unconfigured client must be sent from the same port it was received on.
func Listen() (_ *net.UDPConn, e error) {
	s, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, syscall.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e != nil {
			syscall.Close(s)
		}
	}()

	if err := syscall.SetsockoptInt(s, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return nil, err
	}
	if err := syscall.SetsockoptInt(s, syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1); err != nil {
		return nil, err
	}
	if err := syscall.SetsockoptInt(s, syscall.SOL_SOCKET, syscall.SO_RCVBUF, sockBufSize); err != nil {
		return nil, err
	}
	if err := syscall.SetsockoptInt(s, syscall.SOL_SOCKET, syscall.SO_SNDBUF, sockBufSize); err != nil {
		return nil, err
	}

	lsa := syscall.SockaddrInet4{Port: listenPort}
	if err := syscall.Bind(s, &lsa); err != nil {
		return nil, err
	}

	f := os.NewFile(uintptr(s), "")
	defer f.Close()
	pc, err := net.FilePacketConn(f)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("server: unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// Run accepts datagrams until ctx is cancelled, spawning one goroutine per
// datagram (spec.md §4.5/§9 "Thread-per-packet with a single shared
// socket") and running the periodic sweeper alongside. Run blocks until
// the listen socket is closed.
func (s *Server) Run(ctx context.Context) error {
	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("socket read error", "err", err)
			return err
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go s.handler.HandleDatagram(datagram)
	}
}

// sweepLoop runs sweep_expired at s.sweepInterval until ctx is cancelled.
// The sweeper is purely opportunistic per spec.md §4.5: correctness never
// depends on it running, since GetLease already filters by lease_end.
func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := s.store.SweepExpired(now); err != nil {
				s.log.Error("sweep error", "err", err)
				s.metrics.StoreErrors.Inc()
				continue
			}
			if leases, err := s.store.AllActiveLeases(now); err == nil {
				s.metrics.ActiveLeases.Set(float64(len(leases)))
			}
		}
	}
}

// Close closes the listen socket, unblocking any in-flight Run call.
func (s *Server) Close() error {
	return s.conn.Close()
}
