package dhcp4d

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/krolaw/dhcp4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/psanford/dhcpeterd/internal/allocator"
	"github.com/psanford/dhcpeterd/internal/leasestore"
	"github.com/psanford/dhcpeterd/internal/metrics"
)

// Store is everything the session handler needs from the lease store:
// the allocator's read path plus the two mutations REQUEST and an
// administrative release perform.
type Store interface {
	allocator.Store
	UpsertLease(mac string, ip net.IP, hostname string, leaseSeconds int, now time.Time) error
	DeleteLease(mac string) error
}

// Broadcast is the destination the handler sends every reply to:
// 255.255.255.255:68, per spec.md §4.4.
var Broadcast = &net.UDPAddr{IP: net.IPv4bcast, Port: 68}

// Sender abstracts the outbound side of the UDP socket so the handler is
// testable without a real network connection.
type Sender interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Handler implements the DISCOVER/REQUEST/RELEASE/DECLINE/INFORM dispatch
// of spec.md §4.4. One Handler serves one broadcast segment.
type Handler struct {
	Store        Store
	Pool         allocator.Pool
	ServerIP     net.IP
	LeaseSeconds int
	Options      StaticOptions
	Conn         Sender
	Metrics      *metrics.Metrics
	Log          *slog.Logger

	now func() time.Time

	// mu serializes the allocate-then-commit sequence
	// {get_static, get_lease, sweep_expired, all_active_leases,
	// upsert_lease} spec.md §5 requires be atomic as a whole: two
	// concurrent REQUESTs must never observe the same "first free IP"
	// snapshot before either commits.
	mu sync.Mutex
}

// NewHandler constructs a Handler. By default it logs via slog.Default(),
// uses time.Now as its clock, and owns a private, unregistered Metrics
// bundle; override any of these with WithLogger/WithClock/WithMetrics.
func NewHandler(store Store, pool allocator.Pool, serverIP net.IP, leaseSeconds int, staticOpts StaticOptions, conn Sender, opts ...Option) *Handler {
	o := options{
		now:     time.Now,
		log:     slog.Default(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	for _, opt := range opts {
		opt.set(&o)
	}
	return &Handler{
		Store:        store,
		Pool:         pool,
		ServerIP:     serverIP,
		LeaseSeconds: leaseSeconds,
		Options:      staticOpts,
		Conn:         conn,
		Metrics:      o.metrics,
		Log:          o.log,
		now:          o.now,
	}
}

// HandleDatagram is the entry point for one inbound datagram. It is safe to
// call concurrently from many goroutines, one per datagram, per spec.md §5.
func (h *Handler) HandleDatagram(buf []byte) {
	msg, err := Parse(buf)
	if err != nil {
		h.Log.Warn("malformed dhcp packet, dropping", "err", err)
		h.count(h.Metrics.MalformedPacket)
		h.countReason("malformed")
		return
	}

	mac := msg.ClientMAC.String()

	switch msg.MessageType {
	case dhcp4.Discover:
		h.handleDiscover(msg, mac)
	case dhcp4.Request:
		h.handleRequest(msg, mac)
	case dhcp4.Release:
		// The reference logs and lets the lease expire naturally rather
		// than deleting it; see DESIGN.md Open Questions.
		h.Log.Info("release", "mac", mac)
	case dhcp4.Decline, dhcp4.Inform:
		h.Log.Info("dropping unsupported message type", "mac", mac, "type", msg.MessageType)
		h.countReason("unsupported")
	default:
		h.Log.Info("dropping unknown message type", "mac", mac, "type", msg.MessageType)
		h.countReason("unknown-type")
	}
}

func (h *Handler) handleDiscover(msg *Message, mac string) {
	h.mu.Lock()
	ip, err := allocator.Allocate(h.Store, h.Pool, mac, h.now())
	h.mu.Unlock()

	if err == allocator.ErrPoolExhausted {
		h.Log.Error("cannot offer: pool exhausted", "mac", mac)
		h.count(h.Metrics.PoolExhausted)
		h.countReason("pool-exhausted")
		return
	}
	if err != nil {
		h.Log.Error("store error allocating for discover", "mac", mac, "err", err)
		h.count(h.Metrics.StoreErrors)
		h.countReason("store-error")
		return
	}

	h.Log.Info("discover", "mac", mac, "hostname", msg.Hostname, "offer_ip", ip)
	h.sendReply(dhcp4.Offer, msg, ip)
	h.count(h.Metrics.OffersSent)
}

func (h *Handler) handleRequest(msg *Message, mac string) {
	if msg.ServerIdentifier != nil && !msg.ServerIdentifier.Equal(h.ServerIP) {
		// Client selected a different server; drop silently per spec.md §4.4.
		h.Log.Debug("request for another server, dropping", "mac", mac, "server_id", msg.ServerIdentifier)
		return
	}

	h.mu.Lock()
	ip, err := allocator.Allocate(h.Store, h.Pool, mac, h.now())
	if err == nil {
		err = h.Store.UpsertLease(mac, ip, msg.Hostname, h.LeaseSeconds, h.now())
	}
	h.mu.Unlock()

	if err == allocator.ErrPoolExhausted {
		h.Log.Error("cannot ack: pool exhausted", "mac", mac)
		h.count(h.Metrics.PoolExhausted)
		h.countReason("pool-exhausted")
		return
	}
	if err != nil {
		h.Log.Error("store error handling request", "mac", mac, "err", err)
		h.count(h.Metrics.StoreErrors)
		h.countReason("store-error")
		return
	}

	h.Log.Info("request", "mac", mac, "hostname", msg.Hostname, "ack_ip", ip)
	h.sendReply(dhcp4.ACK, msg, ip)
	h.count(h.Metrics.LeasesIssued)
	if leases, err := h.Store.AllActiveLeases(h.now()); err == nil {
		h.Metrics.ActiveLeases.Set(float64(len(leases)))
	}
}

func (h *Handler) sendReply(mt dhcp4.MessageType, msg *Message, yourIP net.IP) {
	out := Serialize(ReplyParams{
		MessageType:  mt,
		XID:          msg.XID,
		YourIP:       yourIP,
		ClientMAC:    msg.ClientMAC,
		ServerIP:     h.ServerIP,
		LeaseSeconds: uint32(h.LeaseSeconds),
		Options:      h.Options,
	})

	if _, err := h.Conn.WriteTo(out, Broadcast); err != nil {
		h.Log.Error("socket send error", "err", err)
	}
}

func (h *Handler) count(c interface{ Inc() }) {
	c.Inc()
}

func (h *Handler) countReason(reason string) {
	h.Metrics.Dropped.WithLabelValues(reason).Inc()
}

// StaticLeaseFromReservation adapts a config-level static reservation into
// the leasestore.Reservation row the allocator reads.
func StaticLeaseFromReservation(mac, ip, hostname, description string) leasestore.Reservation {
	return leasestore.Reservation{
		MAC:         mac,
		IP:          net.ParseIP(ip),
		Hostname:    hostname,
		Description: description,
	}
}
