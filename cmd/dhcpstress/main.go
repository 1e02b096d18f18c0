// Command dhcpstress is the multi-client stress harness spec.md §1
// describes as a companion to the core server: it drives N concurrent
// simulated clients through DISCOVER/OFFER/REQUEST/ACK and periodic
// renewal against a running dhcpeterd instance, to exercise lease
// acquisition and renewal under concurrency (spec.md §8 scenario 6).
//
// Grounded on original_source/multi_client_test.py's SharedSocket: one
// receiver goroutine demultiplexes inbound replies by xid into per-client
// channels, the same role multi_client_test.py's response_queues dict
// plays for its worker threads.
package main

import (
	"encoding/binary"
	"flag"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/krolaw/dhcp4"
)

// minReplyLen is the shortest valid BOOTP datagram (fixed header through
// the magic cookie, before any options), per spec.md §6.
const minReplyLen = 240

var (
	numClients  = flag.Int("clients", 10, "number of simulated clients")
	runFor      = flag.Duration("duration", 30*time.Second, "how long to run the stress harness")
	broadcastIP = flag.String("broadcast", "255.255.255.255", "broadcast address to send DISCOVER/REQUEST to")
	serverPort  = flag.Int("server-port", 67, "DHCP server port")
	clientPort  = flag.Int("client-port", 68, "local port to bind and receive replies on")
)

func main() {
	flag.Parse()

	sock, err := newSharedSocket(*clientPort)
	if err != nil {
		slog.Error("bind shared client socket", "err", err)
		os.Exit(1)
	}
	defer sock.close()

	dest := &net.UDPAddr{IP: net.ParseIP(*broadcastIP), Port: *serverPort}

	var wg sync.WaitGroup
	stop := time.After(*runFor)
	done := make(chan struct{})

	for i := 0; i < *numClients; i++ {
		mac := syntheticMAC(i)
		wg.Add(1)
		go func(mac net.HardwareAddr) {
			defer wg.Done()
			runClient(mac, sock, dest, done)
		}(mac)
	}

	go func() {
		<-stop
		close(done)
	}()

	wg.Wait()
	slog.Info("stress harness finished", "clients", *numClients)
}

// syntheticMAC builds a stable, locally-administered MAC address for
// simulated client i.
func syntheticMAC(i int) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02 // locally administered, unicast
	binary.BigEndian.PutUint32(mac[2:], uint32(i))
	return mac
}

// runClient drives one simulated client through DISCOVER->OFFER,
// REQUEST->ACK, then REQUEST->ACK renewals until done is closed.
func runClient(mac net.HardwareAddr, sock *sharedSocket, dest *net.UDPAddr, done <-chan struct{}) {
	log := slog.With("mac", mac.String())

	xid := randXID()
	replies := sock.register(xid)
	defer func() { sock.unregister(xid) }()

	sock.send(discoverPacket(mac, xid), dest)

	offer, ok := waitReply(replies, 2*time.Second)
	if !ok {
		log.Error("no OFFER received")
		return
	}
	offeredIP := offer.YIAddr()
	log.Info("received offer", "ip", offeredIP)

	leaseEnd := requestAndWaitACK(log, sock, dest, mac, xid, offeredIP, replies)
	if leaseEnd.IsZero() {
		return
	}

	for {
		renewAt := time.Until(leaseEnd) / 2
		if renewAt < time.Second {
			renewAt = time.Second
		}
		select {
		case <-done:
			return
		case <-time.After(renewAt):
		}

		oldXID := xid
		xid = randXID()
		sock.reregister(oldXID, xid, replies)
		leaseEnd = requestAndWaitACK(log, sock, dest, mac, xid, offeredIP, replies)
		if leaseEnd.IsZero() {
			return
		}
	}
}

func requestAndWaitACK(log *slog.Logger, sock *sharedSocket, dest *net.UDPAddr, mac net.HardwareAddr, xid [4]byte, requestedIP net.IP, replies <-chan dhcp4.Packet) time.Time {
	sock.send(requestPacket(mac, xid, requestedIP), dest)

	ack, ok := waitReply(replies, 2*time.Second)
	if !ok {
		log.Error("no ACK received")
		return time.Time{}
	}
	opts := ack.ParseOptions()
	leaseSecs := uint32(3600)
	if v, ok := opts[dhcp4.OptionIPAddressLeaseTime]; ok && len(v) == 4 {
		leaseSecs = binary.BigEndian.Uint32(v)
	}
	log.Info("renewed lease", "ip", ack.YIAddr(), "lease_seconds", leaseSecs)
	return time.Now().Add(time.Duration(leaseSecs) * time.Second)
}

func waitReply(replies <-chan dhcp4.Packet, timeout time.Duration) (dhcp4.Packet, bool) {
	select {
	case p := <-replies:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}

func randXID() [4]byte {
	var xid [4]byte
	binary.BigEndian.PutUint32(xid[:], rand.Uint32())
	return xid
}

func discoverPacket(mac net.HardwareAddr, xid [4]byte) []byte {
	return dhcp4.RequestPacket(dhcp4.Discover, mac, nil, xid[:], true, nil)
}

func requestPacket(mac net.HardwareAddr, xid [4]byte, requestedIP net.IP) []byte {
	opts := []dhcp4.Option{
		{Code: dhcp4.OptionRequestedIPAddress, Value: requestedIP.To4()},
	}
	return dhcp4.RequestPacket(dhcp4.Request, mac, nil, xid[:], true, opts)
}

// sharedSocket is one UDP socket shared by every simulated client,
// demultiplexing inbound replies by xid to the calling client's channel.
// Grounded on original_source/multi_client_test.py's SharedSocket.
type sharedSocket struct {
	conn *net.UDPConn

	mu   sync.Mutex
	subs map[[4]byte]chan dhcp4.Packet
}

func newSharedSocket(port int) (*sharedSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	s := &sharedSocket{
		conn: conn,
		subs: make(map[[4]byte]chan dhcp4.Packet),
	}
	go s.receiveLoop()
	return s, nil
}

func (s *sharedSocket) receiveLoop() {
	buf := make([]byte, 4096)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < minReplyLen {
			continue
		}
		p := dhcp4.Packet(append([]byte(nil), buf[:n]...))
		var xid [4]byte
		copy(xid[:], p.XId())

		s.mu.Lock()
		ch, ok := s.subs[xid]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- p:
			default:
			}
		}
	}
}

func (s *sharedSocket) register(xid [4]byte) chan dhcp4.Packet {
	ch := make(chan dhcp4.Packet, 1)
	s.mu.Lock()
	s.subs[xid] = ch
	s.mu.Unlock()
	return ch
}

// reregister moves a client's subscription from an old xid to a new one,
// for the renewal loop, which picks a fresh xid per REQUEST.
func (s *sharedSocket) reregister(oldXID, newXID [4]byte, ch chan dhcp4.Packet) {
	s.mu.Lock()
	delete(s.subs, oldXID)
	s.subs[newXID] = ch
	s.mu.Unlock()
}

func (s *sharedSocket) unregister(xid [4]byte) {
	s.mu.Lock()
	delete(s.subs, xid)
	s.mu.Unlock()
}

func (s *sharedSocket) send(b []byte, dest *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(b, dest); err != nil {
		slog.Error("stress client send error", "err", err)
	}
}

func (s *sharedSocket) close() error {
	return s.conn.Close()
}
