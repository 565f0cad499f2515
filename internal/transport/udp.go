package transport

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/race/netrace/internal/ratelimit"
)

const maxDatagram = 2048

// UDPTransport sends datagrams directly to peers.
type UDPTransport struct {
	conn    net.PacketConn
	packets chan Packet
	limiter *ratelimit.Limiter
	logger  *log.Logger
	closed  atomic.Bool
	dropped atomic.Uint64
}

// ListenUDP binds addr and starts receiving.
func ListenUDP(addr string, limiter *ratelimit.Limiter, logger *log.Logger) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewUDPTransport(conn, limiter, logger), nil
}

// NewUDPTransport wraps a bound socket and starts receiving. The transport
// owns conn from now on. limiter may be nil.
func NewUDPTransport(conn net.PacketConn, limiter *ratelimit.Limiter, logger *log.Logger) *UDPTransport {
	if logger == nil {
		logger = log.Default()
	}
	t := &UDPTransport{
		conn:    conn,
		packets: make(chan Packet, packetQueueSize),
		limiter: limiter,
		logger:  logger,
	}
	go t.readLoop()
	return t
}

func (t *UDPTransport) readLoop() {
	defer close(t.packets)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if !t.closed.Load() {
				t.logger.Printf("UDP read error: %v", err)
			}
			return
		}
		if n == 0 || !t.limiter.Allow(addr.String()) {
			t.dropped.Add(1)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !enqueue(t.packets, Packet{Data: data, Addr: addr}) {
			t.dropped.Add(1)
		}
	}
}

// SendTo sends one datagram.
func (t *UDPTransport) SendTo(data []byte, addr net.Addr) error {
	if t.closed.Load() {
		return ErrClosed
	}
	_, err := t.conn.WriteTo(data, addr)
	return err
}

// Broadcast sends data to each address in turn. Every address is tried;
// the first error is returned.
func (t *UDPTransport) Broadcast(data []byte, addrs []net.Addr) error {
	var first error
	for _, addr := range addrs {
		if err := t.SendTo(data, addr); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *UDPTransport) Packets() <-chan Packet { return t.packets }
func (t *UDPTransport) LocalAddr() net.Addr    { return t.conn.LocalAddr() }

// Dropped returns how many received packets were discarded.
func (t *UDPTransport) Dropped() uint64 { return t.dropped.Load() }

// Close stops receiving and closes the socket. The packet channel is closed
// once the receive goroutine exits.
func (t *UDPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
