// Package transport moves datagrams for the server and client. Direct UDP,
// a relay channel and websockets all present the same surface, so nothing
// above this package knows how packets travel.
package transport

import (
	"errors"
	"net"
)

// packetQueueSize bounds the receive queue. The receive goroutine never
// blocks: when the queue is full the packet is dropped.
const packetQueueSize = 1024

// ErrClosed is returned by sends on a closed transport.
var ErrClosed = errors.New("transport closed")

// Packet is one received datagram. PeerLeft marks a synthetic packet
// reporting that the peer at Addr is gone; Data is empty then.
type Packet struct {
	Data     []byte
	Addr     net.Addr
	PeerLeft bool
}

// Transport is an unreliable, unordered datagram endpoint.
type Transport interface {
	SendTo(data []byte, addr net.Addr) error
	// Broadcast sends data to every address in addrs.
	Broadcast(data []byte, addrs []net.Addr) error
	Packets() <-chan Packet
	LocalAddr() net.Addr
	Close() error
}

// enqueue hands p to the consumer without blocking.
func enqueue(ch chan<- Packet, p Packet) bool {
	select {
	case ch <- p:
		return true
	default:
		return false
	}
}
