package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/relay"
)

var (
	ErrRoomNotFound = errors.New(relay.FailMessage(relay.FailNotFound))
	ErrRoomFull     = errors.New(relay.FailMessage(relay.FailFull))
	ErrRelayRefused = errors.New("relay refused the request")
)

// SlotAddr addresses a peer inside a relay room.
type SlotAddr struct {
	Code string
	Slot uint8
}

func (a SlotAddr) Network() string { return "relay" }
func (a SlotAddr) String() string  { return fmt.Sprintf("%s/%d", a.Code, a.Slot) }

// RelayChannel tunnels datagrams through a relay room. The handshake and
// all later traffic use the same socket: the relay identifies peers by
// their source address.
type RelayChannel struct {
	conn   net.PacketConn
	relay  net.Addr
	code   string
	slot   uint8
	logger *log.Logger

	packets chan Packet
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	peers map[uint8]bool // slots heard from and not yet reported gone
}

// CreateRelayRoom asks the relay for a new room and becomes its host
// (slot 0). The channel owns conn afterwards.
func CreateRelayRoom(ctx context.Context, conn net.PacketConn, relayAddr net.Addr, logger *log.Logger) (*RelayChannel, error) {
	req := relay.Encode(relay.Header{Cmd: relay.CmdCreateRoom}, nil)
	h, err := handshake(ctx, conn, relayAddr, req)
	if err != nil {
		return nil, err
	}
	if h.Cmd != relay.CmdRoomCreated {
		return nil, joinError(h)
	}
	return newRelayChannel(conn, relayAddr, h.Code, 0, logger), nil
}

// JoinRelayRoom joins the relay room code as a client. The channel owns
// conn afterwards.
func JoinRelayRoom(ctx context.Context, conn net.PacketConn, relayAddr net.Addr, code string, logger *log.Logger) (*RelayChannel, error) {
	req := relay.Encode(relay.Header{Cmd: relay.CmdJoinRoom, Code: code}, nil)
	h, err := handshake(ctx, conn, relayAddr, req)
	if err != nil {
		return nil, err
	}
	if h.Cmd != relay.CmdJoinOK {
		return nil, joinError(h)
	}
	return newRelayChannel(conn, relayAddr, h.Code, h.Arg, logger), nil
}

func joinError(h relay.Header) error {
	if h.Cmd != relay.CmdJoinFail {
		return ErrRelayRefused
	}
	switch h.Arg {
	case relay.FailNotFound:
		return ErrRoomNotFound
	case relay.FailFull:
		return ErrRoomFull
	}
	return ErrRelayRefused
}

// handshake sends req until the relay answers with a handshake reply or
// ctx ends.
func handshake(ctx context.Context, conn net.PacketConn, relayAddr net.Addr, req []byte) (relay.Header, error) {
	buf := make([]byte, maxDatagram)
	for {
		if _, err := conn.WriteTo(req, relayAddr); err != nil {
			return relay.Header{}, err
		}

		deadline := time.Now().Add(config.JoinRetryInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return relay.Header{}, err
		}

		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				var ne net.Error
				if !errors.As(err, &ne) || !ne.Timeout() {
					return relay.Header{}, err
				}
				break
			}
			if from.String() != relayAddr.String() {
				continue
			}
			h, _, err := relay.Decode(buf[:n])
			if err != nil {
				continue
			}
			switch h.Cmd {
			case relay.CmdRoomCreated, relay.CmdJoinOK, relay.CmdJoinFail:
				conn.SetReadDeadline(time.Time{})
				return h, nil
			}
		}

		if err := ctx.Err(); err != nil {
			conn.SetReadDeadline(time.Time{})
			return relay.Header{}, err
		}
	}
}

func newRelayChannel(conn net.PacketConn, relayAddr net.Addr, code string, slot uint8, logger *log.Logger) *RelayChannel {
	if logger == nil {
		logger = log.Default()
	}
	c := &RelayChannel{
		conn:    conn,
		relay:   relayAddr,
		code:    code,
		slot:    slot,
		logger:  logger,
		packets: make(chan Packet, packetQueueSize),
		done:    make(chan struct{}),
		peers:   make(map[uint8]bool),
	}
	if slot != 0 {
		c.peers[relay.TargetHost] = true
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	return c
}

// Code returns the relay room code.
func (c *RelayChannel) Code() string { return c.code }

// Slot returns this peer's slot; 0 is the host.
func (c *RelayChannel) Slot() uint8 { return c.slot }

// HostAddr is the address of the room host.
func (c *RelayChannel) HostAddr() net.Addr { return SlotAddr{Code: c.code, Slot: relay.TargetHost} }

func (c *RelayChannel) readLoop() {
	defer c.wg.Done()
	defer close(c.packets)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Printf("Relay channel read error: %v", err)
			}
			return
		}
		if from.String() != c.relay.String() {
			continue
		}
		h, payload, err := relay.Decode(buf[:n])
		if err != nil {
			continue
		}

		switch h.Cmd {
		case relay.CmdForward:
			if len(payload) == 0 {
				continue
			}
			c.mu.Lock()
			c.peers[h.Arg] = true
			c.mu.Unlock()
			data := make([]byte, len(payload))
			copy(data, payload)
			enqueue(c.packets, Packet{Data: data, Addr: SlotAddr{Code: c.code, Slot: h.Arg}})
		case relay.CmdPeerLeft:
			c.mu.Lock()
			delete(c.peers, h.Arg)
			c.mu.Unlock()
			enqueue(c.packets, Packet{Addr: SlotAddr{Code: c.code, Slot: h.Arg}, PeerLeft: true})
		}
	}
}

func (c *RelayChannel) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(config.RelayHeartbeatEvery)
	defer ticker.Stop()
	beat := relay.Encode(relay.Header{Cmd: relay.CmdHeartbeat, Code: c.code}, nil)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := c.conn.WriteTo(beat, c.relay); err != nil && !c.closed.Load() {
				c.logger.Printf("Relay heartbeat failed: %v", err)
			}
		}
	}
}

// SendTo forwards data to the peer at addr, which must be a SlotAddr.
func (c *RelayChannel) SendTo(data []byte, addr net.Addr) error {
	if c.closed.Load() {
		return ErrClosed
	}
	target, ok := addr.(SlotAddr)
	if !ok {
		return fmt.Errorf("relay channel: cannot send to %s address %s", addr.Network(), addr)
	}
	_, err := c.conn.WriteTo(relay.Forward(c.code, target.Slot, data), c.relay)
	return err
}

// Broadcast sends one wildcard forward when addrs covers every known peer,
// and per-slot forwards otherwise.
func (c *RelayChannel) Broadcast(data []byte, addrs []net.Addr) error {
	if len(addrs) == 0 {
		return nil
	}
	if c.coversAllPeers(addrs) {
		if c.closed.Load() {
			return ErrClosed
		}
		_, err := c.conn.WriteTo(relay.Forward(c.code, relay.TargetBroadcast, data), c.relay)
		return err
	}
	var first error
	for _, addr := range addrs {
		if err := c.SendTo(data, addr); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *RelayChannel) coversAllPeers(addrs []net.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[uint8]bool, len(addrs))
	for _, addr := range addrs {
		sa, ok := addr.(SlotAddr)
		if !ok || !c.peers[sa.Slot] {
			return false
		}
		want[sa.Slot] = true
	}
	return len(want) == len(c.peers)
}

func (c *RelayChannel) Packets() <-chan Packet { return c.packets }
func (c *RelayChannel) LocalAddr() net.Addr    { return SlotAddr{Code: c.code, Slot: c.slot} }

// Close leaves the relay room and closes the socket.
func (c *RelayChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	leave := relay.Encode(relay.Header{Cmd: relay.CmdLeaveRoom, Code: c.code}, nil)
	c.conn.WriteTo(leave, c.relay)
	close(c.done)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
