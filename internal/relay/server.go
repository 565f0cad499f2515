package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/ratelimit"
	"github.com/race/netrace/internal/roomcode"
)

const (
	maxPacketSize = 4096
	pollInterval  = 500 * time.Millisecond
)

// Stats is a snapshot of relay activity.
type Stats struct {
	Rooms     int    `json:"rooms"`
	Peers     int    `json:"peers"`
	PacketsIn uint64 `json:"packetsIn"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	TimedOut  uint64 `json:"timedOut"`
}

type peer struct {
	addr     net.Addr
	room     *room
	slot     uint8
	lastSeen time.Time
}

// room holds the host in slot 0 and clients in 1..RelayMaxPeers-1.
type room struct {
	code    string
	slots   [config.RelayMaxPeers]*peer
	created time.Time
}

func (r *room) freeSlot() (uint8, bool) {
	for s := 1; s < len(r.slots); s++ {
		if r.slots[s] == nil {
			return uint8(s), true
		}
	}
	return 0, false
}

func (r *room) peerCount() int {
	n := 0
	for _, p := range r.slots {
		if p != nil {
			n++
		}
	}
	return n
}

// Server forwards traffic between the peers of relay rooms. All state is
// owned by the Serve loop; mu only lets Stats read it from elsewhere.
type Server struct {
	conn    net.PacketConn
	cfg     *config.RelayConfig
	limiter *ratelimit.Limiter
	logger  *log.Logger

	mu    sync.Mutex
	rooms map[string]*room
	peers map[string]*peer // by address
	stats Stats
}

// NewServer creates a relay on an already bound socket.
func NewServer(conn net.PacketConn, cfg *config.RelayConfig, logger *log.Logger) *Server {
	if cfg == nil {
		cfg = config.DefaultRelayConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		conn:    conn,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.PacketsPerSecond, cfg.PacketBurst),
		logger:  logger,
		rooms:   make(map[string]*room),
		peers:   make(map[string]*peer),
	}
}

// Serve runs the event loop until ctx is done or the socket fails.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Printf("Relay listening on %s (max rooms %d, peer timeout %s)",
		s.conn.LocalAddr(), s.cfg.MaxRooms, s.cfg.PeerTimeout)

	buf := make([]byte, maxPacketSize)
	lastCleanup := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}
		n, addr, err := s.conn.ReadFrom(buf)
		now := time.Now()
		switch {
		case err == nil:
			data := make([]byte, n)
			copy(data, buf[:n])
			s.HandlePacket(data, addr, now)
		case isTimeout(err):
		case errors.Is(err, net.ErrClosed) && ctx.Err() != nil:
			return nil
		default:
			return err
		}

		if now.Sub(lastCleanup) >= config.RelayCleanupEvery {
			s.Cleanup(now)
			s.limiter.Prune(now, s.cfg.PeerTimeout)
			lastCleanup = now
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HandlePacket processes one datagram received from addr at now.
func (s *Server) HandlePacket(data []byte, addr net.Addr, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.PacketsIn++
	if !s.limiter.AllowAt(addr.String(), now) {
		s.stats.Dropped++
		return
	}
	h, payload, err := Decode(data)
	if err != nil {
		s.stats.Dropped++
		return
	}

	switch h.Cmd {
	case CmdCreateRoom:
		s.handleCreate(addr, now)
	case CmdJoinRoom:
		s.handleJoin(h.Code, addr, now)
	case CmdLeaveRoom:
		if p := s.peers[addr.String()]; p != nil {
			s.removePeer(p)
		}
	case CmdHeartbeat:
		if p := s.peers[addr.String()]; p != nil {
			p.lastSeen = now
		}
	case CmdForward:
		s.handleForward(h.Arg, payload, addr, now)
	default:
		s.stats.Dropped++
	}
}

func (s *Server) handleCreate(addr net.Addr, now time.Time) {
	if p := s.peers[addr.String()]; p != nil {
		s.removePeer(p)
	}
	if len(s.rooms) >= s.cfg.MaxRooms {
		s.send(Encode(Header{Cmd: CmdJoinFail, Arg: FailFull}, nil), addr)
		return
	}
	code, err := roomcode.New(func(c string) bool {
		_, ok := s.rooms[c]
		return ok
	})
	if err != nil {
		s.logger.Printf("Relay: no room code for %s: %v", addr, err)
		s.send(Encode(Header{Cmd: CmdJoinFail, Arg: FailFull}, nil), addr)
		return
	}

	r := &room{code: code, created: now}
	host := &peer{addr: addr, room: r, slot: 0, lastSeen: now}
	r.slots[0] = host
	s.rooms[code] = r
	s.peers[addr.String()] = host

	s.send(Encode(Header{Cmd: CmdRoomCreated, Code: code}, nil), addr)
	s.logger.Printf("Relay room %s created by %s", code, addr)
}

func (s *Server) handleJoin(code string, addr net.Addr, now time.Time) {
	r := s.rooms[code]
	if r == nil {
		s.send(Encode(Header{Cmd: CmdJoinFail, Code: code, Arg: FailNotFound}, nil), addr)
		return
	}

	if p := s.peers[addr.String()]; p != nil {
		if p.room == r {
			// Retried join: answer again with the same slot.
			p.lastSeen = now
			s.send(Encode(Header{Cmd: CmdJoinOK, Code: code, Arg: p.slot}, nil), addr)
			return
		}
		s.removePeer(p)
		if s.rooms[code] == nil {
			s.send(Encode(Header{Cmd: CmdJoinFail, Code: code, Arg: FailNotFound}, nil), addr)
			return
		}
	}

	slot, ok := r.freeSlot()
	if !ok {
		s.send(Encode(Header{Cmd: CmdJoinFail, Code: code, Arg: FailFull}, nil), addr)
		return
	}
	p := &peer{addr: addr, room: r, slot: slot, lastSeen: now}
	r.slots[slot] = p
	s.peers[addr.String()] = p

	s.send(Encode(Header{Cmd: CmdJoinOK, Code: code, Arg: slot}, nil), addr)
	s.logger.Printf("Relay: %s joined room %s as slot %d (%d/%d)",
		addr, code, slot, r.peerCount(), config.RelayMaxPeers)
}

// handleForward delivers payload with the target byte rewritten to the
// sender's slot, so receivers know who sent it.
func (s *Server) handleForward(target uint8, payload []byte, addr net.Addr, now time.Time) {
	sender := s.peers[addr.String()]
	if sender == nil || len(payload) == 0 {
		s.stats.Dropped++
		return
	}
	sender.lastSeen = now
	r := sender.room
	out := Forward(r.code, sender.slot, payload)

	if target == TargetBroadcast {
		for _, p := range r.slots {
			if p != nil && p != sender {
				s.send(out, p.addr)
				s.stats.Forwarded++
			}
		}
		return
	}
	if int(target) >= len(r.slots) {
		s.stats.Dropped++
		return
	}
	if dst := r.slots[target]; dst != nil && dst != sender {
		s.send(out, dst.addr)
		s.stats.Forwarded++
		return
	}
	s.stats.Dropped++
}

// removePeer drops p. A departing host takes the room with it and every
// client hears PEER_LEFT(0); a departing client is announced to the rest.
func (s *Server) removePeer(p *peer) {
	delete(s.peers, p.addr.String())
	r := p.room

	if p.slot == 0 {
		notify := Encode(Header{Cmd: CmdPeerLeft, Code: r.code, Arg: 0}, nil)
		for _, c := range r.slots[1:] {
			if c != nil {
				s.send(notify, c.addr)
				delete(s.peers, c.addr.String())
			}
		}
		delete(s.rooms, r.code)
		s.logger.Printf("Relay: host left room %s, room closed", r.code)
		return
	}

	r.slots[p.slot] = nil
	notify := Encode(Header{Cmd: CmdPeerLeft, Code: r.code, Arg: p.slot}, nil)
	for _, other := range r.slots {
		if other != nil {
			s.send(notify, other.addr)
		}
	}
	s.logger.Printf("Relay: slot %d left room %s (%d/%d)",
		p.slot, r.code, r.peerCount(), config.RelayMaxPeers)
}

// Cleanup removes peers silent for longer than the peer timeout.
func (s *Server) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*peer
	for _, p := range s.peers {
		if now.Sub(p.lastSeen) > s.cfg.PeerTimeout {
			stale = append(stale, p)
		}
	}
	removed := 0
	for _, p := range stale {
		// A host removal may already have dropped its clients.
		if s.peers[p.addr.String()] != p {
			continue
		}
		s.logger.Printf("Relay: %s timed out", p.addr)
		s.removePeer(p)
		s.stats.TimedOut++
		removed++
	}
	return removed
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Rooms = len(s.rooms)
	st.Peers = len(s.peers)
	return st
}

func (s *Server) send(data []byte, addr net.Addr) {
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		s.logger.Printf("Relay: send to %s failed: %v", addr, err)
	}
}
