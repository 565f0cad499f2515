// Package server is the authoritative game server: it binds one transport,
// turns datagrams into room operations and implements the rooms' outbox.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/game"
	"github.com/race/netrace/internal/matchmaker"
	"github.com/race/netrace/internal/network"
	"github.com/race/netrace/internal/roomcode"
	"github.com/race/netrace/internal/transport"
)

const sweepInterval = time.Second

// roomListLimit keeps a room list reply within one small datagram.
const roomListLimit = 24

// session is one joined player, keyed by transport address.
type session struct {
	key       string
	addr      net.Addr
	roomCode  string
	playerID  uint8
	name      string
	lastHeard time.Time
}

// Stats is the /stats payload.
type Stats struct {
	InstanceID string                     `json:"instanceId"`
	Uptime     string                     `json:"uptime"`
	Transport  string                     `json:"transport"`
	Sessions   int                        `json:"sessions"`
	PacketsIn  uint64                     `json:"packetsIn"`
	Malformed  uint64                     `json:"malformed"`
	TimedOut   uint64                     `json:"timedOut"`
	Rooms      matchmaker.MatchmakerStats `json:"rooms"`
}

// Server routes packets between one transport and the rooms.
type Server struct {
	cfg        *config.ServerConfig
	transport  transport.Transport
	matchmaker *matchmaker.Matchmaker
	protocol   *network.Protocol
	logger     *log.Logger
	instanceID string
	started    time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	members  map[string]map[uint8]*session // room code -> player id

	seq       atomic.Uint32
	packetsIn atomic.Uint64
	malformed atomic.Uint64
	timedOut  atomic.Uint64
}

// New creates a server on tr. The track named in cfg must exist.
func New(cfg *config.ServerConfig, tr transport.Transport, logger *log.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	catalog := game.NewCatalog(game.DefaultTileRegistry())
	track, err := catalog.Track(cfg.Track)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		transport:  tr,
		protocol:   network.NewProtocol(),
		logger:     logger,
		instanceID: uuid.NewString(),
		started:    time.Now(),
		sessions:   make(map[string]*session),
		members:    make(map[string]map[uint8]*session),
	}
	s.matchmaker = matchmaker.NewMatchmaker(game.RoomConfig{
		Track:      track,
		Bots:       cfg.Bots,
		MinPlayers: cfg.MinPlayers,
		LobbyGrace: cfg.LobbyGrace,
		DoneLinger: cfg.DoneLinger,
		Laps:       config.TotalLaps,
		Seed:       cfg.Seed,
		Policy:     game.WaypointPolicy{Lookahead: 3},
		Logger:     logger,
		Tracks:     catalog,
	}, s, config.MaxRoomsPerServer)
	s.matchmaker.SetOnPlayerKick(s.kick)
	return s, nil
}

// Matchmaker exposes the room registry.
func (s *Server) Matchmaker() *matchmaker.Matchmaker { return s.matchmaker }

// Run processes packets until ctx is done or the transport closes, then
// disconnects everyone and stops the rooms.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer s.shutdown()

	packets := s.transport.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packets:
			if !ok {
				return errors.New("transport closed")
			}
			s.HandlePacket(p, time.Now())
		case now := <-ticker.C:
			s.SweepTimeouts(now)
			if n := s.matchmaker.CleanupEmptyRooms(); n > 0 {
				s.logger.Printf("Cleaned up %d empty rooms", n)
			}
		}
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	addrs := make([]net.Addr, 0, len(s.sessions))
	for _, sess := range s.sessions {
		addrs = append(addrs, sess.addr)
	}
	s.sessions = make(map[string]*session)
	s.members = make(map[string]map[uint8]*session)
	s.mu.Unlock()

	if len(addrs) > 0 {
		s.transport.Broadcast(s.protocol.EncodeDisconnect(s.nextSeq()), addrs)
	}
	s.matchmaker.StopAll()
}

// HandlePacket processes one received packet. Malformed packets are
// dropped without a reply.
func (s *Server) HandlePacket(p transport.Packet, now time.Time) {
	s.packetsIn.Add(1)
	key := p.Addr.String()

	if p.PeerLeft {
		s.dropSession(key, "peer left", false)
		return
	}

	msgType, _, err := network.PeekType(p.Data)
	if err != nil {
		s.malformed.Add(1)
		return
	}

	switch msgType {
	case network.MsgTypeJoinRequest:
		req, err := s.protocol.DecodeJoinRequest(p.Data)
		if err != nil {
			s.malformed.Add(1)
			return
		}
		s.handleJoin(req, p.Addr, now)

	case network.MsgTypeCreateRoom:
		req, err := s.protocol.DecodeCreateRoom(p.Data)
		if err != nil {
			s.malformed.Add(1)
			return
		}
		s.handleCreate(req, p.Addr, now)

	case network.MsgTypeRoomListRequest:
		s.send(s.protocol.EncodeRoomList(s.nextSeq(), s.matchmaker.ListRooms(roomListLimit)), p.Addr)

	case network.MsgTypeRoomConfig:
		change, err := s.protocol.DecodeRoomConfig(p.Data)
		if err != nil {
			s.malformed.Add(1)
			return
		}
		sess := s.touch(key, now)
		if sess == nil {
			return
		}
		if room := s.matchmaker.GetRoom(sess.roomCode); room != nil {
			if err := room.Configure(sess.playerID, change); err != nil {
				s.logger.Printf("Room %s: change from player %d refused: %v", sess.roomCode, sess.playerID, err)
			}
		}

	case network.MsgTypeInput:
		samples, err := s.protocol.DecodeInput(p.Data)
		if err != nil {
			s.malformed.Add(1)
			return
		}
		sess := s.touch(key, now)
		if sess == nil {
			return
		}
		if room := s.matchmaker.GetRoom(sess.roomCode); room != nil {
			room.HandleInput(sess.playerID, samples)
		}

	case network.MsgTypePing:
		ts, err := s.protocol.DecodeTimestamp(p.Data)
		if err != nil {
			s.malformed.Add(1)
			return
		}
		s.touch(key, now)
		s.send(s.protocol.EncodePong(s.nextSeq(), ts), p.Addr)

	case network.MsgTypeDisconnect:
		s.dropSession(key, "disconnected", false)
	}
}

func (s *Server) handleJoin(req network.JoinRequest, addr net.Addr, now time.Time) {
	if s.resendAccept(addr, now) {
		return
	}

	name := sanitizeName(req.Name)
	var room *game.Room
	if code := roomcode.Normalize(req.RoomCode); code != "" {
		room = s.matchmaker.GetRoom(code)
		if room == nil {
			s.reject(addr, network.RejectNotFound)
			return
		}
	} else {
		var err error
		room, err = s.matchmaker.FindRoom()
		if err != nil {
			s.logger.Printf("No room for %s: %v", addr, err)
			s.reject(addr, network.RejectRoomFull)
			return
		}
	}

	s.seat(room, name, addr, now)
}

func (s *Server) handleCreate(req network.CreateRoom, addr net.Addr, now time.Time) {
	if s.resendAccept(addr, now) {
		return
	}

	name := sanitizeName(req.PlayerName)
	room, err := s.matchmaker.CreateRoom(roomName(req.RoomName, name), req.Private)
	if err != nil {
		s.logger.Printf("No room for %s: %v", addr, err)
		s.reject(addr, network.RejectRoomFull)
		return
	}
	s.seat(room, name, addr, now)
}

// resendAccept answers a retried request from a seated player with the
// same accept. Returns false when the address holds no seat.
func (s *Server) resendAccept(addr net.Addr, now time.Time) bool {
	key := addr.String()
	sess := s.touch(key, now)
	if sess == nil {
		return false
	}
	if room := s.matchmaker.GetRoom(sess.roomCode); room != nil && room.Player(sess.playerID) != nil {
		s.sendAccept(room, sess.playerID, addr)
		return true
	}
	s.dropSession(key, "stale session", false)
	return false
}

func (s *Server) seat(room *game.Room, name string, addr net.Addr, now time.Time) {
	key := addr.String()
	player, err := room.AddPlayer(name)
	if err != nil {
		var roomErr *game.RoomError
		if errors.As(err, &roomErr) {
			s.reject(addr, roomErr.Code)
		} else {
			s.reject(addr, network.RejectRoomFull)
		}
		return
	}

	sess := &session{
		key:       key,
		addr:      addr,
		roomCode:  room.Code,
		playerID:  player.ID,
		name:      name,
		lastHeard: now,
	}
	s.mu.Lock()
	s.sessions[key] = sess
	if s.members[room.Code] == nil {
		s.members[room.Code] = make(map[uint8]*session)
	}
	s.members[room.Code][player.ID] = sess
	s.mu.Unlock()

	s.sendAccept(room, player.ID, addr)
	s.logger.Printf("Player '%s' (ID: %d) joined room %s from %s", name, player.ID, room.Code, addr)
}

func (s *Server) sendAccept(room *game.Room, playerID uint8, addr net.Addr) {
	accept := network.JoinAccept{
		PlayerID:   playerID,
		MaxPlayers: config.MaxPlayersPerRoom,
		RoomCode:   room.Code,
	}
	s.send(s.protocol.EncodeJoinAccept(s.nextSeq(), accept), addr)
	// The lobby comes from the room so it is numbered with the room's
	// other packets.
	room.Welcome(playerID)
}

func (s *Server) reject(addr net.Addr, reason uint8) {
	s.send(s.protocol.EncodeJoinReject(s.nextSeq(), reason), addr)
}

// touch refreshes the session's last-heard time and returns it, or nil.
func (s *Server) touch(key string, now time.Time) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[key]
	if sess != nil {
		sess.lastHeard = now
	}
	return sess
}

// dropSession forgets a session and removes its player from the room.
func (s *Server) dropSession(key, reason string, notify bool) {
	s.mu.Lock()
	sess := s.sessions[key]
	if sess != nil {
		delete(s.sessions, key)
		if m := s.members[sess.roomCode]; m != nil && m[sess.playerID] == sess {
			delete(m, sess.playerID)
			if len(m) == 0 {
				delete(s.members, sess.roomCode)
			}
		}
	}
	s.mu.Unlock()

	if sess == nil {
		return
	}
	if notify {
		s.send(s.protocol.EncodeDisconnect(s.nextSeq()), sess.addr)
	}
	s.matchmaker.RemovePlayer(sess.roomCode, sess.playerID)
	s.logger.Printf("Player '%s' (ID: %d) left room %s: %s", sess.name, sess.playerID, sess.roomCode, reason)
}

func (s *Server) kick(code string, playerID uint8, reason string) {
	s.mu.RLock()
	var key string
	if sess := s.members[code][playerID]; sess != nil {
		key = sess.key
	}
	s.mu.RUnlock()

	if key != "" {
		s.dropSession(key, "kicked: "+reason, true)
	}
}

// SweepTimeouts drops sessions silent for longer than PlayerTimeout.
func (s *Server) SweepTimeouts(now time.Time) int {
	s.mu.RLock()
	var stale []string
	for key, sess := range s.sessions {
		if now.Sub(sess.lastHeard) > s.cfg.PlayerTimeout {
			stale = append(stale, key)
		}
	}
	s.mu.RUnlock()

	for _, key := range stale {
		s.dropSession(key, "timed out", false)
		s.timedOut.Add(1)
	}
	return len(stale)
}

// Broadcast implements game.Outbox.
func (s *Server) Broadcast(roomCode string, data []byte) {
	s.mu.RLock()
	members := s.members[roomCode]
	addrs := make([]net.Addr, 0, len(members))
	for _, sess := range members {
		addrs = append(addrs, sess.addr)
	}
	s.mu.RUnlock()

	if len(addrs) == 0 {
		return
	}
	if err := s.transport.Broadcast(data, addrs); err != nil {
		s.logger.Printf("Broadcast to room %s failed: %v", roomCode, err)
	}
}

// SendTo implements game.Outbox.
func (s *Server) SendTo(roomCode string, playerID uint8, data []byte) {
	s.mu.RLock()
	sess := s.members[roomCode][playerID]
	s.mu.RUnlock()
	if sess != nil {
		s.send(data, sess.addr)
	}
}

func (s *Server) send(data []byte, addr net.Addr) {
	if err := s.transport.SendTo(data, addr); err != nil {
		s.logger.Printf("Send to %s failed: %v", addr, err)
	}
}

func (s *Server) nextSeq() uint16 {
	return uint16(s.seq.Add(1))
}

// SessionCount returns the number of joined players.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats returns a snapshot for monitoring.
func (s *Server) Stats() Stats {
	return Stats{
		InstanceID: s.instanceID,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Transport:  s.cfg.Transport,
		Sessions:   s.SessionCount(),
		PacketsIn:  s.packetsIn.Load(),
		Malformed:  s.malformed.Load(),
		TimedOut:   s.timedOut.Load(),
		Rooms:      s.matchmaker.GetStats(),
	}
}

// roomName defaults an empty room name to the creator's.
func roomName(name, creator string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = creator + "'s room"
	}
	if len(name) > network.NameSize {
		name = name[:network.NameSize]
	}
	return name
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Player"
	}
	if len(name) > network.NameSize {
		name = name[:network.NameSize]
	}
	return name
}
