package matchmaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/game"
	"github.com/race/netrace/internal/network"
	"github.com/race/netrace/internal/roomcode"
)

// ErrServerFull is returned when no more rooms may be created.
var ErrServerFull = errors.New("server full")

// Matchmaker handles room creation, lookup by code and rematches
type Matchmaker struct {
	mu       sync.RWMutex
	rooms    map[string]*game.Room
	cfg      game.RoomConfig
	outbox   game.Outbox
	maxRooms int
	created  int64

	onPlayerKick func(code string, playerID uint8, reason string)
}

// NewMatchmaker creates a new matchmaker. Every room it creates uses cfg.
func NewMatchmaker(cfg game.RoomConfig, outbox game.Outbox, maxRooms int) *Matchmaker {
	if maxRooms <= 0 {
		maxRooms = config.MaxRoomsPerServer
	}
	return &Matchmaker{
		rooms:    make(map[string]*game.Room),
		cfg:      cfg,
		outbox:   outbox,
		maxRooms: maxRooms,
	}
}

// SetOnPlayerKick registers the callback for players a room drops.
// It applies to rooms created afterwards.
func (m *Matchmaker) SetOnPlayerKick(fn func(code string, playerID uint8, reason string)) {
	m.mu.Lock()
	m.onPlayerKick = fn
	m.mu.Unlock()
}

// FindRoom returns a joinable public room, creating one if none has space
func (m *Matchmaker) FindRoom() (*game.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if room := m.rooms[code]; !room.Private() && room.CanJoin() {
			return room, nil
		}
	}
	return m.createLocked(m.cfg)
}

// CreateRoom creates a named room under a fresh code. Its first player
// becomes the admin.
func (m *Matchmaker) CreateRoom(name string, private bool) (*game.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	cfg.Name = name
	cfg.Private = private
	cfg.Admin = true
	return m.createLocked(cfg)
}

func (m *Matchmaker) createLocked(cfg game.RoomConfig) (*game.Room, error) {
	if len(m.rooms) >= m.maxRooms {
		return nil, ErrServerFull
	}
	code, err := roomcode.New(func(c string) bool {
		_, ok := m.rooms[c]
		return ok
	})
	if err != nil {
		return nil, err
	}
	room := m.newRoomLocked(code, cfg)
	m.rooms[code] = room
	room.Start()
	return room, nil
}

func (m *Matchmaker) newRoomLocked(code string, cfg game.RoomConfig) *game.Room {
	if m.cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	} else {
		cfg.Seed = m.cfg.Seed + m.created
	}
	m.created++

	room := game.NewRoom(code, cfg, m.outbox)
	room.SetOnDone(m.rematch)
	if kick := m.onPlayerKick; kick != nil {
		room.SetOnPlayerKick(func(playerID uint8, reason string) {
			kick(code, playerID, reason)
		})
	}
	return room
}

// rematch replaces a finished room with a fresh one under the same code,
// seating the same players in the same slots with the same settings.
// Players leave through RemovePlayer, which also holds mu, so nobody can
// leave between the handover and the swap.
func (m *Matchmaker) rematch(old *game.Room) {
	m.mu.Lock()
	if m.rooms[old.Code] != old {
		m.mu.Unlock()
		return
	}
	handover := old.Handover()
	if len(handover.Players) == 0 {
		delete(m.rooms, old.Code)
		m.mu.Unlock()
		old.Stop()
		return
	}

	room := m.newRoomLocked(old.Code, old.Config())
	room.Adopt(handover)
	m.rooms[old.Code] = room
	m.mu.Unlock()

	old.Stop()
	room.Start()
}

// Rematch forces the rematch of room now, without waiting for its linger.
func (m *Matchmaker) Rematch(room *game.Room) {
	m.rematch(room)
}

// GetRoom gets a room by code
func (m *Matchmaker) GetRoom(code string) *game.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.rooms[roomcode.Normalize(code)]
}

// RemovePlayer takes a player out of whichever room currently holds code.
func (m *Matchmaker) RemovePlayer(code string, playerID uint8) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room := m.rooms[roomcode.Normalize(code)]
	return room != nil && room.RemovePlayer(playerID)
}

// ListRooms returns the public rooms ordered by code, at most limit of
// them when limit > 0.
func (m *Matchmaker) ListRooms(limit int) []network.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]network.RoomInfo, 0, len(m.rooms))
	for _, room := range m.rooms {
		if !room.Private() {
			list = append(list, room.Info())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// RemoveRoom removes a room
func (m *Matchmaker) RemoveRoom(code string) {
	m.mu.Lock()
	room, ok := m.rooms[code]
	delete(m.rooms, code)
	m.mu.Unlock()

	if ok {
		room.Stop()
	}
}

// CleanupEmptyRooms removes all empty rooms
func (m *Matchmaker) CleanupEmptyRooms() int {
	m.mu.Lock()
	var empty []*game.Room
	for code, room := range m.rooms {
		if room.IsEmpty() {
			empty = append(empty, room)
			delete(m.rooms, code)
		}
	}
	m.mu.Unlock()

	for _, room := range empty {
		room.Stop()
	}
	return len(empty)
}

// StopAll stops every room loop, used on shutdown.
func (m *Matchmaker) StopAll() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*game.Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Stop()
	}
}

// GetStats returns matchmaker statistics
func (m *Matchmaker) GetStats() MatchmakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MatchmakerStats{
		TotalRooms: len(m.rooms),
		Rooms:      make([]RoomStats, 0, len(m.rooms)),
	}

	for code, room := range m.rooms {
		playerCount := room.GetPlayerCount()
		stats.TotalPlayers += playerCount
		stats.Rooms = append(stats.Rooms, RoomStats{
			Code:        code,
			Name:        room.Config().Name,
			Private:     room.Private(),
			State:       room.State().String(),
			PlayerCount: playerCount,
			MaxPlayers:  config.MaxPlayersPerRoom,
		})
	}
	sort.Slice(stats.Rooms, func(i, j int) bool { return stats.Rooms[i].Code < stats.Rooms[j].Code })

	return stats
}

// MatchmakerStats contains matchmaker statistics
type MatchmakerStats struct {
	TotalRooms   int         `json:"totalRooms"`
	TotalPlayers int         `json:"totalPlayers"`
	Rooms        []RoomStats `json:"rooms"`
}

// RoomStats contains room statistics
type RoomStats struct {
	Code        string `json:"code"`
	Name        string `json:"name,omitempty"`
	Private     bool   `json:"private"`
	State       string `json:"state"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
}
