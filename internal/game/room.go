// Package game implements the race simulation and the room that runs it:
// vehicles, physics, collisions, tracks, power-ups, bots, and the
// lobby/countdown/race state machine.
package game

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
)

// State is the room lifecycle state
type State uint8

const (
	StateLobby     = State(network.RoomLobby)
	StateCountdown = State(network.RoomCountdown)
	StateRacing    = State(network.RoomRacing)
	StateDone      = State(network.RoomDone)
)

func (s State) String() string {
	switch s {
	case StateLobby:
		return "LOBBY"
	case StateCountdown:
		return "COUNTDOWN"
	case StateRacing:
		return "RACING"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// BotIDBase is the first vehicle id given to bots; humans use their slot.
const BotIDBase = 100

// Outbox delivers room traffic. Implementations must not block for long:
// the room calls it from its tick loop.
type Outbox interface {
	Broadcast(roomCode string, data []byte)
	SendTo(roomCode string, playerID uint8, data []byte)
}

// RoomConfig configures a room and the races it runs.
type RoomConfig struct {
	Track      Track
	Bots       int
	MinPlayers int
	LobbyGrace time.Duration // min players must stay this long before the countdown
	DoneLinger time.Duration // results stay up this long before OnDone fires
	Laps       int
	Seed       int64
	Policy     Policy
	Logger     *log.Logger

	Name    string      // shown in the room list
	Private bool        // left out of the room list and quick match
	Admin   bool        // the first seated player runs the lobby
	Tracks  TrackSource // what an admin may switch to; nil pins Track
}

// RoomError is a join failure with the reject reason sent to the client.
type RoomError struct {
	Code    uint8
	Message string
}

func (e *RoomError) Error() string {
	return e.Message
}

var (
	ErrRoomFull   = &RoomError{Code: network.RejectRoomFull, Message: "room is full"}
	ErrRoomRacing = &RoomError{Code: network.RejectRacing, Message: "race in progress"}
)

var (
	ErrNotAdmin   = errors.New("only the room admin can change the lobby")
	ErrNotInLobby = errors.New("lobby settings are fixed outside the lobby")
)

// Handover is what a rematch room takes over from the finished one.
type Handover struct {
	Players []*Player
	Admin   uint8
	Seq     uint16
}

type outgoing struct {
	broadcast bool
	to        uint8
	data      []byte
}

// Room is one match.
//
// Each room has its own:
// - Fixed 60Hz tick with bounded catch-up
// - Snapshot stream every SnapshotEveryTicks ticks
// - World, created at countdown start and dropped on return to lobby
// - Flood guard on the input path
//
// Thread Safety:
// mu guards everything below it. Packets produced while mu is held are
// queued in pending and handed to the Outbox only after mu is released,
// so the room never holds its lock across a send.
type Room struct {
	mu sync.Mutex

	Code       string
	cfg        RoomConfig
	protocol   *network.Protocol
	outbox     Outbox
	floodGuard *FloodGuard
	logger     *log.Logger

	state   State
	slots   [config.MaxPlayersPerRoom]*Player
	admin   uint8 // network.NoAdmin when nobody runs the lobby
	world   *World
	results []network.ResultEntry

	tickCount      uint64
	seq            uint16
	lobbyHeldTicks int
	lobbyNextSend  int
	countdownTicks int
	doneTicks      int
	doneFired      bool
	startRequested bool
	pending        []outgoing

	accumulator time.Duration // owned by the loop goroutine
	running     atomic.Bool
	stopChan    chan struct{}

	onPlayerKick func(playerID uint8, reason string)
	onDone       func(r *Room)
}

// NewRoom creates a new room in LOBBY.
// The room is not started automatically - call Start() to begin the loop.
func NewRoom(code string, cfg RoomConfig, outbox Outbox) *Room {
	if cfg.MinPlayers < 1 {
		cfg.MinPlayers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Room{
		Code:       code,
		cfg:        cfg,
		protocol:   network.NewProtocol(),
		outbox:     outbox,
		floodGuard: NewFloodGuard(),
		logger:     logger,
		state:      StateLobby,
		admin:      network.NoAdmin,
		stopChan:   make(chan struct{}),
	}
}

// SetOnPlayerKick registers the callback for players the flood guard drops.
func (r *Room) SetOnPlayerKick(fn func(playerID uint8, reason string)) {
	r.mu.Lock()
	r.onPlayerKick = fn
	r.mu.Unlock()
}

// SetOnDone registers the callback fired once, DoneLinger after the race ends.
func (r *Room) SetOnDone(fn func(r *Room)) {
	r.mu.Lock()
	r.onDone = fn
	r.mu.Unlock()
}

// Start begins the room's loop in a separate goroutine.
// Safe to call multiple times - subsequent calls are no-ops.
func (r *Room) Start() {
	if r.running.Swap(true) {
		return
	}
	go r.gameLoop()
	r.logger.Printf("Room %s started", r.Code)
}

// Stop stops the room's loop.
// Safe to call multiple times - subsequent calls are no-ops.
func (r *Room) Stop() {
	if !r.running.Swap(false) {
		return
	}
	close(r.stopChan)
	r.logger.Printf("Room %s stopped", r.Code)
}

func (r *Room) gameLoop() {
	step := time.Second / config.PhysicsTickRate
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-r.stopChan:
			return
		case now := <-ticker.C:
			r.Advance(now.Sub(last))
			last = now
		}
	}
}

// Advance runs the fixed ticks covered by elapsed, at most MaxCatchUpTicks.
// A larger backlog is dropped rather than replayed. Returns ticks run.
func (r *Room) Advance(elapsed time.Duration) int {
	step := time.Second / config.PhysicsTickRate
	r.accumulator += elapsed

	ran := 0
	for r.accumulator >= step && ran < config.MaxCatchUpTicks {
		r.Tick()
		r.accumulator -= step
		ran++
	}
	if r.accumulator >= step {
		r.logger.Printf("Room %s fell behind, dropping %d ticks", r.Code, r.accumulator/step)
		r.accumulator %= step
	}
	return ran
}

// Tick runs exactly one fixed step of the state machine.
func (r *Room) Tick() {
	r.mu.Lock()
	r.tickCount++

	fireDone := false
	switch r.state {
	case StateLobby:
		r.tickLobby()
	case StateCountdown:
		r.tickCountdown()
	case StateRacing:
		r.tickRacing()
	case StateDone:
		fireDone = r.tickDone()
	}

	out := r.takePending()
	onDone := r.onDone
	r.mu.Unlock()

	r.flush(out)
	if fireDone && onDone != nil {
		onDone(r)
	}
}

func (r *Room) tickLobby() {
	if r.startRequested && r.playerCountUnlocked() >= r.cfg.MinPlayers {
		r.startCountdownUnlocked()
		return
	}
	if r.playerCountUnlocked() >= r.cfg.MinPlayers {
		r.lobbyHeldTicks++
		if r.lobbyHeldTicks >= durationTicks(r.cfg.LobbyGrace) {
			r.startCountdownUnlocked()
			return
		}
	} else {
		r.lobbyHeldTicks = 0
	}

	r.lobbyNextSend--
	if r.lobbyNextSend <= 0 {
		r.queueBroadcast(r.lobbyPacketUnlocked())
		r.lobbyNextSend = int(config.LobbyBroadcastSec * config.PhysicsTickRate)
	}
}

func (r *Room) startCountdownUnlocked() {
	r.world = NewWorld(r.cfg.Track, WorldConfig{Laps: r.cfg.Laps, Seed: r.cfg.Seed, Policy: r.cfg.Policy})
	for _, p := range r.slots {
		if p == nil {
			continue
		}
		p.ResetInput()
		if _, err := r.world.AddVehicle(p.ID, false); err != nil {
			r.logger.Printf("Room %s: player %d not placed: %v", r.Code, p.ID, err)
		}
	}
	bots := clampBots(r.cfg.Bots, r.playerCountUnlocked())
	for b := 0; b < bots; b++ {
		if _, err := r.world.AddVehicle(uint8(BotIDBase+b), true); err != nil {
			r.logger.Printf("Room %s: bot %d not placed: %v", r.Code, b, err)
		}
	}

	r.state = StateCountdown
	r.countdownTicks = config.CountdownSeconds * config.PhysicsTickRate
	r.results = nil
	r.startRequested = false

	// Clients display one second less than we count so both reach "go"
	// together.
	start := network.RaceStart{Countdown: config.CountdownSeconds - 1, Laps: uint8(r.world.Laps())}
	r.queueRepeated(r.protocol.EncodeRaceStart(r.nextSeq(), start), config.StartRedundancy)
	r.queueBroadcast(r.lobbyPacketUnlocked())
	r.queueSnapshotUnlocked()

	r.logger.Printf("Room %s: countdown started with %d players and %d bots",
		r.Code, r.playerCountUnlocked(), bots)
}

func (r *Room) tickCountdown() {
	if r.playerCountUnlocked() < r.cfg.MinPlayers {
		r.returnToLobbyUnlocked("not enough players for countdown")
		return
	}
	r.countdownTicks--
	if r.countdownTicks <= 0 {
		r.state = StateRacing
		// Clients hold their inputs until they see this.
		r.queueRepeated(r.lobbyPacketUnlocked(), config.StartRedundancy)
		r.logger.Printf("Room %s: race started", r.Code)
	}
	if r.tickCount%config.SnapshotEveryTicks == 0 {
		r.queueSnapshotUnlocked()
	}
}

func (r *Room) tickRacing() {
	if r.playerCountUnlocked() < r.cfg.MinPlayers {
		r.returnToLobbyUnlocked("not enough players to race")
		return
	}

	// Exactly one input per player per tick.
	inputs := make(map[uint8]Input, len(r.slots))
	for _, p := range r.slots {
		if p == nil {
			continue
		}
		in, _ := p.PopInput()
		inputs[p.ID] = in
		r.floodGuard.EndTick(p)
	}

	r.world.Step(inputs, config.FixedDT)

	for _, e := range r.world.DrainEvents() {
		e.Seq = r.nextSeq()
		r.queueRepeated(r.protocol.EncodeEvent(e), config.EventRedundancy)
	}

	if r.world.RaceOver() {
		r.finishRaceUnlocked()
		return
	}
	if r.tickCount%config.SnapshotEveryTicks == 0 {
		r.queueSnapshotUnlocked()
	}
}

func (r *Room) finishRaceUnlocked() {
	r.state = StateDone
	r.results = r.world.Results()
	r.doneTicks = 0

	r.queueSnapshotUnlocked()
	r.queueRepeated(r.protocol.EncodeRaceResult(r.nextSeq(), r.results), config.EventRedundancy)
	r.queueBroadcast(r.lobbyPacketUnlocked())
	r.logger.Printf("Room %s: race finished after %.1fs", r.Code, r.world.RaceTime())
}

func (r *Room) tickDone() bool {
	r.doneTicks++
	if r.doneFired || r.doneTicks < durationTicks(r.cfg.DoneLinger) {
		return false
	}
	r.doneFired = true
	return true
}

func (r *Room) returnToLobbyUnlocked(reason string) {
	r.state = StateLobby
	r.world = nil
	r.lobbyHeldTicks = 0
	r.lobbyNextSend = 0
	r.startRequested = false
	r.queueRepeated(r.protocol.EncodeReturnToLobby(r.nextSeq()), config.EventRedundancy)
	r.queueBroadcast(r.lobbyPacketUnlocked())
	r.queueTrackListUnlocked()
	r.logger.Printf("Room %s: back to lobby (%s)", r.Code, reason)
}

// AddPlayer seats a new player in the lowest free slot. Only possible in LOBBY.
func (r *Room) AddPlayer(name string) (*Player, error) {
	r.mu.Lock()

	if r.state != StateLobby {
		r.mu.Unlock()
		return nil, ErrRoomRacing
	}
	slot := -1
	for i, p := range r.slots {
		if p == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.mu.Unlock()
		return nil, ErrRoomFull
	}

	player := NewPlayer(uint8(slot), name)
	r.slots[slot] = player
	if r.cfg.Admin && r.admin == network.NoAdmin {
		r.admin = player.ID
	}
	r.queueBroadcast(r.lobbyPacketUnlocked())
	out := r.takePending()
	r.mu.Unlock()

	r.flush(out)
	r.logger.Printf("Player %s (ID: %d) joined room %s", name, slot, r.Code)
	return player, nil
}

// Welcome sends a player whose address is now known the current lobby, and
// the track list when it runs the room.
func (r *Room) Welcome(playerID uint8) {
	r.mu.Lock()
	if int(playerID) >= len(r.slots) || r.slots[playerID] == nil {
		r.mu.Unlock()
		return
	}
	r.queueTo(playerID, r.lobbyPacketUnlocked())
	if playerID == r.admin {
		r.queueTrackListUnlocked()
	}
	out := r.takePending()
	r.mu.Unlock()

	r.flush(out)
}

// Handover returns the roster for a rematch room. The caller must make
// sure no player leaves this room afterwards.
func (r *Room) Handover() Handover {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handover{Admin: r.admin, Seq: r.seq}
	for _, p := range r.slots {
		if p != nil {
			h.Players = append(h.Players, p)
		}
	}
	return h
}

// Adopt seats players from a previous room in the same slots and keeps
// numbering packets after the old room's last one, so clients see one
// ordered stream across the rematch.
func (r *Room) Adopt(h Handover) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range h.Players {
		if int(p.ID) >= len(r.slots) {
			continue
		}
		p.ResetInput()
		r.slots[p.ID] = p
	}
	r.seq = h.Seq
	if int(h.Admin) < len(r.slots) && r.slots[h.Admin] != nil {
		r.admin = h.Admin
	}
	r.queueTrackListUnlocked()
}

// RemovePlayer removes a player and tells everyone else.
// Safe to call with ids that are not seated.
func (r *Room) RemovePlayer(playerID uint8) bool {
	r.mu.Lock()
	if int(playerID) >= len(r.slots) || r.slots[playerID] == nil {
		r.mu.Unlock()
		return false
	}
	player := r.slots[playerID]
	r.slots[playerID] = nil

	if r.world != nil {
		r.world.RemoveVehicle(playerID)
	}
	if r.admin == playerID {
		r.reassignAdminUnlocked()
	}
	left := network.Event{Seq: r.nextSeq(), Kind: network.EventPlayerLeft, PlayerID: playerID}
	r.queueRepeated(r.protocol.EncodeEvent(left), config.EventRedundancy)
	r.queueBroadcast(r.lobbyPacketUnlocked())
	out := r.takePending()
	r.mu.Unlock()

	r.flush(out)
	r.logger.Printf("Player %s (ID: %d) left room %s", player.Name, playerID, r.Code)
	return true
}

// reassignAdminUnlocked hands the lobby to the lowest seated player.
func (r *Room) reassignAdminUnlocked() {
	r.admin = network.NoAdmin
	for _, p := range r.slots {
		if p != nil {
			r.admin = p.ID
			break
		}
	}
	if r.admin != network.NoAdmin {
		r.logger.Printf("Room %s: player %d is now admin", r.Code, r.admin)
		r.queueTrackListUnlocked()
	}
}

// Configure applies an admin's lobby change: the track, the bot count or
// a start request. Bots are clamped to the free seats.
func (r *Room) Configure(playerID uint8, c network.RoomConfig) error {
	r.mu.Lock()
	if r.admin == network.NoAdmin || playerID != r.admin {
		r.mu.Unlock()
		return ErrNotAdmin
	}
	if r.state != StateLobby {
		r.mu.Unlock()
		return ErrNotInLobby
	}

	var err error
	switch c.Kind {
	case network.ConfigTrack:
		err = r.setTrackUnlocked(c.Track)
	case network.ConfigBots:
		r.cfg.Bots = clampBots(int(c.Bots), r.playerCountUnlocked())
	case network.ConfigStart:
		r.startRequested = true
	default:
		err = fmt.Errorf("unknown config kind %d", c.Kind)
	}
	if err == nil && c.Kind != network.ConfigStart {
		r.queueBroadcast(r.lobbyPacketUnlocked())
	}
	out := r.takePending()
	bots := r.cfg.Bots
	r.mu.Unlock()

	r.flush(out)
	if err != nil {
		return err
	}
	switch c.Kind {
	case network.ConfigTrack:
		r.logger.Printf("Room %s: admin changed track to %s", r.Code, c.Track)
	case network.ConfigBots:
		r.logger.Printf("Room %s: admin changed bots to %d", r.Code, bots)
	case network.ConfigStart:
		r.logger.Printf("Room %s: admin requested start", r.Code)
	}
	return nil
}

func (r *Room) setTrackUnlocked(name string) error {
	if r.cfg.Tracks == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTrack, name)
	}
	track, err := r.cfg.Tracks.Track(name)
	if err != nil {
		return err
	}
	r.cfg.Track = track
	return nil
}

func clampBots(bots, players int) int {
	free := config.MaxPlayersPerRoom - players
	if bots > free {
		bots = free
	}
	if bots < 0 {
		bots = 0
	}
	return bots
}

// HandleInput queues the samples of one input packet. Inputs outside
// RACING are dropped.
func (r *Room) HandleInput(playerID uint8, samples []network.InputSample) {
	r.mu.Lock()
	var player *Player
	if int(playerID) < len(r.slots) {
		player = r.slots[playerID]
	}
	racing := r.state == StateRacing
	kick := r.onPlayerKick
	r.mu.Unlock()

	if player == nil || !racing {
		return
	}

	switch r.floodGuard.ValidateInputRate(player) {
	case ValidationIgnoreInput:
		return
	case ValidationKick:
		if kick != nil {
			kick(playerID, "input flood")
		}
		return
	}
	player.QueueInputs(samples)
}

// Player returns the player in a slot, or nil
func (r *Room) Player(playerID uint8) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(playerID) >= len(r.slots) {
		return nil
	}
	return r.slots[playerID]
}

// Players returns seated players in slot order.
func (r *Room) Players() []*Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Player
	for _, p := range r.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Config returns the room's settings, including admin changes.
func (r *Room) Config() RoomConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Admin returns the player running the lobby, or network.NoAdmin.
func (r *Room) Admin() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admin
}

// Private reports whether the room is hidden from the room list.
func (r *Room) Private() bool { return r.cfg.Private }

// Info returns the room list entry.
func (r *Room) Info() network.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := network.RoomInfo{
		Code:       r.Code,
		Name:       r.cfg.Name,
		Players:    uint8(r.playerCountUnlocked()),
		MaxPlayers: config.MaxPlayersPerRoom,
		State:      uint8(r.state),
	}
	if r.cfg.Track != nil {
		info.Track = r.cfg.Track.Name()
	}
	return info
}

// State returns the current lifecycle state
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// GetPlayerCount returns the current number of players in the room.
func (r *Room) GetPlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playerCountUnlocked()
}

// IsEmpty returns true if the room has no players.
func (r *Room) IsEmpty() bool {
	return r.GetPlayerCount() == 0
}

// CanJoin reports whether AddPlayer would currently succeed.
func (r *Room) CanJoin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateLobby && r.playerCountUnlocked() < len(r.slots)
}

// Results returns the standings of the finished race, or nil.
func (r *Room) Results() []network.ResultEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results
}

// WithWorld runs fn with the room locked. world is nil outside a race.
func (r *Room) WithWorld(fn func(world *World)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.world)
}

// LobbyState returns the roster packet contents.
func (r *Room) LobbyState() network.LobbyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lobbyStateUnlocked()
}

func (r *Room) lobbyStateUnlocked() network.LobbyState {
	l := network.LobbyState{
		State:      uint8(r.state),
		RoomCode:   r.Code,
		Name:       r.cfg.Name,
		Bots:       uint8(r.cfg.Bots),
		MinPlayers: uint8(r.cfg.MinPlayers),
		Admin:      r.admin,
		Private:    r.cfg.Private,
	}
	if r.cfg.Track != nil {
		l.Track = r.cfg.Track.Name()
	}
	for _, p := range r.slots {
		if p != nil {
			l.Players = append(l.Players, network.LobbyPlayer{ID: p.ID, Name: p.Name})
		}
	}
	return l
}

func (r *Room) lobbyPacketUnlocked() []byte {
	return r.protocol.EncodeLobbyState(r.nextSeq(), r.lobbyStateUnlocked())
}

func (r *Room) queueSnapshotUnlocked() {
	if r.world == nil {
		return
	}
	snap := r.world.Snapshot(func(id uint8) uint16 {
		if int(id) < len(r.slots) && r.slots[id] != nil {
			return r.slots[id].LastAppliedSeq()
		}
		return 0
	})
	snap.Seq = r.nextSeq()
	snap.Tick = uint32(r.tickCount)
	snap.ServerTime = float32(float64(r.tickCount) * config.FixedDT)
	r.queueBroadcast(r.protocol.EncodeSnapshot(snap))
}

func (r *Room) playerCountUnlocked() int {
	n := 0
	for _, p := range r.slots {
		if p != nil {
			n++
		}
	}
	return n
}

func (r *Room) nextSeq() uint16 {
	r.seq++
	return r.seq
}

func (r *Room) queueBroadcast(data []byte) {
	r.pending = append(r.pending, outgoing{broadcast: true, data: data})
}

func (r *Room) queueTo(playerID uint8, data []byte) {
	r.pending = append(r.pending, outgoing{to: playerID, data: data})
}

func (r *Room) queueTrackListUnlocked() {
	if r.admin == network.NoAdmin || r.cfg.Tracks == nil {
		return
	}
	r.queueTo(r.admin, r.protocol.EncodeTrackList(r.nextSeq(), r.cfg.Tracks.Names()))
}

// queueRepeated sends the same packet n times. Copies share a sequence
// number so receivers can drop the extras.
func (r *Room) queueRepeated(data []byte, n int) {
	for i := 0; i < n; i++ {
		r.queueBroadcast(data)
	}
}

func (r *Room) takePending() []outgoing {
	out := r.pending
	r.pending = nil
	return out
}

func (r *Room) flush(out []outgoing) {
	if r.outbox == nil {
		return
	}
	for _, o := range out {
		if o.broadcast {
			r.outbox.Broadcast(r.Code, o.data)
		} else {
			r.outbox.SendTo(r.Code, o.to, o.data)
		}
	}
}

func durationTicks(d time.Duration) int {
	return int(math.Round(d.Seconds() * config.PhysicsTickRate))
}
