// Package client is the player side of a race: it joins a room, predicts the
// local car, reconciles it against snapshots and interpolates everyone else.
//
// A Client is driven by a single render loop calling Frame and is not safe
// for concurrent use.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/game"
	"github.com/race/netrace/internal/network"
	"github.com/race/netrace/internal/transport"
)

// dedupWindow is how many redundant packets are remembered for dropping
// their copies.
const dedupWindow = 64

// startFallback is how long after the local countdown ends the client starts
// sending inputs without having seen the server switch to racing.
const startFallback = time.Second

// rttSmoothing is the weight of a new round-trip sample.
const rttSmoothing = 0.125

var ErrDisconnected = errors.New("disconnected from server")

// JoinRejectedError reports a refused join request.
type JoinRejectedError struct {
	Reason uint8
}

func (e *JoinRejectedError) Error() string {
	switch e.Reason {
	case network.RejectRoomFull:
		return "join rejected: room full"
	case network.RejectRacing:
		return "join rejected: race in progress"
	case network.RejectNotFound:
		return "join rejected: room not found"
	default:
		return fmt.Sprintf("join rejected: reason %d", e.Reason)
	}
}

// Controls are the player's inputs for a frame. UsePowerUp is a trigger: it
// is sent once, on the next tick.
type Controls struct {
	Accel      float64
	Turn       float64
	Handbrake  bool
	UsePowerUp bool
}

// View is everything a renderer needs for one frame.
type View struct {
	Connected bool
	PlayerID  uint8
	RoomCode  string
	State     uint8 // network.Room*
	Lobby     network.LobbyState
	Countdown int // seconds shown before go, -1 outside the countdown
	Laps      int
	IsAdmin   bool
	Tracks    []string // what the admin may pick, empty for other players

	Local    game.Vehicle
	HasLocal bool
	Remote   RemoteView // excludes the local vehicle

	Events  []network.Event // new since the previous frame
	Results []network.ResultEntry

	RTT         time.Duration
	InterpDelay time.Duration
	Pending     int // inputs not yet acknowledged
	Correction  Correction
}

// Client is one player's connection to a game server.
type Client struct {
	transport transport.Transport
	server    net.Addr
	protocol  *network.Protocol
	logger    *log.Logger

	predictor  *Predictor
	reconciler Reconciler
	interp     *Interpolator

	connected bool
	playerID  uint8
	roomCode  string

	state        uint8
	lobby        network.LobbyState
	laps         int
	countdownEnd time.Time
	results      []network.ResultEntry
	tracks       []string

	// Newest room packets seen, for dropping reordered stale ones.
	lobbyMark seqMark // any lobby state
	phaseMark seqMark // race start, result or return to lobby
	resetMark seqMark // anything that put the room back in the lobby

	seq         uint16 // header sequence for control packets
	inputSeq    uint16
	recent      []network.InputSample // oldest first
	accumulator float64
	usePowerUp  bool
	lastAck     uint16
	correction  Correction

	seen      map[uint32]struct{}
	seenOrder []uint32
	events    []network.Event

	lastPing time.Time
	rtt      time.Duration
	hasRTT   bool
}

// New creates a client that talks to server over tr and predicts on track.
func New(tr transport.Transport, server net.Addr, track game.Track, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		transport:  tr,
		server:     server,
		protocol:   network.NewProtocol(),
		logger:     logger,
		predictor:  NewPredictor(track),
		reconciler: NewReconciler(),
		interp:     NewInterpolator(),
		laps:       config.TotalLaps,
		seen:       make(map[uint32]struct{}),
	}
}

// Connect asks to join room code, or any open room when code is empty. The
// request is repeated until the server answers or ctx ends.
func (c *Client) Connect(ctx context.Context, name, code string) (network.JoinAccept, error) {
	return c.join(ctx, c.protocol.EncodeJoinRequest(c.nextSeq(), network.JoinRequest{Name: name, RoomCode: code}))
}

// Create opens a new named room with this player as its admin. Private
// rooms stay out of the room list and can only be joined by code.
func (c *Client) Create(ctx context.Context, name, roomName string, private bool) (network.JoinAccept, error) {
	req := network.CreateRoom{PlayerName: name, RoomName: roomName, Private: private}
	return c.join(ctx, c.protocol.EncodeCreateRoom(c.nextSeq(), req))
}

func (c *Client) join(ctx context.Context, req []byte) (network.JoinAccept, error) {
	if err := c.transport.SendTo(req, c.server); err != nil {
		return network.JoinAccept{}, err
	}

	retry := time.NewTicker(config.JoinRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return network.JoinAccept{}, ctx.Err()

		case <-retry.C:
			if err := c.transport.SendTo(req, c.server); err != nil {
				return network.JoinAccept{}, err
			}

		case p, ok := <-c.transport.Packets():
			if !ok {
				return network.JoinAccept{}, transport.ErrClosed
			}
			if !c.fromServer(p) {
				continue
			}
			if p.PeerLeft {
				return network.JoinAccept{}, ErrDisconnected
			}
			msgType, _, err := network.PeekType(p.Data)
			if err != nil {
				continue
			}
			switch msgType {
			case network.MsgTypeJoinAccept:
				accept, err := c.protocol.DecodeJoinAccept(p.Data)
				if err != nil {
					continue
				}
				if accept.RoomCode != c.roomCode {
					c.resetRoom()
				}
				c.connected = true
				c.playerID = accept.PlayerID
				c.roomCode = accept.RoomCode
				c.logger.Printf("Joined room %s as player %d", accept.RoomCode, accept.PlayerID)
				return accept, nil

			case network.MsgTypeJoinReject:
				reason, err := c.protocol.DecodeJoinReject(p.Data)
				if err != nil {
					continue
				}
				return network.JoinAccept{}, &JoinRejectedError{Reason: reason}

			default:
				c.handlePacket(p, time.Now())
			}
		}
	}
}

// ListRooms asks the server for its public rooms, repeating the request
// until it answers or ctx ends.
func (c *Client) ListRooms(ctx context.Context) ([]network.RoomInfo, error) {
	req := c.protocol.EncodeRoomListRequest(c.nextSeq())
	if err := c.transport.SendTo(req, c.server); err != nil {
		return nil, err
	}

	retry := time.NewTicker(config.JoinRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-retry.C:
			if err := c.transport.SendTo(req, c.server); err != nil {
				return nil, err
			}

		case p, ok := <-c.transport.Packets():
			if !ok {
				return nil, transport.ErrClosed
			}
			if !c.fromServer(p) {
				continue
			}
			if msgType, _, err := network.PeekType(p.Data); err == nil && msgType == network.MsgTypeRoomList {
				rooms, err := c.protocol.DecodeRoomList(p.Data)
				if err != nil {
					continue
				}
				return rooms, nil
			}
			c.handlePacket(p, time.Now())
		}
	}
}

// SetTrack asks to switch the lobby to another track. Only the admin's
// requests take effect.
func (c *Client) SetTrack(name string) error {
	return c.sendConfig(network.RoomConfig{Kind: network.ConfigTrack, Track: name})
}

// SetBots asks for n bots in the next race. The server clamps n to the
// free seats.
func (c *Client) SetBots(n int) error {
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	return c.sendConfig(network.RoomConfig{Kind: network.ConfigBots, Bots: uint8(n)})
}

// StartRace asks to start the countdown without waiting for the lobby grace.
func (c *Client) StartRace() error {
	return c.sendConfig(network.RoomConfig{Kind: network.ConfigStart})
}

func (c *Client) sendConfig(change network.RoomConfig) error {
	if !c.connected {
		return ErrDisconnected
	}
	return c.transport.SendTo(c.protocol.EncodeRoomConfig(c.nextSeq(), change), c.server)
}

// Frame advances the client by dt seconds of wall time. It processes every
// packet that arrived, runs the fixed-rate input ticks that fit into the
// accumulated time and returns what to draw at now.
func (c *Client) Frame(now time.Time, dt float64, controls Controls) View {
	c.drain(now)
	c.maybeStartRacing(now)

	if controls.UsePowerUp {
		c.usePowerUp = true
	}
	c.accumulator += dt
	ticks := 0
	for c.accumulator >= config.FixedDT && ticks < config.MaxCatchUpTicks {
		c.accumulator -= config.FixedDT
		c.tick(controls)
		ticks++
	}
	if c.accumulator >= config.FixedDT {
		c.accumulator = 0
	}

	c.maybePing(now)
	return c.view(now)
}

// Close tells the server the player is leaving and closes the transport.
func (c *Client) Close() error {
	if c.connected {
		if err := c.transport.SendTo(c.protocol.EncodeDisconnect(c.nextSeq()), c.server); err != nil {
			c.logger.Printf("Failed to send disconnect: %v", err)
		}
		c.connected = false
	}
	return c.transport.Close()
}

func (c *Client) PlayerID() uint8             { return c.playerID }
func (c *Client) RoomCode() string            { return c.roomCode }
func (c *Client) Connected() bool             { return c.connected }
func (c *Client) RTT() time.Duration          { return c.rtt }
func (c *Client) Predictor() *Predictor       { return c.predictor }
func (c *Client) Interpolator() *Interpolator { return c.interp }

func (c *Client) nextSeq() uint16 {
	c.seq++
	return c.seq
}

func (c *Client) fromServer(p transport.Packet) bool {
	return p.Addr != nil && p.Addr.String() == c.server.String()
}

func (c *Client) drain(now time.Time) {
	for {
		select {
		case p, ok := <-c.transport.Packets():
			if !ok {
				c.connected = false
				return
			}
			if c.fromServer(p) {
				c.handlePacket(p, now)
			}
		default:
			return
		}
	}
}

func (c *Client) handlePacket(p transport.Packet, now time.Time) {
	if p.PeerLeft {
		c.logger.Printf("Server went away")
		c.connected = false
		return
	}
	msgType, seq, err := network.PeekType(p.Data)
	if err != nil {
		return
	}

	switch msgType {
	case network.MsgTypeSnapshot:
		snap, err := c.protocol.DecodeSnapshot(p.Data)
		if err != nil {
			return
		}
		if c.interp.Push(snap, now) {
			c.applySnapshot(snap)
		}

	case network.MsgTypeLobbyState:
		if c.lobbyMark.after(seq) || c.phaseMark.after(seq) {
			return
		}
		lobby, err := c.protocol.DecodeLobbyState(p.Data)
		if err != nil {
			return
		}
		c.lobbyMark.advance(seq)
		if lobby.State == network.RoomLobby {
			c.resetMark.advance(seq)
		}
		c.setLobby(lobby)

	case network.MsgTypeRaceStart:
		if c.phaseMark.after(seq) || c.resetMark.after(seq) || c.duplicate(msgType, seq) {
			return
		}
		start, err := c.protocol.DecodeRaceStart(p.Data)
		if err != nil {
			return
		}
		c.phaseMark.advance(seq)
		c.state = network.RoomCountdown
		c.laps = int(start.Laps)
		c.results = nil
		c.countdownEnd = now.Add(time.Duration(start.Countdown+1) * time.Second)
		c.predictor.Clear()
		c.interp.Reset()

	case network.MsgTypeRaceResult:
		if c.phaseMark.after(seq) || c.resetMark.after(seq) || c.duplicate(msgType, seq) {
			return
		}
		results, err := c.protocol.DecodeRaceResult(p.Data)
		if err != nil {
			return
		}
		c.phaseMark.advance(seq)
		c.results = results
		c.state = network.RoomDone

	case network.MsgTypeReturnToLobby:
		if c.phaseMark.after(seq) || c.duplicate(msgType, seq) {
			return
		}
		c.phaseMark.advance(seq)
		c.resetMark.advance(seq)
		c.enterLobby()

	case network.MsgTypeTrackList:
		names, err := c.protocol.DecodeTrackList(p.Data)
		if err != nil {
			return
		}
		c.tracks = names

	case network.MsgTypeEvent:
		if c.duplicate(msgType, seq) {
			return
		}
		event, err := c.protocol.DecodeEvent(p.Data)
		if err != nil {
			return
		}
		c.events = append(c.events, event)

	case network.MsgTypePong:
		ts, err := c.protocol.DecodeTimestamp(p.Data)
		if err != nil {
			return
		}
		c.observeRTT(now.Sub(time.Unix(0, int64(ts))))

	case network.MsgTypeDisconnect:
		c.logger.Printf("Server closed the session")
		c.connected = false
	}
}

// duplicate reports whether a redundant packet was already handled.
func (c *Client) duplicate(msgType uint8, seq uint16) bool {
	key := uint32(msgType)<<16 | uint32(seq)
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = struct{}{}
	c.seenOrder = append(c.seenOrder, key)
	if len(c.seenOrder) > dedupWindow {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return false
}

func (c *Client) setLobby(l network.LobbyState) {
	prev := c.state
	c.lobby = l
	if l.RoomCode != "" {
		c.roomCode = l.RoomCode
	}
	switch l.State {
	case network.RoomLobby:
		if prev != network.RoomLobby {
			c.enterLobby()
		}
	case network.RoomRacing, network.RoomDone:
		c.state = l.State
	case network.RoomCountdown:
		// The countdown clock comes from RaceStart; this only fills in a
		// transition whose RaceStart copies were all lost.
		if prev == network.RoomLobby {
			c.state = l.State
		}
	}
}

// enterLobby drops race state.
func (c *Client) enterLobby() {
	c.state = network.RoomLobby
	c.countdownEnd = time.Time{}
	c.predictor.Clear()
	c.interp.Reset()
	c.recent = c.recent[:0]
}

// resetRoom forgets everything about the previous room. A different room
// numbers its packets independently.
func (c *Client) resetRoom() {
	c.enterLobby()
	c.lobby = network.LobbyState{}
	c.results = nil
	c.tracks = nil
	c.lobbyMark = seqMark{}
	c.phaseMark = seqMark{}
	c.resetMark = seqMark{}
	c.seen = make(map[uint32]struct{})
	c.seenOrder = c.seenOrder[:0]
}

// seqMark remembers the newest header sequence of a packet kind.
type seqMark struct {
	seq uint16
	set bool
}

// after reports whether the mark is newer than seq.
func (m seqMark) after(seq uint16) bool {
	return m.set && network.SeqNewer(m.seq, seq)
}

func (m *seqMark) advance(seq uint16) {
	if !m.set || network.SeqNewer(seq, m.seq) {
		m.seq = seq
		m.set = true
	}
}

func (c *Client) maybeStartRacing(now time.Time) {
	if c.state == network.RoomCountdown && !c.countdownEnd.IsZero() &&
		now.After(c.countdownEnd.Add(startFallback)) {
		c.state = network.RoomRacing
	}
}

// applySnapshot follows the server outright until the race runs, then
// reconciles once per newly acknowledged input.
func (c *Client) applySnapshot(s *network.Snapshot) {
	own, ok := findVehicle(s.Vehicles, c.playerID)
	if !ok {
		return
	}
	server := game.VehicleFromState(own)

	if c.state != network.RoomRacing || !c.predictor.Active() {
		c.predictor.Reset(server)
		c.lastAck = own.LastInputSeq
		return
	}
	if !network.SeqNewer(own.LastInputSeq, c.lastAck) {
		if c.predictor.Pending() == 0 {
			c.predictor.Reset(server)
		}
		return
	}
	c.lastAck = own.LastInputSeq

	others := c.others()
	predicted, ok := c.predictor.At(c.lastAck)
	if !ok {
		c.predictor.Rebase(c.lastAck, server, others, config.FixedDT)
		c.correction = CorrectionSnap
		return
	}
	corrected, kind := c.reconciler.Correct(predicted, server)
	c.predictor.Rebase(c.lastAck, corrected, others, config.FixedDT)
	c.correction = kind
}

// others returns the remote vehicles from the newest snapshot.
func (c *Client) others() []game.Vehicle {
	latest := c.interp.Latest()
	if latest == nil {
		return nil
	}
	out := make([]game.Vehicle, 0, len(latest.Vehicles))
	for _, s := range latest.Vehicles {
		if s.ID != c.playerID {
			out = append(out, game.VehicleFromState(s))
		}
	}
	return out
}

// tick sends one input and predicts it.
func (c *Client) tick(controls Controls) {
	if !c.connected || c.state != network.RoomRacing || !c.predictor.Active() {
		return
	}

	c.inputSeq++
	sample := network.InputSample{
		PlayerID:   c.playerID,
		Seq:        c.inputSeq,
		Accel:      controls.Accel,
		Turn:       controls.Turn,
		Handbrake:  controls.Handbrake,
		UsePowerUp: c.usePowerUp,
	}.Quantized()
	c.usePowerUp = false

	c.recent = append(c.recent, sample)
	if over := len(c.recent) - config.InputRedundancy; over > 0 {
		c.recent = append(c.recent[:0], c.recent[over:]...)
	}
	newestFirst := make([]network.InputSample, len(c.recent))
	for i, s := range c.recent {
		newestFirst[len(c.recent)-1-i] = s
	}
	data, err := c.protocol.EncodeInputRedundant(newestFirst)
	if err == nil {
		if err := c.transport.SendTo(data, c.server); err != nil {
			c.logger.Printf("Failed to send input %d: %v", sample.Seq, err)
		}
	}

	c.predictor.Step(sample.Seq, game.InputFromSample(sample), c.others(), config.FixedDT)
}

func (c *Client) maybePing(now time.Time) {
	if !c.connected || now.Sub(c.lastPing) < config.PingInterval {
		return
	}
	c.lastPing = now
	ping := c.protocol.EncodePing(c.nextSeq(), uint64(now.UnixNano()))
	if err := c.transport.SendTo(ping, c.server); err != nil {
		c.logger.Printf("Failed to send ping: %v", err)
	}
}

func (c *Client) observeRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !c.hasRTT {
		c.rtt = sample
		c.hasRTT = true
		return
	}
	c.rtt += time.Duration(rttSmoothing * float64(sample-c.rtt))
}

func (c *Client) view(now time.Time) View {
	v := View{
		Connected:   c.connected,
		PlayerID:    c.playerID,
		RoomCode:    c.roomCode,
		State:       c.state,
		Lobby:       c.lobby,
		Countdown:   -1,
		Laps:        c.laps,
		IsAdmin:     c.connected && c.lobby.Admin == c.playerID && len(c.lobby.Players) > 0,
		Local:       c.predictor.Vehicle(),
		HasLocal:    c.predictor.Active(),
		Events:      c.events,
		Results:     c.results,
		RTT:         c.rtt,
		InterpDelay: c.interp.Delay(),
		Pending:     c.predictor.Pending(),
		Correction:  c.correction,
	}
	c.events = nil
	if v.IsAdmin {
		v.Tracks = c.tracks
	}

	if c.state == network.RoomCountdown && !c.countdownEnd.IsZero() {
		left := int(math.Ceil(c.countdownEnd.Sub(now).Seconds())) - 1
		if left < 0 {
			left = 0
		}
		v.Countdown = left
	}

	if remote, ok := c.interp.Sample(now); ok {
		vehicles := make([]network.VehicleState, 0, len(remote.Vehicles))
		for _, s := range remote.Vehicles {
			if s.ID != c.playerID {
				vehicles = append(vehicles, s)
			}
		}
		remote.Vehicles = vehicles
		v.Remote = remote
	}
	return v
}
