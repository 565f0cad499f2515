package game

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
)

type recordingOutbox struct {
	mu      sync.Mutex
	packets [][]byte
	direct  map[uint8][][]byte
}

func (o *recordingOutbox) Broadcast(code string, data []byte) {
	o.mu.Lock()
	o.packets = append(o.packets, data)
	o.mu.Unlock()
}

func (o *recordingOutbox) SendTo(code string, playerID uint8, data []byte) {
	o.mu.Lock()
	if o.direct == nil {
		o.direct = make(map[uint8][][]byte)
	}
	o.direct[playerID] = append(o.direct[playerID], data)
	o.mu.Unlock()
}

// takeDirect returns and clears what was sent to one player alone.
func (o *recordingOutbox) takeDirect(playerID uint8) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.direct[playerID]
	delete(o.direct, playerID)
	return out
}

// take returns and clears the packets of one message type.
func (o *recordingOutbox) take(msgType uint8) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out, rest [][]byte
	for _, p := range o.packets {
		if t, _, err := network.PeekType(p); err == nil && t == msgType {
			out = append(out, p)
		} else {
			rest = append(rest, p)
		}
	}
	o.packets = rest
	return out
}

func (o *recordingOutbox) reset() {
	o.mu.Lock()
	o.packets = nil
	o.mu.Unlock()
}

func newTestRoom(t *testing.T) (*Room, *recordingOutbox) {
	t.Helper()
	track, err := LoadTrack("oval", nil)
	if err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	out := &recordingOutbox{}
	r := NewRoom("ABCD", RoomConfig{
		Track:      track,
		MinPlayers: 2,
		LobbyGrace: 3 * time.Second,
		DoneLinger: 100 * time.Millisecond,
		Laps:       1,
		Seed:       9,
		Logger:     log.New(io.Discard, "", 0),
	}, out)
	return r, out
}

func ticks(r *Room, n int) {
	for i := 0; i < n; i++ {
		r.Tick()
	}
}

func mustAdd(t *testing.T, r *Room, name string) *Player {
	t.Helper()
	p, err := r.AddPlayer(name)
	if err != nil {
		t.Fatalf("AddPlayer(%s): %v", name, err)
	}
	return p
}

const graceTicks = 3 * config.PhysicsTickRate

func TestLobbyGraceIsDebounced(t *testing.T) {
	r, _ := newTestRoom(t)
	mustAdd(t, r, "a")
	b := mustAdd(t, r, "b")

	ticks(r, graceTicks-10)
	r.RemovePlayer(b.ID)
	ticks(r, 1)
	mustAdd(t, r, "b")

	ticks(r, graceTicks-1)
	if r.State() != StateLobby {
		t.Fatalf("state %v before the grace period restarted and ran out", r.State())
	}
	ticks(r, 1)
	if r.State() != StateCountdown {
		t.Fatalf("state %v, want COUNTDOWN", r.State())
	}
}

func TestCountdownAnnouncesOneSecondLess(t *testing.T) {
	r, out := newTestRoom(t)
	mustAdd(t, r, "a")
	mustAdd(t, r, "b")
	ticks(r, graceTicks)

	starts := out.take(network.MsgTypeRaceStart)
	if len(starts) != config.StartRedundancy {
		t.Fatalf("%d RaceStart packets, want %d", len(starts), config.StartRedundancy)
	}
	rs, err := network.NewProtocol().DecodeRaceStart(starts[0])
	if err != nil {
		t.Fatalf("DecodeRaceStart: %v", err)
	}
	if rs.Countdown != config.CountdownSeconds-1 || rs.Laps != 1 {
		t.Fatalf("RaceStart = %+v", rs)
	}

	ticks(r, config.CountdownSeconds*config.PhysicsTickRate-1)
	if r.State() != StateCountdown {
		t.Fatalf("state %v one tick before go", r.State())
	}
	ticks(r, 1)
	if r.State() != StateRacing {
		t.Fatalf("state %v, want RACING", r.State())
	}
}

func TestCountdownAbortsBelowMinPlayers(t *testing.T) {
	r, out := newTestRoom(t)
	mustAdd(t, r, "a")
	b := mustAdd(t, r, "b")
	ticks(r, graceTicks+30)

	r.RemovePlayer(b.ID)
	ticks(r, 1)
	if r.State() != StateLobby {
		t.Fatalf("state %v, want LOBBY", r.State())
	}
	if n := len(out.take(network.MsgTypeReturnToLobby)); n == 0 {
		t.Fatal("no ReturnToLobby sent")
	}
	r.WithWorld(func(w *World) {
		if w != nil {
			t.Fatal("world kept after abort")
		}
	})
}

func startRace(t *testing.T, r *Room) {
	t.Helper()
	ticks(r, graceTicks+config.CountdownSeconds*config.PhysicsTickRate)
	if r.State() != StateRacing {
		t.Fatalf("state %v, want RACING", r.State())
	}
}

func TestSnapshotCadenceAndClock(t *testing.T) {
	r, out := newTestRoom(t)
	mustAdd(t, r, "a")
	mustAdd(t, r, "b")
	startRace(t, r)
	out.reset()

	ticks(r, 60)
	snaps := out.take(network.MsgTypeSnapshot)
	if len(snaps) != 60/config.SnapshotEveryTicks {
		t.Fatalf("%d snapshots in 60 ticks", len(snaps))
	}

	proto := network.NewProtocol()
	var lastTick uint32
	var lastTime float32
	for i, data := range snaps {
		s, err := proto.DecodeSnapshot(data)
		if err != nil {
			t.Fatalf("DecodeSnapshot: %v", err)
		}
		if i > 0 && (s.Tick <= lastTick || s.ServerTime <= lastTime) {
			t.Fatalf("snapshot %d not newer: tick %d time %f", i, s.Tick, s.ServerTime)
		}
		lastTick, lastTime = s.Tick, s.ServerTime
		if len(s.Vehicles) != 2 {
			t.Fatalf("%d vehicles in snapshot", len(s.Vehicles))
		}
	}
}

func TestInputsOnlyQueuedWhileRacing(t *testing.T) {
	r, _ := newTestRoom(t)
	a := mustAdd(t, r, "a")
	mustAdd(t, r, "b")

	r.HandleInput(a.ID, samples(1))
	if a.QueuedInputs() != 0 {
		t.Fatal("input queued in lobby")
	}

	startRace(t, r)
	r.HandleInput(a.ID, samples(3, 2))
	if a.QueuedInputs() != 2 {
		t.Fatalf("queued %d, want 2", a.QueuedInputs())
	}
	ticks(r, 1)
	if a.LastAppliedSeq() != 2 || a.QueuedInputs() != 1 {
		t.Fatalf("applied %d queued %d after one tick", a.LastAppliedSeq(), a.QueuedInputs())
	}
}

func TestJoinRejections(t *testing.T) {
	r, _ := newTestRoom(t)
	for i := 0; i < config.MaxPlayersPerRoom; i++ {
		mustAdd(t, r, "p")
	}
	if _, err := r.AddPlayer("late"); err != ErrRoomFull {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}

	r.RemovePlayer(3)
	ticks(r, graceTicks)
	if _, err := r.AddPlayer("late"); err != ErrRoomRacing {
		t.Fatalf("err = %v, want ErrRoomRacing", err)
	}
}

func TestRaceFinishFiresDoneOnce(t *testing.T) {
	r, out := newTestRoom(t)
	mustAdd(t, r, "a")
	mustAdd(t, r, "b")
	done := 0
	r.SetOnDone(func(*Room) { done++ })
	startRace(t, r)

	r.WithWorld(func(w *World) {
		for _, v := range w.Vehicles() {
			v.Finished = true
			w.finishOrder = append(w.finishOrder, v.ID)
		}
	})
	ticks(r, 1)
	if r.State() != StateDone {
		t.Fatalf("state %v, want DONE", r.State())
	}
	if n := len(out.take(network.MsgTypeRaceResult)); n != config.EventRedundancy {
		t.Fatalf("%d RaceResult packets", n)
	}
	if len(r.Results()) != 2 {
		t.Fatalf("results = %+v", r.Results())
	}

	ticks(r, 30)
	if done != 1 {
		t.Fatalf("OnDone fired %d times", done)
	}
}

func TestPlayerLeftEventDuringRace(t *testing.T) {
	r, out := newTestRoom(t)
	mustAdd(t, r, "a")
	mustAdd(t, r, "b")
	mustAdd(t, r, "c")
	startRace(t, r)
	out.reset()

	if !r.RemovePlayer(2) {
		t.Fatal("RemovePlayer returned false")
	}
	if r.RemovePlayer(2) {
		t.Fatal("second RemovePlayer returned true")
	}
	events := out.take(network.MsgTypeEvent)
	if len(events) != config.EventRedundancy {
		t.Fatalf("%d event packets", len(events))
	}
	e, err := network.NewProtocol().DecodeEvent(events[0])
	if err != nil || e.Kind != network.EventPlayerLeft || e.PlayerID != 2 {
		t.Fatalf("event = %+v err=%v", e, err)
	}
	if r.State() != StateRacing {
		t.Fatalf("state %v with two players left", r.State())
	}
}

func TestAdvanceBoundsCatchUp(t *testing.T) {
	r, _ := newTestRoom(t)
	if n := r.Advance(time.Second); n != config.MaxCatchUpTicks {
		t.Fatalf("ran %d ticks, want %d", n, config.MaxCatchUpTicks)
	}
	step := time.Second / config.PhysicsTickRate
	if n := r.Advance(step); n != 1 {
		t.Fatalf("ran %d ticks after catch-up, want 1", n)
	}
}

// trajectory races player a with each input sent one tick ahead of its use,
// every packet carrying the newest three samples. Packets listed in drop are
// lost in flight.
func trajectory(t *testing.T, drop map[uint16]bool) [][2]float64 {
	t.Helper()
	r, _ := newTestRoom(t)
	a := mustAdd(t, r, "a")
	mustAdd(t, r, "b")
	startRace(t, r)

	packet := func(seq uint16) []network.InputSample {
		var out []network.InputSample
		for s := seq; s >= 1 && len(out) < config.InputRedundancy; s-- {
			out = append(out, network.InputSample{Seq: s, Accel: 1, Turn: float64(s%5) / 4})
		}
		return out
	}

	r.HandleInput(a.ID, packet(1))
	var path [][2]float64
	for seq := uint16(2); seq <= 30; seq++ {
		if !drop[seq] {
			r.HandleInput(a.ID, packet(seq))
		}
		r.Tick()
		r.WithWorld(func(w *World) {
			v := w.Vehicle(a.ID)
			path = append(path, [2]float64{v.X, v.Y})
		})
	}
	return path
}

func TestDroppedInputPacketKeepsTrajectory(t *testing.T) {
	clean := trajectory(t, nil)
	lossy := trajectory(t, map[uint16]bool{10: true})
	for i := range clean {
		if clean[i] != lossy[i] {
			t.Fatalf("tick %d: %v with loss, %v without", i, lossy[i], clean[i])
		}
	}
}

func newAdminRoom(t *testing.T) (*Room, *recordingOutbox) {
	t.Helper()
	catalog := NewCatalog(DefaultTileRegistry())
	track, err := catalog.Track("oval")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	out := &recordingOutbox{}
	r := NewRoom("ROOM", RoomConfig{
		Track:      track,
		MinPlayers: 2,
		LobbyGrace: time.Hour,
		Laps:       1,
		Seed:       3,
		Logger:     log.New(io.Discard, "", 0),
		Name:       "friday",
		Admin:      true,
		Tracks:     catalog,
	}, out)
	return r, out
}

func lastLobby(t *testing.T, out *recordingOutbox) network.LobbyState {
	t.Helper()
	packets := out.take(network.MsgTypeLobbyState)
	if len(packets) == 0 {
		t.Fatal("no lobby state broadcast")
	}
	l, err := network.NewProtocol().DecodeLobbyState(packets[len(packets)-1])
	if err != nil {
		t.Fatalf("DecodeLobbyState: %v", err)
	}
	return l
}

func TestAdminRunsLobby(t *testing.T) {
	r, out := newAdminRoom(t)
	a := mustAdd(t, r, "a")
	b := mustAdd(t, r, "b")
	if r.Admin() != a.ID {
		t.Fatalf("admin %d, want first seat %d", r.Admin(), a.ID)
	}
	if l := lastLobby(t, out); l.Admin != a.ID || l.Name != "friday" {
		t.Fatalf("lobby %+v", l)
	}

	// Only the admin gets the track list.
	r.Welcome(a.ID)
	r.Welcome(b.ID)
	if got := out.takeDirect(a.ID); len(got) != 2 || got[1][0] != network.MsgTypeTrackList {
		t.Fatalf("admin welcome: %d packets", len(got))
	}
	if got := out.takeDirect(b.ID); len(got) != 1 || got[0][0] != network.MsgTypeLobbyState {
		t.Fatalf("player welcome: %d packets", len(got))
	}

	if err := r.Configure(b.ID, network.RoomConfig{Kind: network.ConfigBots, Bots: 1}); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("err = %v, want ErrNotAdmin", err)
	}
	if err := r.Configure(a.ID, network.RoomConfig{Kind: network.ConfigBots, Bots: 9}); err != nil {
		t.Fatalf("Configure bots: %v", err)
	}
	if got := r.Config().Bots; got != config.MaxPlayersPerRoom-2 {
		t.Fatalf("bots %d, want clamped to %d", got, config.MaxPlayersPerRoom-2)
	}
	if err := r.Configure(a.ID, network.RoomConfig{Kind: network.ConfigTrack, Track: "ring"}); err != nil {
		t.Fatalf("Configure track: %v", err)
	}
	if l := lastLobby(t, out); l.Track != "ring" {
		t.Fatalf("lobby track %q after change", l.Track)
	}
	if err := r.Configure(a.ID, network.RoomConfig{Kind: network.ConfigTrack, Track: "nowhere"}); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("err = %v, want ErrUnknownTrack", err)
	}
	if r.Config().Track.Name() != "ring" {
		t.Fatal("failed change replaced the track")
	}

	// The lobby passes to the next seat.
	r.RemovePlayer(a.ID)
	if r.Admin() != b.ID {
		t.Fatalf("admin %d after leave, want %d", r.Admin(), b.ID)
	}
	if got := out.takeDirect(b.ID); len(got) != 1 || got[0][0] != network.MsgTypeTrackList {
		t.Fatal("new admin not sent the track list")
	}
	r.RemovePlayer(b.ID)
	if r.Admin() != network.NoAdmin {
		t.Fatalf("empty room kept admin %d", r.Admin())
	}
}

func TestAdminStartSkipsGrace(t *testing.T) {
	r, _ := newAdminRoom(t)
	a := mustAdd(t, r, "a")

	if err := r.Configure(a.ID, network.RoomConfig{Kind: network.ConfigStart}); err != nil {
		t.Fatalf("Configure start: %v", err)
	}
	ticks(r, 5)
	if r.State() != StateLobby {
		t.Fatal("started below the minimum player count")
	}

	mustAdd(t, r, "b")
	ticks(r, 1)
	if r.State() != StateCountdown {
		t.Fatalf("state %v, want COUNTDOWN right after the request", r.State())
	}
	if err := r.Configure(a.ID, network.RoomConfig{Kind: network.ConfigBots, Bots: 1}); !errors.Is(err, ErrNotInLobby) {
		t.Fatalf("err = %v, want ErrNotInLobby", err)
	}
}

func TestQuickMatchRoomHasNoAdmin(t *testing.T) {
	r, out := newTestRoom(t)
	a := mustAdd(t, r, "a")
	if r.Admin() != network.NoAdmin {
		t.Fatalf("admin %d", r.Admin())
	}
	if err := r.Configure(a.ID, network.RoomConfig{Kind: network.ConfigStart}); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("err = %v, want ErrNotAdmin", err)
	}
	r.Welcome(a.ID)
	if got := out.takeDirect(a.ID); len(got) != 1 {
		t.Fatalf("%d welcome packets, want the lobby only", len(got))
	}
}

func TestAdoptContinuesPacketNumbering(t *testing.T) {
	old, _ := newAdminRoom(t)
	a := mustAdd(t, old, "a")
	b := mustAdd(t, old, "b")
	old.RemovePlayer(a.ID)
	ticks(old, 10)
	h := old.Handover()

	next, out := newAdminRoom(t)
	next.Adopt(h)
	if next.Player(b.ID) != b || next.Admin() != b.ID {
		t.Fatal("roster or admin not carried over")
	}
	next.Tick()

	lobbies := out.take(network.MsgTypeLobbyState)
	if len(lobbies) == 0 {
		t.Fatal("rematch room sent no lobby")
	}
	_, seq, _ := network.PeekType(lobbies[0])
	if !network.SeqNewer(seq, h.Seq) {
		t.Fatalf("rematch lobby seq %d not after %d", seq, h.Seq)
	}
	if got := out.takeDirect(b.ID); len(got) != 1 || got[0][0] != network.MsgTypeTrackList {
		t.Fatal("admin not sent the track list in the rematch room")
	}
}
