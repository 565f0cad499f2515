package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
	"github.com/race/netrace/internal/server"
	"github.com/race/netrace/internal/transport"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeTransport records what the client sends; tests feed packets in.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	packets chan transport.Packet
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{packets: make(chan transport.Packet, 64)}
}

func (f *fakeTransport) SendTo(data []byte, addr net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Broadcast(data []byte, addrs []net.Addr) error {
	return f.SendTo(data, nil)
}

func (f *fakeTransport) Packets() <-chan transport.Packet { return f.packets }
func (f *fakeTransport) LocalAddr() net.Addr              { return fakeAddr("client") }
func (f *fakeTransport) Close() error                     { return nil }

func (f *fakeTransport) deliver(data []byte) {
	f.packets <- transport.Packet{Data: data, Addr: fakeAddr("server")}
}

func (f *fakeTransport) take(msgType uint8) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out, rest [][]byte
	for _, p := range f.sent {
		if t, _, err := network.PeekType(p); err == nil && t == msgType {
			out = append(out, p)
		} else {
			rest = append(rest, p)
		}
	}
	f.sent = rest
	return out
}

var proto = network.NewProtocol()

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func connectedClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c := New(tr, fakeAddr("server"), ovalTrack(t), quietLogger())
	tr.deliver(proto.EncodeJoinAccept(1, network.JoinAccept{PlayerID: 0, MaxPlayers: 4, RoomCode: "ABCD"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Connect(ctx, "alice", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, tr
}

func TestConnectRetriesUntilDeadline(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, fakeAddr("server"), ovalTrack(t), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), config.JoinRetryInterval*2+200*time.Millisecond)
	defer cancel()
	_, err := c.Connect(ctx, "alice", "ABCD")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline", err)
	}
	if n := len(tr.take(network.MsgTypeJoinRequest)); n < 3 {
		t.Fatalf("%d join requests sent, want at least 3", n)
	}
}

func TestConnectRejected(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, fakeAddr("server"), ovalTrack(t), quietLogger())
	tr.packets <- transport.Packet{Data: proto.EncodeJoinReject(1, network.RejectRoomFull), Addr: fakeAddr("stranger")}
	tr.deliver(proto.EncodeJoinReject(2, network.RejectNotFound))

	_, err := c.Connect(context.Background(), "alice", "ZZZZ")
	var rejected *JoinRejectedError
	if !errors.As(err, &rejected) || rejected.Reason != network.RejectNotFound {
		t.Fatalf("err = %v, want not-found rejection", err)
	}
}

func TestRedundantPacketsHandledOnce(t *testing.T) {
	c, tr := connectedClient(t)
	now := time.Unix(1000, 0)

	start := proto.EncodeRaceStart(10, network.RaceStart{Countdown: config.CountdownSeconds - 1, Laps: 2})
	event := proto.EncodeEvent(network.Event{Seq: 11, Kind: network.EventLap, PlayerID: 1, Index: 1})
	for i := 0; i < config.StartRedundancy; i++ {
		tr.deliver(start)
		tr.deliver(event)
	}

	v := c.Frame(now, 0, Controls{})
	if v.State != network.RoomCountdown || v.Laps != 2 {
		t.Fatalf("state %d laps %d", v.State, v.Laps)
	}
	if v.Countdown != 3 {
		t.Fatalf("countdown shows %d, want 3", v.Countdown)
	}
	if len(v.Events) != 1 || v.Events[0].Kind != network.EventLap {
		t.Fatalf("events %+v, want one lap event", v.Events)
	}

	// Events are handed out once.
	if v := c.Frame(now, 0, Controls{}); len(v.Events) != 0 {
		t.Fatalf("events repeated: %+v", v.Events)
	}

	// The countdown reaches zero together with the server.
	if v := c.Frame(now.Add(3500*time.Millisecond), 0, Controls{}); v.Countdown != 0 {
		t.Fatalf("countdown shows %d near go", v.Countdown)
	}
}

func TestRoundTripTime(t *testing.T) {
	c, tr := connectedClient(t)
	now := time.Unix(1000, 0)

	c.Frame(now, 0, Controls{})
	pings := tr.take(network.MsgTypePing)
	if len(pings) != 1 {
		t.Fatalf("%d pings, want 1", len(pings))
	}
	ts, _ := proto.DecodeTimestamp(pings[0])
	tr.deliver(proto.EncodePong(1, ts))

	v := c.Frame(now.Add(40*time.Millisecond), 0, Controls{})
	if v.RTT != 40*time.Millisecond {
		t.Fatalf("rtt %v, want 40ms", v.RTT)
	}
	if len(tr.take(network.MsgTypePing)) != 0 {
		t.Fatal("pinged again before the interval")
	}
}

func TestInputsSentRedundantlyOnlyWhileRacing(t *testing.T) {
	c, tr := connectedClient(t)
	now := time.Unix(1000, 0)
	pose := ovalTrack(t).StartPoses()[0]
	snap := &network.Snapshot{Seq: 5, Tick: 10, ServerTime: 10 * float32(config.FixedDT), Vehicles: []network.VehicleState{
		{ID: 0, X: float32(pose.X), Y: float32(pose.Y), Angle: float32(pose.Angle)},
		{ID: 1, X: float32(pose.X) + 300, Y: float32(pose.Y)},
	}}
	tr.deliver(proto.EncodeSnapshot(snap))

	c.Frame(now, 3.5*config.FixedDT, Controls{Accel: 1})
	if n := len(tr.take(network.MsgTypeInput)); n != 0 {
		t.Fatalf("%d inputs sent in the lobby", n)
	}

	tr.deliver(proto.EncodeLobbyState(6, network.LobbyState{State: network.RoomRacing, RoomCode: "ABCD"}))
	v := c.Frame(now, 3*config.FixedDT, Controls{Accel: 1, UsePowerUp: true})
	if !v.HasLocal || v.Pending != 3 {
		t.Fatalf("has local %v, pending %d", v.HasLocal, v.Pending)
	}

	inputs := tr.take(network.MsgTypeInput)
	if len(inputs) != 3 {
		t.Fatalf("%d input packets, want 3", len(inputs))
	}
	samples, err := proto.DecodeInput(inputs[2])
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}
	if len(samples) != 3 || samples[0].Seq != 3 || samples[1].Seq != 2 || samples[2].Seq != 1 {
		t.Fatalf("samples %+v, want seqs 3,2,1", samples)
	}
	if !samples[2].UsePowerUp || samples[0].UsePowerUp {
		t.Fatal("power-up trigger not sent exactly once")
	}

	if len(v.Remote.Vehicles) != 1 || v.Remote.Vehicles[0].ID != 1 {
		t.Fatalf("remote view %+v, want only vehicle 1", v.Remote.Vehicles)
	}
	if v.Local.Y == float64(float32(pose.Y)) && v.Local.X == float64(float32(pose.X)) {
		t.Fatal("local car did not move under throttle")
	}
}

func TestClientAgainstServer(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full countdown")
	}
	logger := quietLogger()

	cfg := config.DefaultServerConfig()
	cfg.MinPlayers = 1
	cfg.LobbyGrace = 200 * time.Millisecond
	srvTr, err := transport.ListenUDP("127.0.0.1:0", nil, logger)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer srvTr.Close()
	srv, err := server.New(cfg, srvTr, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	cliTr, err := transport.ListenUDP("127.0.0.1:0", nil, logger)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	c := New(cliTr, srvTr.LocalAddr(), ovalTrack(t), logger)

	joinCtx, joinCancel := context.WithTimeout(ctx, 2*time.Second)
	accept, err := c.Connect(joinCtx, "alice", "")
	joinCancel()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var (
		sawCountdown bool
		racingFrames int
		v            View
	)
	last := time.Now()
	deadline := last.Add(10 * time.Second)
	for time.Now().Before(deadline) && racingFrames < 90 {
		time.Sleep(16 * time.Millisecond)
		now := time.Now()
		v = c.Frame(now, now.Sub(last).Seconds(), Controls{Accel: 1})
		last = now

		if v.Countdown == 3 {
			sawCountdown = true
		}
		if v.State == network.RoomRacing && v.HasLocal {
			racingFrames++
		}
	}

	if !sawCountdown {
		t.Error("countdown never showed 3")
	}
	if racingFrames < 90 {
		t.Fatalf("raced for %d frames only (state %d)", racingFrames, v.State)
	}
	if v.PlayerID != accept.PlayerID || v.RoomCode != accept.RoomCode {
		t.Fatalf("view %d/%s, accept %+v", v.PlayerID, v.RoomCode, accept)
	}
	if v.Local.Speed() < 50 {
		t.Fatalf("local speed %.1f after a second of throttle", v.Local.Speed())
	}
	if v.Pending > 60 {
		t.Fatalf("%d inputs unacknowledged", v.Pending)
	}
	if v.RTT <= 0 {
		t.Fatal("no round trip measured")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i := 0; i < 100 && srv.SessionCount() > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.SessionCount() != 0 {
		t.Fatal("server kept the session after disconnect")
	}
}

func TestReorderedControlPackets(t *testing.T) {
	c, tr := connectedClient(t)
	now := time.Unix(1000, 0)
	startAt := func(seq uint16) []byte {
		return proto.EncodeRaceStart(seq, network.RaceStart{Countdown: config.CountdownSeconds - 1, Laps: 2})
	}
	lobbyAt := func(seq uint16, state uint8) []byte {
		return proto.EncodeLobbyState(seq, network.LobbyState{State: state, RoomCode: "ABCD"})
	}

	// Packets from before the countdown arrive late.
	tr.deliver(startAt(10))
	tr.deliver(lobbyAt(11, network.RoomCountdown))
	tr.deliver(lobbyAt(4, network.RoomLobby))
	tr.deliver(proto.EncodeRaceResult(3, []network.ResultEntry{{PlayerID: 0, Time: 50}}))
	v := c.Frame(now, 0, Controls{})
	if v.State != network.RoomCountdown || v.Countdown != 3 || v.Results != nil {
		t.Fatalf("state %d countdown %d results %v after stale packets", v.State, v.Countdown, v.Results)
	}

	// Countdown aborted; a start from before the abort must not restart it.
	now = now.Add(time.Second)
	tr.deliver(proto.EncodeReturnToLobby(20))
	tr.deliver(lobbyAt(21, network.RoomLobby))
	tr.deliver(startAt(15))
	tr.deliver(lobbyAt(11, network.RoomCountdown))
	if v := c.Frame(now, 0, Controls{}); v.State != network.RoomLobby || v.Countdown != -1 {
		t.Fatalf("state %d countdown %d, want lobby", v.State, v.Countdown)
	}

	// The lobby announcing the next countdown overtakes its race start.
	now = now.Add(time.Second)
	tr.deliver(lobbyAt(31, network.RoomCountdown))
	tr.deliver(startAt(30))
	if v := c.Frame(now, 0, Controls{}); v.State != network.RoomCountdown || v.Countdown != 3 {
		t.Fatalf("state %d countdown %d, want a running countdown", v.State, v.Countdown)
	}

	// Results, then the rematch lobby, then a late copy of the results.
	results := proto.EncodeRaceResult(40, []network.ResultEntry{{PlayerID: 0, Time: 61}})
	tr.deliver(results)
	if v := c.Frame(now, 0, Controls{}); v.State != network.RoomDone || len(v.Results) != 1 {
		t.Fatalf("state %d results %v, want DONE", v.State, v.Results)
	}
	tr.deliver(lobbyAt(42, network.RoomLobby))
	tr.deliver(results)
	if v := c.Frame(now, 0, Controls{}); v.State != network.RoomLobby {
		t.Fatalf("state %d, want the rematch lobby", v.State)
	}
}

func TestAdminControls(t *testing.T) {
	c, tr := connectedClient(t)
	now := time.Unix(1000, 0)

	tr.deliver(proto.EncodeLobbyState(2, network.LobbyState{
		RoomCode: "ABCD", Admin: 0, Players: []network.LobbyPlayer{{ID: 0, Name: "alice"}},
	}))
	tr.deliver(proto.EncodeTrackList(3, []string{"oval", "ring"}))
	v := c.Frame(now, 0, Controls{})
	if !v.IsAdmin || len(v.Tracks) != 2 {
		t.Fatalf("admin %v tracks %v", v.IsAdmin, v.Tracks)
	}

	if err := c.SetTrack("ring"); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if err := c.SetBots(300); err != nil {
		t.Fatalf("SetBots: %v", err)
	}
	if err := c.StartRace(); err != nil {
		t.Fatalf("StartRace: %v", err)
	}
	sent := tr.take(network.MsgTypeRoomConfig)
	if len(sent) != 3 {
		t.Fatalf("%d config packets, want 3", len(sent))
	}
	track, _ := proto.DecodeRoomConfig(sent[0])
	bots, _ := proto.DecodeRoomConfig(sent[1])
	start, _ := proto.DecodeRoomConfig(sent[2])
	if track.Kind != network.ConfigTrack || track.Track != "ring" || bots.Bots != 255 || start.Kind != network.ConfigStart {
		t.Fatalf("config packets %+v %+v %+v", track, bots, start)
	}

	tr.deliver(proto.EncodeLobbyState(5, network.LobbyState{
		RoomCode: "ABCD", Admin: 1, Players: []network.LobbyPlayer{{ID: 0, Name: "alice"}, {ID: 1, Name: "bob"}},
	}))
	if v := c.Frame(now, 0, Controls{}); v.IsAdmin || v.Tracks != nil {
		t.Fatalf("still admin after handover: %v %v", v.IsAdmin, v.Tracks)
	}
}

func TestListRooms(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, fakeAddr("server"), ovalTrack(t), quietLogger())
	rooms := []network.RoomInfo{{Code: "ABCD", Name: "open", Track: "oval", Players: 1, MaxPlayers: 4}}
	tr.packets <- transport.Packet{Data: proto.EncodeRoomList(1, nil), Addr: fakeAddr("stranger")}
	tr.deliver(proto.EncodeRoomList(2, rooms))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(got) != 1 || got[0] != rooms[0] {
		t.Fatalf("rooms %+v", got)
	}
	if len(tr.take(network.MsgTypeRoomListRequest)) == 0 {
		t.Fatal("no request sent")
	}
}

func TestCloseLogsFailedDisconnect(t *testing.T) {
	c, tr := connectedClient(t)
	var buf bytes.Buffer
	c.logger = log.New(&buf, "", 0)
	tr.sendErr = errors.New("network down")

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("network down")) {
		t.Fatalf("send failure not logged: %q", buf.String())
	}
	if c.Connected() {
		t.Fatal("still connected after Close")
	}
}
