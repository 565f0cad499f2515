package relay

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/race/netrace/config"
)

type sent struct {
	to   string
	data []byte
}

// fakeConn records writes. Reads are not used by these tests.
type fakeConn struct {
	mu  sync.Mutex
	out []sent
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, io.EOF }
func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, sent{addr.String(), append([]byte(nil), p...)})
	return len(p), nil
}
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return udpAddr(7000) }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// take returns and clears what was sent to addr.
func (c *fakeConn) take(addr net.Addr) []Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	var got []Header
	var rest []sent
	for _, s := range c.out {
		if s.to != addr.String() {
			rest = append(rest, s)
			continue
		}
		h, _, err := Decode(s.data)
		if err == nil {
			got = append(got, h)
		}
	}
	c.out = rest
	return got
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func newTestServer() (*Server, *fakeConn) {
	conn := &fakeConn{}
	cfg := config.DefaultRelayConfig()
	cfg.PacketsPerSecond = 0
	return NewServer(conn, cfg, log.New(io.Discard, "", 0)), conn
}

func createRoom(t *testing.T, s *Server, conn *fakeConn, host net.Addr, now time.Time) string {
	t.Helper()
	s.HandlePacket(Encode(Header{Cmd: CmdCreateRoom}, nil), host, now)
	got := conn.take(host)
	if len(got) != 1 || got[0].Cmd != CmdRoomCreated || len(got[0].Code) != 4 {
		t.Fatalf("create reply = %+v", got)
	}
	return got[0].Code
}

func join(s *Server, conn *fakeConn, code string, addr net.Addr, now time.Time) Header {
	s.HandlePacket(Encode(Header{Cmd: CmdJoinRoom, Code: code}, nil), addr, now)
	got := conn.take(addr)
	if len(got) != 1 {
		return Header{}
	}
	return got[0]
}

func TestCreateAndJoin(t *testing.T) {
	s, conn := newTestServer()
	now := time.Unix(100, 0)
	code := createRoom(t, s, conn, udpAddr(1), now)

	for slot := uint8(1); slot < config.RelayMaxPeers; slot++ {
		h := join(s, conn, code, udpAddr(10+int(slot)), now)
		if h.Cmd != CmdJoinOK || h.Arg != slot {
			t.Fatalf("join %d = %+v", slot, h)
		}
	}
	if h := join(s, conn, code, udpAddr(99), now); h.Cmd != CmdJoinFail || h.Arg != FailFull {
		t.Fatalf("join full room = %+v", h)
	}
	unknown := "QQQQ"
	if code == unknown {
		unknown = "RRRR"
	}
	if h := join(s, conn, unknown, udpAddr(98), now); h.Cmd != CmdJoinFail || h.Arg != FailNotFound {
		t.Fatalf("join unknown room = %+v", h)
	}

	// A retried join keeps the slot.
	if h := join(s, conn, code, udpAddr(12), now); h.Cmd != CmdJoinOK || h.Arg != 2 {
		t.Fatalf("retried join = %+v", h)
	}
	if st := s.Stats(); st.Rooms != 1 || st.Peers != config.RelayMaxPeers {
		t.Fatalf("stats = %+v", st)
	}
}

func TestForwardRewritesTarget(t *testing.T) {
	s, conn := newTestServer()
	now := time.Unix(100, 0)
	host, a, b := udpAddr(1), udpAddr(2), udpAddr(3)
	code := createRoom(t, s, conn, host, now)
	join(s, conn, code, a, now)
	join(s, conn, code, b, now)

	s.HandlePacket(Forward(code, TargetHost, []byte{0x10, 0, 1}), a, now)
	got := conn.take(host)
	if len(got) != 1 || got[0].Cmd != CmdForward || got[0].Arg != 1 {
		t.Fatalf("host received %+v, want FORWARD from slot 1", got)
	}

	s.HandlePacket(Forward(code, TargetBroadcast, []byte{0x20}), host, now)
	for _, addr := range []net.Addr{a, b} {
		got := conn.take(addr)
		if len(got) != 1 || got[0].Arg != 0 {
			t.Fatalf("%s received %+v, want one FORWARD from host", addr, got)
		}
	}
	if len(conn.take(host)) != 0 {
		t.Fatal("broadcast echoed to sender")
	}

	s.HandlePacket(Forward(code, 2, []byte{0x20}), a, now)
	if got := conn.take(b); len(got) != 1 || got[0].Arg != 1 {
		t.Fatalf("slot 2 received %+v", got)
	}

	// Unknown senders are ignored.
	s.HandlePacket(Forward(code, TargetHost, []byte{1}), udpAddr(50), now)
	if len(conn.take(host)) != 0 {
		t.Fatal("forward from a stranger delivered")
	}
}

func TestHostLeaveClosesRoom(t *testing.T) {
	s, conn := newTestServer()
	now := time.Unix(100, 0)
	host, a := udpAddr(1), udpAddr(2)
	code := createRoom(t, s, conn, host, now)
	join(s, conn, code, a, now)

	s.HandlePacket(Encode(Header{Cmd: CmdLeaveRoom, Code: code}, nil), host, now)
	got := conn.take(a)
	if len(got) != 1 || got[0].Cmd != CmdPeerLeft || got[0].Arg != 0 {
		t.Fatalf("client received %+v, want PEER_LEFT(0)", got)
	}
	if st := s.Stats(); st.Rooms != 0 || st.Peers != 0 {
		t.Fatalf("stats after host leave = %+v", st)
	}
	if h := join(s, conn, code, udpAddr(3), now); h.Cmd != CmdJoinFail {
		t.Fatalf("join closed room = %+v", h)
	}
}

func TestSilentClientTimesOut(t *testing.T) {
	s, conn := newTestServer()
	start := time.Unix(100, 0)
	host, a, b := udpAddr(1), udpAddr(2), udpAddr(3)
	code := createRoom(t, s, conn, host, start)
	join(s, conn, code, a, start)
	join(s, conn, code, b, start)

	later := start.Add(config.RelayPeerTimeout + time.Second)
	s.HandlePacket(Encode(Header{Cmd: CmdHeartbeat, Code: code}, nil), host, later)
	s.HandlePacket(Encode(Header{Cmd: CmdHeartbeat, Code: code}, nil), b, later)

	if n := s.Cleanup(later); n != 1 {
		t.Fatalf("removed %d peers, want 1", n)
	}
	for _, addr := range []net.Addr{host, b} {
		got := conn.take(addr)
		if len(got) != 1 || got[0].Cmd != CmdPeerLeft || got[0].Arg != 1 {
			t.Fatalf("%s received %+v, want PEER_LEFT(1)", addr, got)
		}
	}
	if h := join(s, conn, code, udpAddr(4), later); h.Cmd != CmdJoinOK || h.Arg != 1 {
		t.Fatalf("freed slot not reused: %+v", h)
	}
}

func TestSilentHostClosesRoom(t *testing.T) {
	s, conn := newTestServer()
	start := time.Unix(100, 0)
	host, a := udpAddr(1), udpAddr(2)
	code := createRoom(t, s, conn, host, start)
	join(s, conn, code, a, start)

	later := start.Add(config.RelayPeerTimeout + time.Second)
	s.HandlePacket(Encode(Header{Cmd: CmdHeartbeat, Code: code}, nil), a, later)
	s.Cleanup(later)

	if got := conn.take(a); len(got) != 1 || got[0].Arg != 0 {
		t.Fatalf("client received %+v, want PEER_LEFT(0)", got)
	}
	if s.Stats().Rooms != 0 {
		t.Fatal("room survived host timeout")
	}
}

func TestMalformedPacketsDropped(t *testing.T) {
	s, conn := newTestServer()
	now := time.Unix(100, 0)
	for _, data := range [][]byte{{}, {CmdJoinRoom, 'A'}, {0x10, 0, 0, 0, 0, 0}} {
		s.HandlePacket(data, udpAddr(1), now)
	}
	if len(conn.take(udpAddr(1))) != 0 {
		t.Fatal("malformed packet answered")
	}
	if s.Stats().Dropped != 3 {
		t.Fatalf("dropped = %d, want 3", s.Stats().Dropped)
	}
}

// Create then join over real loopback sockets.
func TestRelayHandshakeOverUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	s := NewServer(conn, config.DefaultRelayConfig(), log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	dial := func() net.Conn {
		c, err := net.Dial("udp", conn.LocalAddr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		return c
	}
	roundTrip := func(c net.Conn, pkt []byte) Header {
		t.Helper()
		if _, err := c.Write(pkt); err != nil {
			t.Fatalf("write: %v", err)
		}
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		h, _, err := Decode(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return h
	}

	host, client, stranger := dial(), dial(), dial()

	created := roundTrip(host, Encode(Header{Cmd: CmdCreateRoom}, nil))
	if created.Cmd != CmdRoomCreated {
		t.Fatalf("create reply %+v", created)
	}
	ok := roundTrip(client, Encode(Header{Cmd: CmdJoinRoom, Code: created.Code}, nil))
	if ok.Cmd != CmdJoinOK || ok.Arg != 1 {
		t.Fatalf("join reply %+v", ok)
	}

	unknown := "2222"
	if created.Code == unknown {
		unknown = "3333"
	}
	fail := roundTrip(stranger, Encode(Header{Cmd: CmdJoinRoom, Code: unknown}, nil))
	if fail.Cmd != CmdJoinFail || fail.Arg != FailNotFound {
		t.Fatalf("unknown code reply %+v", fail)
	}

	if _, err := client.Write(Forward(created.Code, TargetHost, []byte("hi"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := host.Read(buf)
	if err != nil {
		t.Fatalf("host read: %v", err)
	}
	h, payload, err := Decode(buf[:n])
	if err != nil || h.Cmd != CmdForward || h.Arg != 1 || string(payload) != "hi" {
		t.Fatalf("host received %+v %q err=%v", h, payload, err)
	}
}
