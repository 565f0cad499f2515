package network

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrInvalidCount   = errors.New("invalid count")
)

// Protocol handles binary encoding/decoding. All multi-byte fields are
// big-endian.
type Protocol struct{}

// NewProtocol creates a new protocol handler
func NewProtocol() *Protocol {
	return &Protocol{}
}

// PeekType returns the packet type and header sequence.
func PeekType(data []byte) (uint8, uint16, error) {
	if len(data) < HeaderSize {
		return 0, 0, ErrBufferTooSmall
	}
	return data[0], binary.BigEndian.Uint16(data[1:3]), nil
}

// SeqNewer reports whether a is after b in 16-bit serial number order.
func SeqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// QuantizeAxis converts [-1, 1] to the int8 wire value.
func QuantizeAxis(v float64) int8 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int8(math.Round(v * 127))
}

// DequantizeAxis converts the wire value back to [-1, 1].
func DequantizeAxis(v int8) float64 {
	f := float64(v) / 127
	if f < -1 {
		f = -1
	}
	return f
}

// Quantized returns the sample exactly as the server will decode it.
func (s InputSample) Quantized() InputSample {
	s.Accel = DequantizeAxis(QuantizeAxis(s.Accel))
	s.Turn = DequantizeAxis(QuantizeAxis(s.Turn))
	return s
}

func putHeader(buf []byte, msgType uint8, seq uint16) {
	buf[0] = msgType
	binary.BigEndian.PutUint16(buf[1:3], seq)
}

func checkHeader(data []byte, msgType uint8, minSize int) error {
	if len(data) < HeaderSize+minSize {
		return ErrBufferTooSmall
	}
	if data[0] != msgType {
		return ErrInvalidMessage
	}
	return nil
}

func putFloat(buf []byte, f float32) {
	binary.BigEndian.PutUint32(buf, math.Float32bits(f))
}

func getFloat(buf []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(buf))
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// putFixedString writes s into a zero-padded field, truncating if needed.
func putFixedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getFixedString(buf []byte) string {
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// --- Input ---

func encodeSample(buf []byte, s InputSample) {
	buf[0] = s.PlayerID
	buf[1] = uint8(QuantizeAxis(s.Accel))
	buf[2] = uint8(QuantizeAxis(s.Turn))
	buf[3] = boolByte(s.Handbrake)
	buf[4] = boolByte(s.UsePowerUp)
	binary.BigEndian.PutUint16(buf[5:7], s.Seq)
}

func decodeSample(buf []byte) InputSample {
	return InputSample{
		PlayerID:   buf[0],
		Accel:      DequantizeAxis(int8(buf[1])),
		Turn:       DequantizeAxis(int8(buf[2])),
		Handbrake:  buf[3] != 0,
		UsePowerUp: buf[4] != 0,
		Seq:        binary.BigEndian.Uint16(buf[5:7]),
	}
}

// EncodeInput encodes a single input sample using the legacy framing (3+7 bytes).
func (p *Protocol) EncodeInput(s InputSample) []byte {
	buf := make([]byte, HeaderSize+InputSampleSize)
	putHeader(buf, MsgTypeInput, s.Seq)
	encodeSample(buf[HeaderSize:], s)
	return buf
}

// EncodeInputRedundant packs up to three samples, newest first, behind a count
// byte. The header carries the newest sequence.
func (p *Protocol) EncodeInputRedundant(samples []InputSample) ([]byte, error) {
	if len(samples) == 0 || len(samples) > MaxInputSamples {
		return nil, ErrInvalidCount
	}
	buf := make([]byte, HeaderSize+1+len(samples)*InputSampleSize)
	putHeader(buf, MsgTypeInput, samples[0].Seq)
	buf[HeaderSize] = uint8(len(samples))
	offset := HeaderSize + 1
	for _, s := range samples {
		encodeSample(buf[offset:], s)
		offset += InputSampleSize
	}
	return buf, nil
}

// DecodeInput decodes either framing and returns the samples newest first.
// A payload of exactly one sample is the legacy form; anything else must be
// a count byte followed by that many samples.
func (p *Protocol) DecodeInput(data []byte) ([]InputSample, error) {
	if err := checkHeader(data, MsgTypeInput, InputSampleSize); err != nil {
		return nil, err
	}
	payload := data[HeaderSize:]

	if len(payload) == InputSampleSize {
		return []InputSample{decodeSample(payload)}, nil
	}

	count := int(payload[0])
	if count < 1 || count > MaxInputSamples {
		return nil, ErrInvalidCount
	}
	if len(payload) < 1+count*InputSampleSize {
		return nil, ErrBufferTooSmall
	}
	samples := make([]InputSample, count)
	offset := 1
	for i := 0; i < count; i++ {
		samples[i] = decodeSample(payload[offset:])
		offset += InputSampleSize
	}
	return samples, nil
}

// --- Snapshot ---

func clampCount(n int) int {
	if n > 255 {
		return 255
	}
	return n
}

// EncodeSnapshot encodes a snapshot. Each list is capped at 255 entries.
func (p *Protocol) EncodeSnapshot(s *Snapshot) []byte {
	nv := clampCount(len(s.Vehicles))
	nm := clampCount(len(s.Missiles))
	no := clampCount(len(s.Oils))
	ni := clampCount(len(s.Items))

	size := HeaderSize + SnapshotMetaSize + nv*VehicleSize + nm*MissileSize + no*OilSize + ni*ItemSize
	buf := make([]byte, size)
	putHeader(buf, MsgTypeSnapshot, s.Seq)

	meta := buf[HeaderSize:]
	binary.BigEndian.PutUint32(meta[0:4], s.Tick)
	putFloat(meta[4:8], s.ServerTime)
	meta[8] = uint8(nv)
	meta[9] = uint8(nm)
	meta[10] = uint8(no)
	meta[11] = uint8(ni)

	offset := HeaderSize + SnapshotMetaSize
	for i := 0; i < nv; i++ {
		encodeVehicle(buf[offset:], s.Vehicles[i])
		offset += VehicleSize
	}
	for i := 0; i < nm; i++ {
		m := s.Missiles[i]
		b := buf[offset:]
		b[0] = m.Owner
		putFloat(b[1:5], m.X)
		putFloat(b[5:9], m.Y)
		putFloat(b[9:13], m.Angle)
		putFloat(b[13:17], m.Lifetime)
		offset += MissileSize
	}
	for i := 0; i < no; i++ {
		o := s.Oils[i]
		b := buf[offset:]
		b[0] = o.Owner
		putFloat(b[1:5], o.X)
		putFloat(b[5:9], o.Y)
		putFloat(b[9:13], o.Lifetime)
		offset += OilSize
	}
	for i := 0; i < ni; i++ {
		it := s.Items[i]
		b := buf[offset:]
		b[0] = it.Index
		b[1] = boolByte(it.Active)
		putFloat(b[2:6], it.X)
		putFloat(b[6:10], it.Y)
		offset += ItemSize
	}
	return buf
}

// encodeVehicle encodes a single vehicle (38 bytes)
func encodeVehicle(b []byte, v VehicleState) {
	b[0] = v.ID
	putFloat(b[1:5], v.X)
	putFloat(b[5:9], v.Y)
	putFloat(b[9:13], v.VX)
	putFloat(b[13:17], v.VY)
	putFloat(b[17:21], v.Angle)
	b[21] = v.Laps
	b[22] = v.NextCheckpoint
	b[23] = v.HeldPowerUp
	binary.BigEndian.PutUint16(b[24:26], v.Flags)
	putFloat(b[26:30], v.FinishTime)
	binary.BigEndian.PutUint16(b[30:32], v.LastInputSeq)
	b[32] = uint8(v.WallNX)
	b[33] = uint8(v.WallNY)
	b[34] = v.Boost
	b[35] = v.Shield
	b[36] = v.Oil
	b[37] = v.MissileSlow
}

func decodeVehicle(b []byte) VehicleState {
	return VehicleState{
		ID:             b[0],
		X:              getFloat(b[1:5]),
		Y:              getFloat(b[5:9]),
		VX:             getFloat(b[9:13]),
		VY:             getFloat(b[13:17]),
		Angle:          getFloat(b[17:21]),
		Laps:           b[21],
		NextCheckpoint: b[22],
		HeldPowerUp:    b[23],
		Flags:          binary.BigEndian.Uint16(b[24:26]),
		FinishTime:     getFloat(b[26:30]),
		LastInputSeq:   binary.BigEndian.Uint16(b[30:32]),
		WallNX:         int8(b[32]),
		WallNY:         int8(b[33]),
		Boost:          b[34],
		Shield:         b[35],
		Oil:            b[36],
		MissileSlow:    b[37],
	}
}

// DecodeSnapshot decodes a snapshot, checking every count against the
// buffer length before reading.
func (p *Protocol) DecodeSnapshot(data []byte) (*Snapshot, error) {
	if err := checkHeader(data, MsgTypeSnapshot, SnapshotMetaSize); err != nil {
		return nil, err
	}
	meta := data[HeaderSize:]
	nv, nm, no, ni := int(meta[8]), int(meta[9]), int(meta[10]), int(meta[11])
	need := HeaderSize + SnapshotMetaSize + nv*VehicleSize + nm*MissileSize + no*OilSize + ni*ItemSize
	if len(data) < need {
		return nil, ErrBufferTooSmall
	}

	s := &Snapshot{
		Seq:        binary.BigEndian.Uint16(data[1:3]),
		Tick:       binary.BigEndian.Uint32(meta[0:4]),
		ServerTime: getFloat(meta[4:8]),
		Vehicles:   make([]VehicleState, nv),
		Missiles:   make([]MissileState, nm),
		Oils:       make([]OilState, no),
		Items:      make([]ItemState, ni),
	}

	offset := HeaderSize + SnapshotMetaSize
	for i := 0; i < nv; i++ {
		s.Vehicles[i] = decodeVehicle(data[offset:])
		offset += VehicleSize
	}
	for i := 0; i < nm; i++ {
		b := data[offset:]
		s.Missiles[i] = MissileState{
			Owner:    b[0],
			X:        getFloat(b[1:5]),
			Y:        getFloat(b[5:9]),
			Angle:    getFloat(b[9:13]),
			Lifetime: getFloat(b[13:17]),
		}
		offset += MissileSize
	}
	for i := 0; i < no; i++ {
		b := data[offset:]
		s.Oils[i] = OilState{
			Owner:    b[0],
			X:        getFloat(b[1:5]),
			Y:        getFloat(b[5:9]),
			Lifetime: getFloat(b[9:13]),
		}
		offset += OilSize
	}
	for i := 0; i < ni; i++ {
		b := data[offset:]
		s.Items[i] = ItemState{
			Index:  b[0],
			Active: b[1] != 0,
			X:      getFloat(b[2:6]),
			Y:      getFloat(b[6:10]),
		}
		offset += ItemSize
	}
	return s, nil
}

// --- Events ---

// EncodeEvent encodes an event message (3+16 bytes)
func (p *Protocol) EncodeEvent(e Event) []byte {
	buf := make([]byte, HeaderSize+EventSize)
	putHeader(buf, MsgTypeEvent, e.Seq)
	b := buf[HeaderSize:]
	b[0] = e.Kind
	b[1] = e.PlayerID
	b[2] = e.PowerUp
	b[3] = e.Index
	putFloat(b[4:8], e.X)
	putFloat(b[8:12], e.Y)
	putFloat(b[12:16], e.Value)
	return buf
}

// DecodeEvent decodes an event message
func (p *Protocol) DecodeEvent(data []byte) (Event, error) {
	if err := checkHeader(data, MsgTypeEvent, EventSize); err != nil {
		return Event{}, err
	}
	b := data[HeaderSize:]
	return Event{
		Seq:      binary.BigEndian.Uint16(data[1:3]),
		Kind:     b[0],
		PlayerID: b[1],
		PowerUp:  b[2],
		Index:    b[3],
		X:        getFloat(b[4:8]),
		Y:        getFloat(b[8:12]),
		Value:    getFloat(b[12:16]),
	}, nil
}

// --- Session ---

// EncodeJoinRequest encodes a join request (3+16+4 bytes)
func (p *Protocol) EncodeJoinRequest(seq uint16, req JoinRequest) []byte {
	buf := make([]byte, HeaderSize+NameSize+CodeSize)
	putHeader(buf, MsgTypeJoinRequest, seq)
	putFixedString(buf[HeaderSize:HeaderSize+NameSize], req.Name)
	putFixedString(buf[HeaderSize+NameSize:], req.RoomCode)
	return buf
}

// DecodeJoinRequest decodes a join request
func (p *Protocol) DecodeJoinRequest(data []byte) (JoinRequest, error) {
	if err := checkHeader(data, MsgTypeJoinRequest, NameSize+CodeSize); err != nil {
		return JoinRequest{}, err
	}
	return JoinRequest{
		Name:     getFixedString(data[HeaderSize : HeaderSize+NameSize]),
		RoomCode: getFixedString(data[HeaderSize+NameSize : HeaderSize+NameSize+CodeSize]),
	}, nil
}

// EncodeJoinAccept encodes a join accept (3+6 bytes)
func (p *Protocol) EncodeJoinAccept(seq uint16, a JoinAccept) []byte {
	buf := make([]byte, HeaderSize+2+CodeSize)
	putHeader(buf, MsgTypeJoinAccept, seq)
	buf[HeaderSize] = a.PlayerID
	buf[HeaderSize+1] = a.MaxPlayers
	putFixedString(buf[HeaderSize+2:], a.RoomCode)
	return buf
}

// DecodeJoinAccept decodes a join accept
func (p *Protocol) DecodeJoinAccept(data []byte) (JoinAccept, error) {
	if err := checkHeader(data, MsgTypeJoinAccept, 2+CodeSize); err != nil {
		return JoinAccept{}, err
	}
	return JoinAccept{
		PlayerID:   data[HeaderSize],
		MaxPlayers: data[HeaderSize+1],
		RoomCode:   getFixedString(data[HeaderSize+2 : HeaderSize+2+CodeSize]),
	}, nil
}

// EncodeJoinReject encodes a join reject with a reason code
func (p *Protocol) EncodeJoinReject(seq uint16, reason uint8) []byte {
	buf := make([]byte, HeaderSize+1)
	putHeader(buf, MsgTypeJoinReject, seq)
	buf[HeaderSize] = reason
	return buf
}

// DecodeJoinReject returns the reject reason
func (p *Protocol) DecodeJoinReject(data []byte) (uint8, error) {
	if err := checkHeader(data, MsgTypeJoinReject, 1); err != nil {
		return 0, err
	}
	return data[HeaderSize], nil
}

// EncodeLobbyState encodes the room roster. At most 255 players are written.
func (p *Protocol) EncodeLobbyState(seq uint16, l LobbyState) []byte {
	n := clampCount(len(l.Players))
	buf := make([]byte, HeaderSize+lobbyFixedSize+n*LobbyPlayerSize)
	putHeader(buf, MsgTypeLobbyState, seq)

	offset := HeaderSize
	buf[offset] = l.State
	offset++
	putFixedString(buf[offset:offset+CodeSize], l.RoomCode)
	offset += CodeSize
	putFixedString(buf[offset:offset+NameSize], l.Name)
	offset += NameSize
	putFixedString(buf[offset:offset+TrackNameSize], l.Track)
	offset += TrackNameSize
	buf[offset] = l.Bots
	buf[offset+1] = l.MinPlayers
	buf[offset+2] = l.Admin
	buf[offset+3] = boolByte(l.Private)
	buf[offset+4] = uint8(n)
	offset += 5

	for i := 0; i < n; i++ {
		buf[offset] = l.Players[i].ID
		putFixedString(buf[offset+1:offset+LobbyPlayerSize], l.Players[i].Name)
		offset += LobbyPlayerSize
	}
	return buf
}

const lobbyFixedSize = 1 + CodeSize + NameSize + TrackNameSize + 5

// DecodeLobbyState decodes the room roster
func (p *Protocol) DecodeLobbyState(data []byte) (LobbyState, error) {
	if err := checkHeader(data, MsgTypeLobbyState, lobbyFixedSize); err != nil {
		return LobbyState{}, err
	}

	offset := HeaderSize
	l := LobbyState{State: data[offset]}
	offset++
	l.RoomCode = getFixedString(data[offset : offset+CodeSize])
	offset += CodeSize
	l.Name = getFixedString(data[offset : offset+NameSize])
	offset += NameSize
	l.Track = getFixedString(data[offset : offset+TrackNameSize])
	offset += TrackNameSize
	l.Bots = data[offset]
	l.MinPlayers = data[offset+1]
	l.Admin = data[offset+2]
	l.Private = data[offset+3] != 0
	n := int(data[offset+4])
	offset += 5

	if len(data) < offset+n*LobbyPlayerSize {
		return LobbyState{}, ErrBufferTooSmall
	}
	l.Players = make([]LobbyPlayer, n)
	for i := 0; i < n; i++ {
		l.Players[i] = LobbyPlayer{
			ID:   data[offset],
			Name: getFixedString(data[offset+1 : offset+LobbyPlayerSize]),
		}
		offset += LobbyPlayerSize
	}
	return l, nil
}

// EncodeRaceStart encodes the countdown announcement
func (p *Protocol) EncodeRaceStart(seq uint16, rs RaceStart) []byte {
	buf := make([]byte, HeaderSize+2)
	putHeader(buf, MsgTypeRaceStart, seq)
	buf[HeaderSize] = rs.Countdown
	buf[HeaderSize+1] = rs.Laps
	return buf
}

// DecodeRaceStart decodes the countdown announcement
func (p *Protocol) DecodeRaceStart(data []byte) (RaceStart, error) {
	if err := checkHeader(data, MsgTypeRaceStart, 2); err != nil {
		return RaceStart{}, err
	}
	return RaceStart{Countdown: data[HeaderSize], Laps: data[HeaderSize+1]}, nil
}

// EncodeRaceResult encodes the final standings in finish order
func (p *Protocol) EncodeRaceResult(seq uint16, entries []ResultEntry) []byte {
	n := clampCount(len(entries))
	buf := make([]byte, HeaderSize+1+n*ResultEntrySize)
	putHeader(buf, MsgTypeRaceResult, seq)
	buf[HeaderSize] = uint8(n)
	offset := HeaderSize + 1
	for i := 0; i < n; i++ {
		buf[offset] = entries[i].PlayerID
		putFloat(buf[offset+1:offset+5], entries[i].Time)
		offset += ResultEntrySize
	}
	return buf
}

// DecodeRaceResult decodes the final standings
func (p *Protocol) DecodeRaceResult(data []byte) ([]ResultEntry, error) {
	if err := checkHeader(data, MsgTypeRaceResult, 1); err != nil {
		return nil, err
	}
	n := int(data[HeaderSize])
	if len(data) < HeaderSize+1+n*ResultEntrySize {
		return nil, ErrBufferTooSmall
	}
	entries := make([]ResultEntry, n)
	offset := HeaderSize + 1
	for i := 0; i < n; i++ {
		entries[i] = ResultEntry{
			PlayerID: data[offset],
			Time:     getFloat(data[offset+1 : offset+5]),
		}
		offset += ResultEntrySize
	}
	return entries, nil
}

// --- Room browser and admin config ---

// EncodeCreateRoom encodes a named room request (3+16+16+1 bytes)
func (p *Protocol) EncodeCreateRoom(seq uint16, c CreateRoom) []byte {
	buf := make([]byte, HeaderSize+2*NameSize+1)
	putHeader(buf, MsgTypeCreateRoom, seq)
	putFixedString(buf[HeaderSize:HeaderSize+NameSize], c.PlayerName)
	putFixedString(buf[HeaderSize+NameSize:HeaderSize+2*NameSize], c.RoomName)
	buf[HeaderSize+2*NameSize] = boolByte(c.Private)
	return buf
}

// DecodeCreateRoom decodes a named room request
func (p *Protocol) DecodeCreateRoom(data []byte) (CreateRoom, error) {
	if err := checkHeader(data, MsgTypeCreateRoom, 2*NameSize+1); err != nil {
		return CreateRoom{}, err
	}
	return CreateRoom{
		PlayerName: getFixedString(data[HeaderSize : HeaderSize+NameSize]),
		RoomName:   getFixedString(data[HeaderSize+NameSize : HeaderSize+2*NameSize]),
		Private:    data[HeaderSize+2*NameSize] != 0,
	}, nil
}

// EncodeRoomListRequest asks for the public rooms
func (p *Protocol) EncodeRoomListRequest(seq uint16) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, MsgTypeRoomListRequest, seq)
	return buf
}

// EncodeRoomList encodes the public rooms. At most 255 are written.
func (p *Protocol) EncodeRoomList(seq uint16, rooms []RoomInfo) []byte {
	n := clampCount(len(rooms))
	buf := make([]byte, HeaderSize+1+n*RoomInfoSize)
	putHeader(buf, MsgTypeRoomList, seq)
	buf[HeaderSize] = uint8(n)

	offset := HeaderSize + 1
	for _, r := range rooms[:n] {
		putFixedString(buf[offset:offset+CodeSize], r.Code)
		offset += CodeSize
		putFixedString(buf[offset:offset+NameSize], r.Name)
		offset += NameSize
		putFixedString(buf[offset:offset+TrackNameSize], r.Track)
		offset += TrackNameSize
		buf[offset] = r.Players
		buf[offset+1] = r.MaxPlayers
		buf[offset+2] = r.State
		offset += 3
	}
	return buf
}

// DecodeRoomList decodes the public rooms
func (p *Protocol) DecodeRoomList(data []byte) ([]RoomInfo, error) {
	if err := checkHeader(data, MsgTypeRoomList, 1); err != nil {
		return nil, err
	}
	n := int(data[HeaderSize])
	if len(data) < HeaderSize+1+n*RoomInfoSize {
		return nil, ErrBufferTooSmall
	}

	rooms := make([]RoomInfo, n)
	offset := HeaderSize + 1
	for i := range rooms {
		r := &rooms[i]
		r.Code = getFixedString(data[offset : offset+CodeSize])
		offset += CodeSize
		r.Name = getFixedString(data[offset : offset+NameSize])
		offset += NameSize
		r.Track = getFixedString(data[offset : offset+TrackNameSize])
		offset += TrackNameSize
		r.Players = data[offset]
		r.MaxPlayers = data[offset+1]
		r.State = data[offset+2]
		offset += 3
	}
	return rooms, nil
}

// EncodeRoomConfig encodes an admin's lobby change (3+2+24 bytes)
func (p *Protocol) EncodeRoomConfig(seq uint16, c RoomConfig) []byte {
	buf := make([]byte, HeaderSize+2+TrackNameSize)
	putHeader(buf, MsgTypeRoomConfig, seq)
	buf[HeaderSize] = c.Kind
	buf[HeaderSize+1] = c.Bots
	putFixedString(buf[HeaderSize+2:], c.Track)
	return buf
}

// DecodeRoomConfig decodes an admin's lobby change
func (p *Protocol) DecodeRoomConfig(data []byte) (RoomConfig, error) {
	if err := checkHeader(data, MsgTypeRoomConfig, 2+TrackNameSize); err != nil {
		return RoomConfig{}, err
	}
	c := RoomConfig{
		Kind:  data[HeaderSize],
		Bots:  data[HeaderSize+1],
		Track: getFixedString(data[HeaderSize+2 : HeaderSize+2+TrackNameSize]),
	}
	if c.Kind < ConfigTrack || c.Kind > ConfigStart {
		return RoomConfig{}, ErrInvalidMessage
	}
	return c, nil
}

// EncodeTrackList encodes the tracks an admin can pick from
func (p *Protocol) EncodeTrackList(seq uint16, names []string) []byte {
	n := clampCount(len(names))
	buf := make([]byte, HeaderSize+1+n*TrackNameSize)
	putHeader(buf, MsgTypeTrackList, seq)
	buf[HeaderSize] = uint8(n)
	for i, name := range names[:n] {
		off := HeaderSize + 1 + i*TrackNameSize
		putFixedString(buf[off:off+TrackNameSize], name)
	}
	return buf
}

// DecodeTrackList decodes the tracks an admin can pick from
func (p *Protocol) DecodeTrackList(data []byte) ([]string, error) {
	if err := checkHeader(data, MsgTypeTrackList, 1); err != nil {
		return nil, err
	}
	n := int(data[HeaderSize])
	if len(data) < HeaderSize+1+n*TrackNameSize {
		return nil, ErrBufferTooSmall
	}
	names := make([]string, n)
	for i := range names {
		off := HeaderSize + 1 + i*TrackNameSize
		names[i] = getFixedString(data[off : off+TrackNameSize])
	}
	return names, nil
}

// EncodeReturnToLobby encodes the countdown/race abort notice
func (p *Protocol) EncodeReturnToLobby(seq uint16) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, MsgTypeReturnToLobby, seq)
	return buf
}

// EncodeDisconnect encodes a disconnect notice
func (p *Protocol) EncodeDisconnect(seq uint16) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, MsgTypeDisconnect, seq)
	return buf
}

// EncodePing encodes a ping carrying the sender's timestamp
func (p *Protocol) EncodePing(seq uint16, timestamp uint64) []byte {
	buf := make([]byte, HeaderSize+8)
	putHeader(buf, MsgTypePing, seq)
	binary.BigEndian.PutUint64(buf[HeaderSize:], timestamp)
	return buf
}

// EncodePong echoes a ping timestamp
func (p *Protocol) EncodePong(seq uint16, timestamp uint64) []byte {
	buf := make([]byte, HeaderSize+8)
	putHeader(buf, MsgTypePong, seq)
	binary.BigEndian.PutUint64(buf[HeaderSize:], timestamp)
	return buf
}

// DecodeTimestamp reads the timestamp of a ping or pong
func (p *Protocol) DecodeTimestamp(data []byte) (uint64, error) {
	if len(data) < HeaderSize+8 {
		return 0, ErrBufferTooSmall
	}
	if data[0] != MsgTypePing && data[0] != MsgTypePong {
		return 0, ErrInvalidMessage
	}
	return binary.BigEndian.Uint64(data[HeaderSize:]), nil
}
