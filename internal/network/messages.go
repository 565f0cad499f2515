package network

// Every packet starts with [type:1][seq:2].
const HeaderSize = 3

// Message types
const (
	// Client -> Server
	MsgTypeJoinRequest     uint8 = 0x01
	MsgTypeRoomListRequest uint8 = 0x04
	MsgTypeCreateRoom      uint8 = 0x05
	MsgTypeInput           uint8 = 0x10
	MsgTypeRoomConfig      uint8 = 0x11
	MsgTypePing            uint8 = 0xF0

	// Server -> Client
	MsgTypeJoinAccept    uint8 = 0x02
	MsgTypeJoinReject    uint8 = 0x03
	MsgTypeRoomList      uint8 = 0x06
	MsgTypeSnapshot      uint8 = 0x20
	MsgTypeLobbyState    uint8 = 0x30
	MsgTypeRaceStart     uint8 = 0x31
	MsgTypeReturnToLobby uint8 = 0x32
	MsgTypeRaceResult    uint8 = 0x33
	MsgTypeTrackList     uint8 = 0x34
	MsgTypeEvent         uint8 = 0x40
	MsgTypePong          uint8 = 0xF1

	// Both directions
	MsgTypeDisconnect uint8 = 0xFF
)

// Join reject reasons
const (
	RejectRoomFull uint8 = 1
	RejectRacing   uint8 = 2
	RejectNotFound uint8 = 3
)

// Room config changes an admin may request
const (
	ConfigTrack uint8 = 1
	ConfigBots  uint8 = 2
	ConfigStart uint8 = 3
)

// NoAdmin is the lobby admin field of rooms without an admin.
const NoAdmin uint8 = 0xFF

// Room states as sent in lobby state packets
const (
	RoomLobby uint8 = iota
	RoomCountdown
	RoomRacing
	RoomDone
)

// Vehicle flags (bit field)
const (
	FlagFinished      uint16 = 1 << 0
	FlagDrifting      uint16 = 1 << 1
	FlagWallContact   uint16 = 1 << 2
	FlagShielded      uint16 = 1 << 3
	FlagBoosted       uint16 = 1 << 4
	FlagOilSlowed     uint16 = 1 << 5
	FlagMissileSlowed uint16 = 1 << 6
	FlagBot           uint16 = 1 << 7
)

// Power-up kinds
const (
	PowerUpNone uint8 = iota
	PowerUpBoost
	PowerUpShield
	PowerUpMissile
	PowerUpOil
)

// Event kinds
const (
	EventPowerUpCollect  uint8 = 1
	EventPowerUpActivate uint8 = 2
	EventPowerUpExpire   uint8 = 3
	EventMissileHit      uint8 = 4
	EventShieldBreak     uint8 = 5
	EventLap             uint8 = 6
	EventFinish          uint8 = 7
	EventPlayerLeft      uint8 = 8
)

// Fixed field and stride sizes
const (
	NameSize      = 16
	TrackNameSize = 24
	CodeSize      = 4

	InputSampleSize  = 7
	MaxInputSamples  = 3
	SnapshotMetaSize = 12
	VehicleSize      = 38
	MissileSize      = 17
	OilSize          = 13
	ItemSize         = 10
	EventSize        = 16
	LobbyPlayerSize  = 1 + NameSize
	RoomInfoSize     = CodeSize + NameSize + TrackNameSize + 3
	ResultEntrySize  = 5

	// Effect timers travel as u8 in 1/EffectTimeScale second units.
	EffectTimeScale = 20.0
)

// InputSample is one tick of player controls.
// Accel and Turn are in [-1, 1] and travel quantized to int8.
type InputSample struct {
	PlayerID   uint8
	Accel      float64
	Turn       float64
	Handbrake  bool
	UsePowerUp bool
	Seq        uint16
}

// VehicleState is the wire form of one vehicle.
type VehicleState struct {
	ID             uint8
	X, Y           float32
	VX, VY         float32
	Angle          float32 // degrees, 0 = up
	Laps           uint8
	NextCheckpoint uint8
	HeldPowerUp    uint8
	Flags          uint16
	FinishTime     float32
	LastInputSeq   uint16 // newest input the server applied for this vehicle
	WallNX, WallNY int8   // wall-contact normal x127, zero when clear

	Boost, Shield, Oil, MissileSlow uint8 // remaining effect time, EffectTimeScale units
}

// MissileState is a missile in flight
type MissileState struct {
	Owner    uint8
	X, Y     float32
	Angle    float32
	Lifetime float32
}

// OilState is an oil slick on the track
type OilState struct {
	Owner    uint8
	X, Y     float32
	Lifetime float32
}

// ItemState is a power-up pickup location
type ItemState struct {
	Index  uint8
	Active bool
	X, Y   float32
}

// Snapshot is the authoritative world state at a tick.
type Snapshot struct {
	Seq        uint16
	Tick       uint32
	ServerTime float32 // seconds since race start
	Vehicles   []VehicleState
	Missiles   []MissileState
	Oils       []OilState
	Items      []ItemState
}

// Event is a one-off game notification (16 bytes after the header).
type Event struct {
	Seq      uint16
	Kind     uint8
	PlayerID uint8
	PowerUp  uint8
	Index    uint8 // lap number, item index or missile owner depending on Kind
	X, Y     float32
	Value    float32
}

// JoinRequest from client
type JoinRequest struct {
	Name     string
	RoomCode string // empty asks for any open room
}

// JoinAccept from server
type JoinAccept struct {
	PlayerID   uint8
	MaxPlayers uint8
	RoomCode   string
}

// LobbyPlayer is one roster entry
type LobbyPlayer struct {
	ID   uint8
	Name string
}

// LobbyState describes a room before and between races.
type LobbyState struct {
	State      uint8
	RoomCode   string
	Name       string
	Track      string
	Bots       uint8
	MinPlayers uint8
	Admin      uint8 // player id, NoAdmin for quick-match rooms
	Private    bool
	Players    []LobbyPlayer
}

// CreateRoom asks for a new named room with the sender as its admin.
type CreateRoom struct {
	PlayerName string
	RoomName   string
	Private    bool
}

// RoomConfig is an admin's lobby change. Track is used by ConfigTrack,
// Bots by ConfigBots.
type RoomConfig struct {
	Kind  uint8
	Bots  uint8
	Track string
}

// RoomInfo is one entry of the public room list.
type RoomInfo struct {
	Code       string
	Name       string
	Track      string
	Players    uint8
	MaxPlayers uint8
	State      uint8
}

// RaceStart tells clients the countdown shown before "go".
type RaceStart struct {
	Countdown uint8
	Laps      uint8
}

// ResultEntry is one line of the final standings. Time < 0 means not finished.
type ResultEntry struct {
	PlayerID uint8
	Time     float32
}
