package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Game constants - the client predicts with the same values, so they must
// match on both ends exactly.
const (
	// Vehicle dimensions
	CarWidth  = 22
	CarHeight = 40
	CarRadius = 12.0 // collision circle used for walls and car-vs-car

	// Simulation
	PhysicsTickRate    = 60 // Hz
	FixedDT            = 1.0 / float64(PhysicsTickRate)
	SnapshotEveryTicks = 2 // 30Hz snapshot stream
	MaxCatchUpTicks    = 5 // ticks run per wake before the backlog is dropped

	// Physics / Gameplay
	CarAcceleration  = 300.0
	BrakeForce       = 400.0
	MaxSpeed         = 500.0
	ReverseMaxSpeed  = 150.0
	Friction         = 120.0
	TurnSpeed        = 200.0 // deg/s at full speed
	TurnSpeedMin     = 40.0  // deg/s near standstill
	LateralGrip      = 0.2   // lateral velocity kept per tick
	DriftMinSpeed    = 150.0
	DriftGripMin     = 0.2
	DriftGripMax     = 0.85
	DriftRampTime    = 0.3
	DriftTurnBoost   = 1.3
	StopSpeed        = 5.0
	CollisionPenalty = 0.7
	WallBlockDot     = -0.3

	// Collision
	SubstepLength    = 4.0  // max px moved per sub-step
	MaxSubsteps      = 32
	NormalSampleDist = 28.0 // sample radius for surface normals
	MaxPushOut       = 24.0
	CarRestitution   = 0.5
	BroadphaseCell   = 100.0

	// Race
	TotalLaps        = 3
	CheckpointRadius = 80.0
	FinishGrace      = 15.0 // seconds after first finisher
	BotTopSpeed      = 480.0
	BotAcceleration  = 290.0
	BotTurnSpeed     = 195.0

	// Power-ups
	PowerUpRadius       = 18.0
	PowerUpRespawn      = 10.0
	BoostDuration       = 3.0
	BoostSpeedMult      = 1.45
	BoostAccelMult      = 1.3
	ShieldDuration      = 12.0
	MissileSpeed        = 700.0
	MissileLifetime     = 2.5
	MissileRadius       = 8.0
	MissileSlowDuration = 2.0
	MissileSlowMult     = 0.35
	OilRadius           = 30.0
	OilLifetime         = 8.0
	OilEffectDuration   = 1.5
	OilFrictionMult     = 3.0
	OilTurnMult         = 0.3

	// Room settings
	MaxPlayersPerRoom = 4
	MaxVehicles       = 8 // players plus bots
	MaxRoomsPerServer = 50
	CountdownSeconds  = 4 // internal duration; clients are told CountdownSeconds-1
	StartRedundancy   = 3
	EventRedundancy   = 3
	InputRedundancy   = 3
	InputQueueLength  = 8
	LobbyBroadcastSec = 0.5

	// Flood guard
	MaxInputPacketsPerTick = 6
	MaxFloodViolations     = 120

	// Client
	InterpDelayDefault   = 100 * time.Millisecond
	InterpDelayMin       = 50 * time.Millisecond
	InterpDelayMax       = 250 * time.Millisecond
	InterpMinSamples     = 5
	InterpWindow         = 30
	MaxExtrapolation     = 250 * time.Millisecond
	SnapshotBufferLength = 8
	ReconcileBlend       = 0.3
	ReconcileSnapDist    = 120.0
	ReconcileSettleDist  = 0.5
	WallClearSpeed       = 20.0
	PingInterval         = time.Second
	JoinRetryInterval    = 500 * time.Millisecond

	// Relay
	RelayMaxPeers       = 4
	RelayMaxRooms       = 100
	RelayPeerTimeout    = 10 * time.Second
	RelayCleanupEvery   = time.Second
	RelayHeartbeatEvery = 3 * time.Second
)

// ServerConfig configures the dedicated game server process.
type ServerConfig struct {
	Host      string
	Port      int    // UDP game port
	HTTPAddr  string // /health, /stats and /ws; empty disables
	Transport string // "udp", "relay" or "websocket"
	RelayAddr string // relay host:port when Transport is "relay"

	Track         string
	Bots          int
	MinPlayers    int
	LobbyGrace    time.Duration
	DoneLinger    time.Duration
	PlayerTimeout time.Duration
	Seed          int64

	// Ingress limiting per remote address
	PacketsPerSecond float64
	PacketBurst      int
	EnableCORS       bool
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:             "0.0.0.0",
		Port:             7777,
		HTTPAddr:         ":8080",
		Transport:        "udp",
		Track:            "oval",
		Bots:             0,
		MinPlayers:       2,
		LobbyGrace:       3 * time.Second,
		DoneLinger:       8 * time.Second,
		PlayerTimeout:    5 * time.Second,
		Seed:             1,
		PacketsPerSecond: 400,
		PacketBurst:      64,
		EnableCORS:       true,
	}
}

// RelayConfig configures the relay process.
type RelayConfig struct {
	Host             string
	Port             int
	MaxRooms         int
	PeerTimeout      time.Duration
	PacketsPerSecond float64
	PacketBurst      int
}

// DefaultRelayConfig returns default relay configuration
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Host:             "0.0.0.0",
		Port:             7000,
		MaxRooms:         RelayMaxRooms,
		PeerTimeout:      RelayPeerTimeout,
		PacketsPerSecond: 1000,
		PacketBurst:      128,
	}
}

// LoadServerConfig reads the environment (and a .env file if present) on top
// of the defaults. Unparseable values are logged and ignored.
func LoadServerConfig() *ServerConfig {
	loadDotEnv()
	cfg := DefaultServerConfig()

	envString("HOST", &cfg.Host)
	envInt("PORT", &cfg.Port)
	envString("HTTP_ADDR", &cfg.HTTPAddr)
	envString("TRANSPORT", &cfg.Transport)
	envString("RELAY_ADDR", &cfg.RelayAddr)
	envString("TRACK", &cfg.Track)
	envInt("BOTS", &cfg.Bots)
	envInt("MIN_PLAYERS", &cfg.MinPlayers)
	envDuration("LOBBY_GRACE", &cfg.LobbyGrace)
	envDuration("DONE_LINGER", &cfg.DoneLinger)
	envDuration("PLAYER_TIMEOUT", &cfg.PlayerTimeout)
	envInt64("SEED", &cfg.Seed)
	envFloat("PACKETS_PER_SECOND", &cfg.PacketsPerSecond)
	envInt("PACKET_BURST", &cfg.PacketBurst)

	// CORS can be disabled for production behind a reverse proxy
	if cors := os.Getenv("ENABLE_CORS"); cors == "false" {
		cfg.EnableCORS = false
	}

	if cfg.MinPlayers < 1 {
		cfg.MinPlayers = 1
	}
	if cfg.Bots+MaxPlayersPerRoom > MaxVehicles {
		cfg.Bots = MaxVehicles - MaxPlayersPerRoom
	}
	return cfg
}

// LoadRelayConfig reads relay settings from the environment.
func LoadRelayConfig() *RelayConfig {
	loadDotEnv()
	cfg := DefaultRelayConfig()

	envString("RELAY_HOST", &cfg.Host)
	envInt("RELAY_PORT", &cfg.Port)
	envInt("RELAY_MAX_ROOMS", &cfg.MaxRooms)
	envDuration("RELAY_PEER_TIMEOUT", &cfg.PeerTimeout)
	envFloat("RELAY_PACKETS_PER_SECOND", &cfg.PacketsPerSecond)
	envInt("RELAY_PACKET_BURST", &cfg.PacketBurst)
	return cfg
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env not loaded: %v", err)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envInt64(key string, dst *int64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("config: invalid %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: invalid %s=%q: %v", key, v, err)
		return
	}
	*dst = f
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: invalid %s=%q: %v", key, v, err)
		return
	}
	*dst = d
}
