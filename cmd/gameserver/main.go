// Package main runs the authoritative race server.
//
// Architecture Overview:
//   - Clients talk a compact binary protocol over unreliable datagrams
//   - The datagrams travel over direct UDP, a relay room or websockets
//   - Each room runs its own 60Hz simulation and streams 30Hz snapshots
//   - Rooms cycle lobby -> countdown -> racing -> done and rematch in place
//
// Connection Flow:
//  1. Client sends JoinRequest (name, optional room code) until answered
//  2. Server seats it in a room and replies JoinAccept with its player ID
//  3. Lobby state follows; when enough players are in, the countdown starts
//  4. Client streams redundant inputs, server streams snapshots and events
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/ratelimit"
	"github.com/race/netrace/internal/server"
	"github.com/race/netrace/internal/transport"
)

// limiterIdle is how long an address may stay silent before its rate
// limiter state is dropped.
const limiterIdle = 5 * time.Minute

func main() {
	// Configure logging to include file and line numbers for debugging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Environment first, flags on top
	cfg := config.LoadServerConfig()
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, `packet transport: "udp", "relay" or "websocket"`)
	flag.StringVar(&cfg.RelayAddr, "relay", cfg.RelayAddr, "relay host:port for -transport=relay")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "UDP game port")
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "address for /health, /stats and /ws (empty disables)")
	flag.StringVar(&cfg.Track, "track", cfg.Track, "track name")
	flag.IntVar(&cfg.Bots, "bots", cfg.Bots, "bots added to every race")
	flag.IntVar(&cfg.MinPlayers, "min-players", cfg.MinPlayers, "players needed to start the countdown")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Server stopped")
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	logger := log.Default()
	limiter := ratelimit.New(cfg.PacketsPerSecond, cfg.PacketBurst)

	var (
		tr  transport.Transport
		hub *transport.WebSocketHub
	)
	switch cfg.Transport {
	case "udp":
		udp, err := transport.ListenUDP(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), limiter, logger)
		if err != nil {
			return err
		}
		tr = udp

	case "relay":
		channel, err := openRelay(ctx, cfg.RelayAddr, logger)
		if err != nil {
			return err
		}
		log.Printf("Hosting relay room %s via %s", channel.Code(), cfg.RelayAddr)
		tr = channel

	case "websocket":
		if cfg.HTTPAddr == "" {
			return errors.New("websocket transport needs an HTTP address")
		}
		hub = transport.NewWebSocketHub(cfg.EnableCORS, limiter, logger)
		tr = hub

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	defer tr.Close()

	srv, err := server.New(cfg, tr, logger)
	if err != nil {
		return err
	}

	// Print startup banner with configuration
	log.Printf("=================================")
	log.Printf("  Race Server")
	log.Printf("=================================")
	log.Printf("  Transport: %s (%s)", cfg.Transport, tr.LocalAddr())
	log.Printf("  Track: %s, Bots: %d, Min Players: %d", cfg.Track, cfg.Bots, cfg.MinPlayers)
	log.Printf("  Physics Rate: %d Hz", config.PhysicsTickRate)
	log.Printf("  Snapshot Rate: %d Hz", config.PhysicsTickRate/config.SnapshotEveryTicks)
	log.Printf("  Max Players/Room: %d", config.MaxPlayersPerRoom)
	log.Printf("  Max Rooms: %d", config.MaxRoomsPerServer)
	log.Printf("=================================")

	if cfg.HTTPAddr != "" {
		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: newMux(srv, hub)}
		go func() {
			log.Printf("HTTP listening on %s", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	go housekeeping(ctx, srv, limiter)

	return srv.Run(ctx)
}

func openRelay(ctx context.Context, relayAddr string, logger *log.Logger) (*transport.RelayChannel, error) {
	if relayAddr == "" {
		return nil, errors.New("relay transport needs -relay host:port")
	}
	addr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	channel, err := transport.CreateRelayRoom(handshakeCtx, conn, addr, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return channel, nil
}

// housekeeping logs statistics every 5 minutes (only when active) and drops
// idle rate limiter entries.
func housekeeping(ctx context.Context, srv *server.Server, limiter *ratelimit.Limiter) {
	statsTicker := time.NewTicker(5 * time.Minute)
	defer statsTicker.Stop()
	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			stats := srv.Stats()
			if stats.Rooms.TotalRooms > 0 || stats.Sessions > 0 {
				log.Printf("Stats: %d rooms, %d players, %d sessions, %d malformed",
					stats.Rooms.TotalRooms, stats.Rooms.TotalPlayers, stats.Sessions, stats.Malformed)
			}
		case now := <-pruneTicker.C:
			limiter.Prune(now, limiterIdle)
		}
	}
}

func newMux(srv *server.Server, hub *transport.WebSocketHub) *http.ServeMux {
	mux := http.NewServeMux()

	// Health check for load balancers
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(srv.Stats()); err != nil {
			log.Printf("Failed to write stats: %v", err)
		}
	})

	// WebSocket game connections
	if hub != nil {
		mux.Handle("/ws", hub)
	}
	return mux
}
