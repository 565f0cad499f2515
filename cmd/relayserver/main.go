// Package main runs the UDP relay that lets players behind NAT reach a host.
//
// A host creates a room and gets a four-letter code; clients join with the
// code and every packet after that is forwarded between slots without being
// inspected.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/relay"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadRelayConfig()
	flag.IntVar(&cfg.Port, "port", cfg.Port, "UDP port")
	flag.IntVar(&cfg.MaxRooms, "max-rooms", cfg.MaxRooms, "maximum concurrent rooms")
	flag.DurationVar(&cfg.PeerTimeout, "peer-timeout", cfg.PeerTimeout, "drop peers silent for this long")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	defer conn.Close()

	srv := relay.NewServer(conn, cfg, log.Default())

	// Log statistics every 5 minutes (only when active)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if st := srv.Stats(); st.Rooms > 0 {
					log.Printf("Stats: %d rooms, %d peers, %d forwarded, %d dropped",
						st.Rooms, st.Peers, st.Forwarded, st.Dropped)
				}
			}
		}
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
	log.Printf("Relay stopped")
}
