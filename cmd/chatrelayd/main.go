// Command chatrelayd runs the chat relay server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aeolun/chatrelay/pkg/server"
)

func main() {
	// .env is optional; flags and CHATRELAY_* variables win over it.
	godotenv.Load()

	configPath := flag.String("config", "chatrelay.toml", "path to config file")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	httpPort := flag.Int("http-port", -1, "HTTP port for /ws, /metrics, /health (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging()
	}

	tomlCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := tomlCfg.Runtime()

	// Original deployment convention: PORT in the environment.
	if val := os.Getenv("PORT"); val != "" {
		if p, err := strconv.Atoi(val); err == nil {
			cfg.TCPPort = p
		}
	}
	if *port != 0 {
		cfg.TCPPort = *port
	}
	if *httpPort >= 0 {
		cfg.HTTPPort = *httpPort
	}

	srv := server.NewServer(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Server started on port %d", cfg.TCPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
