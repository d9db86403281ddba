package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edup2p/saltyrtc/server/relay"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
	"github.com/gorilla/websocket"
)

var (
	dev        = flag.Bool("dev", false, "run in localhost development mode (overrides -a)")
	addr       = flag.String("a", ":8765", "server HTTP listen address, in form \":port\", \"ip:port\", or for IPv6 \"[ip]:port\". If the IP is omitted, it defaults to all interfaces.")
	configPath = flag.String("c", "", "config file path")
	logLevel   = flag.String("log-level", "info", "log level: trace, debug, info, warn or error")
)

const RelayDefaultHTML = `
<html>
	<body>
		<h1>SaltyRTC Relay</h1>
		<p>
		  This is a SaltyRTC signaling server. Connect to /&lt;initiator key&gt; over WebSocket.
		</p>
    </body>
</html>
`

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	programLevel := new(slog.LevelVar) // Info by default
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	switch *logLevel {
	case "trace":
		programLevel.Set(types.LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info":
		programLevel.Set(slog.LevelInfo)
	case "warn":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	default:
		slog.Warn("could not recognise flag -log-level, will use log level info", "unrecognised-argument", *logLevel)
	}

	if *dev {
		*addr = "127.0.0.1:3340"
		programLevel.Set(slog.LevelDebug)
		log.Printf("Running in dev mode.")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("relay: config: %v", err)
	}

	permanent, err := key.ParseSecretText(cfg.PrivateKey)
	if err != nil {
		log.Fatalf("relay: config: %v", err)
	}

	server := relay.NewServer(permanent)

	slog.Info("relay: using public key", "key", server.PublicKey().String())

	mux := http.NewServeMux()

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			server.ServeHTTP(w, r)
			return
		}

		browserHeaders(w)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		w.WriteHeader(200)

		io.WriteString(w, RelayDefaultHTML)
	}))

	mux.Handle("/robots.txt", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		browserHeaders(w)
		io.WriteString(w, "User-agent: *\nDisallow: /\n")
	}))

	httpsrv := &http.Server{
		Addr:    *addr,
		Handler: mux,

		ErrorLog: slog.NewLogLogger(h, slog.LevelWarn),

		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		httpsrv.Shutdown(shutdownCtx)
	}()

	slog.Info("relay: serving", "addr", *addr)
	err = httpsrv.ListenAndServe()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("relay: error %s", err)
	}
}

func browserHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; form-action 'self'; base-uri 'self'; block-all-mixed-content; object-src 'none'")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

type Config struct {
	PrivateKey string
}

// loadConfig reads the server key file, creating it with a fresh key when it does not exist yet.
func loadConfig() (*Config, error) {
	if *dev {
		return newConfig(), nil
	}

	if *configPath == "" {
		if os.Getuid() != 0 {
			return nil, errors.New("-c <config path> not specified")
		}
		*configPath = "/var/lib/saltyrtc/relay.json"
		slog.Info("no config path specified, using default", "file", *configPath)
	}

	data, err := os.ReadFile(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg := newConfig()
		if err := writeConfig(cfg, *configPath); err != nil {
			return nil, err
		}
		slog.Info("generated new server key", "file", *configPath)
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg *Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func writeConfig(cfg *Config, file string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(file, data, 0600)
}

func newConfig() *Config {
	ks := key.MustNewKeyStore()
	defer ks.Wipe()

	return &Config{PrivateKey: ks.SecretText()}
}
