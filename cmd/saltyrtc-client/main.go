package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/saltyrtc/client"
	"github.com/edup2p/saltyrtc/signaling"
	"github.com/edup2p/saltyrtc/types"
	"github.com/edup2p/saltyrtc/types/key"
)

// Flags
var (
	relayURL     string
	configFile   string
	logLevel     string
	roleStr      string
	peerKeyStr   string
	serverKeyStr string
	tokenStr     string
	pingInterval uint
)

func init() {
	flag.StringVar(&relayURL, "url", "ws://127.0.0.1:3340", "relay server to connect to")
	flag.StringVar(&configFile, "config", "./saltyrtc_client.json", "path to config file")
	flag.StringVar(&logLevel, "log-level", "", "log level")
	flag.StringVar(&roleStr, "role", "initiator", "signaling role, initiator or responder")
	flag.StringVar(&peerKeyStr, "peer-key", "", "trusted responder key (initiator) or key of the initiator to reach (responder)")
	flag.StringVar(&serverKeyStr, "server-key", "", "pinned relay server key")
	flag.StringVar(&tokenStr, "token", "", "auth token shared with an untrusted responder")
	flag.UintVar(&pingInterval, "ping", 0, "ping interval in seconds to request from the server")
}

var programLevel = new(slog.LevelVar) // Info by default

type Config struct {
	// PrivateKey is the permanent key in its "priv:<hex>" text form.
	PrivateKey string
}

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel, AddSource: true})
	slog.SetDefault(slog.New(h))

	flag.Parse()

	switch logLevel {
	case "trace":
		programLevel.Set(types.LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info", "":
		programLevel.Set(slog.LevelInfo)
	case "warn":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	default:
		slog.Warn("could not recognise flag --log-level, will use log level info", "unrecognised-argument", logLevel)
	}

	file, err := normalisePath(configFile)
	if err != nil {
		slog.Error("could not normalise config file", "err", err, "file", configFile)
		os.Exit(1)
	}

	config, err := getOrGenerateConfig(file)
	if err != nil {
		slog.Error("could not get config", "err", err)
		os.Exit(1)
	}

	permanent, err := key.ParseSecretText(config.PrivateKey)
	if err != nil {
		slog.Error("could not parse private key from config", "err", err, "file", file)
		os.Exit(1)
	}

	cfg, err := signalingConfig(permanent)
	if err != nil {
		slog.Error("invalid flags", "err", err)
		os.Exit(1)
	}

	ctx, ccc := context.WithCancelCause(context.Background())
	defer ccc(nil)

	conn, err := client.Dial(ctx, relayURL, cfg)
	if err != nil {
		slog.Error("could not connect to relay", "err", err, "url", relayURL)
		os.Exit(1)
	}

	runShell(ctx, conn, permanent.PublicKey())

	_ = conn.Close()

	if err := conn.Err(); !errors.Is(err, client.ErrConnClosed) {
		slog.Warn("connection ended with error", "err", err, "code", conn.CloseCode())
	}
}

// signalingConfig builds the signaling configuration from the command line flags.
func signalingConfig(permanent *key.KeyStore) (signaling.Config, error) {
	cfg := signaling.Config{
		PermanentKey: permanent,
		PingInterval: uint32(pingInterval),
	}

	switch roleStr {
	case "initiator":
		cfg.Role = signaling.RoleInitiator
	case "responder":
		cfg.Role = signaling.RoleResponder
	default:
		return cfg, fmt.Errorf("unknown role %q", roleStr)
	}

	if serverKeyStr != "" {
		k, err := key.ParsePublicKey(serverKeyStr)
		if err != nil {
			return cfg, fmt.Errorf("could not parse server key: %w", err)
		}
		cfg.ServerKey = gonull.NewNullable(k)
	}

	if tokenStr != "" {
		t, err := key.ParseAuthToken(tokenStr)
		if err != nil {
			return cfg, fmt.Errorf("could not parse auth token: %w", err)
		}
		cfg.AuthToken = t
	}

	var peerKey gonull.Nullable[key.PublicKey]
	if peerKeyStr != "" {
		k, err := key.ParsePublicKey(peerKeyStr)
		if err != nil {
			return cfg, fmt.Errorf("could not parse peer key: %w", err)
		}
		peerKey = gonull.NewNullable(k)
	}

	if cfg.Role == signaling.RoleInitiator {
		cfg.ResponderKey = peerKey

		if !peerKey.Valid && cfg.AuthToken == nil {
			cfg.AuthToken = key.NewAuthToken()
			slog.Info("no responder key given, generated a one-time auth token", "token", cfg.AuthToken.Text())
		}
	} else {
		cfg.InitiatorKey = peerKey
	}

	return cfg, nil
}

func normalisePath(file string) (string, error) {
	var err error

	file = strings.TrimSpace(file)

	if strings.HasPrefix(file, "~/") {
		dirname, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not find home directory: %w", err)
		}

		file = filepath.Join(dirname, file[2:])
	}

	if file, err = filepath.Abs(file); err != nil {
		return "", fmt.Errorf("failed to normalise path: %w", err)
	}

	return file, nil
}

func getOrGenerateConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config file %s: %w", file, err)
		}

		slog.Info("config file does not exist, generating new config...", "file", file)

		ks, err := key.NewKeyStore()
		if err != nil {
			return nil, err
		}

		c := &Config{PrivateKey: ks.SecretText()}
		ks.Wipe()

		if err = writeConfig(c, file); err != nil {
			return nil, fmt.Errorf("failed to write config to file: %w", err)
		}

		return c, nil
	}

	var c *Config
	if err = json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	slog.Info("loaded config from file", "file", file)

	return c, nil
}

func writeConfig(c *Config, file string) error {
	jsonData, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(file, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write config to file: %w", err)
	}

	return nil
}
