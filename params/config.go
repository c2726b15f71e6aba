package params

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment selects which exchange deployment the client talks to.
type Environment string

const (
	Testnet    Environment = "testnet"
	Production Environment = "production"
)

// Destination selects where strategy order intents are executed.
type Destination string

const (
	Paper    Destination = "paper"    // in-process matching simulator
	Exchange Destination = "exchange" // real orders via REST
)

type Credentials struct {
	APIKey    string
	APISecret string
}

type Config struct {
	Environment Environment
	Destination Destination
	Credentials Credentials

	// Symbols the engine registers and subscribes on startup.
	Symbols []string

	// AckTimeout bounds how long a live order may sit unacknowledged
	// before the reconciliation query runs.
	AckTimeout time.Duration

	// SnapshotTimeout bounds the startup wait for the first book
	// snapshot of every symbol.
	SnapshotTimeout time.Duration

	// ShutdownTimeout bounds the wait for cancel-all to resolve.
	ShutdownTimeout time.Duration

	// ReconcileInterval paces the live-order reconciliation sweep the
	// engine runs on its event loop.
	ReconcileInterval time.Duration

	// RecordPath enables the pebble market-data recorder when non-empty.
	RecordPath string

	// APIAddr enables the local monitoring HTTP server when non-empty.
	APIAddr string

	LogFile  string
	LogLevel string
}

const (
	wsProductionURL   = "wss://socket.india.delta.exchange"
	wsTestnetURL      = "wss://socket-ind.testnet.deltaex.org"
	restProductionURL = "https://api.india.delta.exchange"
	restTestnetURL    = "https://cdn-ind.testnet.deltaex.org"
)

func Default() Config {
	return Config{
		Environment:       Testnet,
		Destination:       Paper,
		Symbols:           []string{"BTCUSD"},
		AckTimeout:        5 * time.Second,
		SnapshotTimeout:   15 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("DELTA_ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(v)
	}
	if v := os.Getenv("ORDER_DESTINATION"); v != "" {
		cfg.Destination = Destination(v)
	}
	cfg.Credentials.APIKey = os.Getenv("DELTA_API_KEY")
	cfg.Credentials.APISecret = os.Getenv("DELTA_API_SECRET")

	if v := os.Getenv("SYMBOLS"); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) > 0 {
			cfg.Symbols = symbols
		}
	}

	cfg.AckTimeout = envDuration("ACK_TIMEOUT_MS", cfg.AckTimeout)
	cfg.SnapshotTimeout = envDuration("SNAPSHOT_TIMEOUT_MS", cfg.SnapshotTimeout)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT_MS", cfg.ShutdownTimeout)
	cfg.ReconcileInterval = envDuration("RECONCILE_INTERVAL_MS", cfg.ReconcileInterval)

	cfg.RecordPath = os.Getenv("RECORD_PATH")
	cfg.APIAddr = os.Getenv("API_ADDR")
	cfg.LogFile = os.Getenv("LOG_FILE")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// Validate rejects configurations that cannot produce a working engine.
// Live trading without credentials is a startup failure, not a warning.
func (c Config) Validate() error {
	switch c.Environment {
	case Testnet, Production:
	default:
		return errors.New("DELTA_ENVIRONMENT must be testnet or production")
	}
	switch c.Destination {
	case Paper, Exchange:
	default:
		return errors.New("ORDER_DESTINATION must be paper or exchange")
	}
	if c.Destination == Exchange {
		if c.Credentials.APIKey == "" || c.Credentials.APISecret == "" {
			return errors.New("DELTA_API_KEY and DELTA_API_SECRET required for exchange destination")
		}
	}
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol required")
	}
	return nil
}

// WSURL returns the websocket endpoint for the configured environment.
func (c Config) WSURL() string {
	if c.Environment == Production {
		return wsProductionURL
	}
	return wsTestnetURL
}

// RESTURL returns the REST base URL for the configured environment.
func (c Config) RESTURL() string {
	if c.Environment == Production {
		return restProductionURL
	}
	return restTestnetURL
}
