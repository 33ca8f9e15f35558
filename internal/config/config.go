package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend names a document store.
const (
	BackendGateway   = "gateway"
	BackendFirestore = "firestore"
	BackendDir       = "dir"
	BackendDynamoDB  = "dynamodb"
)

// Config holds all environment-based configuration for listing-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Backend selects where views read snapshots and send adjustments.
	Backend string `env:"BACKEND" envDefault:"dir"`

	// Gateway client settings (BACKEND=gateway). GATEWAY_API_KEY is sent
	// as a bearer token.
	GatewayURL    string `env:"GATEWAY_URL"`
	GatewayAPIKey string `env:"GATEWAY_API_KEY"`

	// Bcrypt hashes of the API keys accepted by the gateway and MCP
	// endpoints. When empty, both are open.
	APIKeyHashes []string `env:"API_KEY_HASHES" envSeparator:","`

	// Gateway server settings for the gateway command. The adjust endpoint
	// is rate limited per server, not per client.
	GatewayListenAddr  string  `env:"GATEWAY_LISTEN_ADDR" envDefault:":8080"`
	GatewayAdjustRate  float64 `env:"GATEWAY_ADJUST_RATE" envDefault:"20"`
	GatewayAdjustBurst int     `env:"GATEWAY_ADJUST_BURST" envDefault:"40"`

	// Directory of <collection>.json files (BACKEND=dir).
	DataDir string `env:"DATA_DIR"`

	// Google Cloud project (BACKEND=firestore). Credentials come from the
	// standard application default chain.
	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`

	// DynamoDB table (BACKEND=dynamodb). Credentials and region come from
	// the standard AWS chain.
	DynamoDBTable        string        `env:"DYNAMODB_TABLE"`
	DynamoDBPollInterval time.Duration `env:"DYNAMODB_POLL_INTERVAL" envDefault:"5s"`

	// Local snapshot cache. Defaults to ~/.listing-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Optional YAML view definitions layered over the built-in presets.
	ViewsFile string `env:"VIEWS_FILE"`

	// Scoped views opened by the MCP server are stopped after this long
	// without use. Negative keeps them until shutdown.
	ViewIdleTimeout time.Duration `env:"VIEW_IDLE_TIMEOUT" envDefault:"10m"`

	// MCP server settings
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPLogLevel   string `env:"MCP_LOG_LEVEL" envDefault:"info"`

	// Media bucket. Blob URLs are resolved only when BLOB_ENDPOINT is set.
	BlobEndpoint  string        `env:"BLOB_ENDPOINT"`
	BlobBucket    string        `env:"BLOB_BUCKET"`
	BlobAccessKey string        `env:"BLOB_ACCESS_KEY"`
	BlobSecretKey string        `env:"BLOB_SECRET_KEY"`
	BlobRegion    string        `env:"BLOB_REGION" envDefault:"us-east-1"`
	BlobUseSSL    bool          `env:"BLOB_USE_SSL" envDefault:"true"`
	BlobURLTTL    time.Duration `env:"BLOB_URL_TTL" envDefault:"1h"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve DataDir at startup so the watched directory does not depend
	// on later working directory changes.
	if cfg.DataDir != "" {
		absDir, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
		}

		cfg.DataDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendGateway:
		if c.GatewayURL == "" {
			return fmt.Errorf("GATEWAY_URL is required when BACKEND=gateway")
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required when BACKEND=firestore")
		}
	case BackendDir:
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when BACKEND=dir")
		}
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required when BACKEND=dynamodb")
		}

		if c.DynamoDBPollInterval <= 0 {
			return fmt.Errorf("DYNAMODB_POLL_INTERVAL must be positive")
		}
	default:
		return fmt.Errorf("unknown BACKEND %q (want gateway, firestore, dir or dynamodb)", c.Backend)
	}

	if c.GatewayAdjustRate <= 0 {
		return fmt.Errorf("GATEWAY_ADJUST_RATE must be positive")
	}

	if c.GatewayAdjustBurst < 1 {
		return fmt.Errorf("GATEWAY_ADJUST_BURST must be at least 1")
	}

	if c.BlobEndpoint != "" && c.BlobBucket == "" {
		return fmt.Errorf("BLOB_BUCKET is required when BLOB_ENDPOINT is set")
	}

	if c.BlobURLTTL <= 0 {
		return fmt.Errorf("BLOB_URL_TTL must be positive")
	}

	if c.GatewayAPIKey != "" && !strings.HasPrefix(c.GatewayAPIKey, "ls_") {
		return fmt.Errorf("GATEWAY_API_KEY must start with ls_")
	}

	return nil
}

// AuthEnabled reports whether the HTTP endpoints require an API key.
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeyHashes) > 0
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// BlobEnabled reports whether media paths should be resolved to URLs.
func (c *Config) BlobEnabled() bool {
	return c.BlobEndpoint != ""
}
