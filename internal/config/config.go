package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/clinic-sync/internal/auth"
	"github.com/alexjbarnes/clinic-sync/internal/chat"
	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// ByteSize is a size in bytes parsed from a human string such as "10MiB"
// or "25 MB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}

	*b = ByteSize(n)

	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config holds all environment-based configuration for clinic-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Chat backend
	APIURL   string `env:"CHAT_API_URL"`
	WSURL    string `env:"CHAT_WS_URL"`
	APIToken string `env:"CHAT_API_TOKEN"`
	UserID   int64  `env:"CHAT_USER_ID"`
	RoleName string `env:"CHAT_ROLE"`
	PeerID   int64  `env:"CHAT_PEER_ID"`

	// Sync engine tuning
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"1500ms"`
	SilenceThreshold time.Duration `env:"PUSH_SILENCE_THRESHOLD" envDefault:"6s"`
	PollLookback     time.Duration `env:"POLL_LOOKBACK" envDefault:"1h"`
	ReconnectDelay   time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	MergeWindow      time.Duration `env:"MERGE_WINDOW" envDefault:"15s"`

	// Attachments
	MaxAttachmentSize ByteSize `env:"MAX_ATTACHMENT_SIZE" envDefault:"10MiB"`
	StagingDir        string   `env:"STAGING_DIR"`
	OutboxDir         string   `env:"OUTBOX_DIR"`

	// Local state file. Defaults to ~/.clinic-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAuthUsers  string `env:"MCP_AUTH_USERS"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`

	// Role is parsed from RoleName during validation.
	Role chat.Role
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if c.WSURL == "" {
		return fmt.Errorf("CHAT_WS_URL is required")
	}

	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("CHAT_WS_URL must use ws:// or wss://")
	}

	if c.UserID <= 0 {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	role, err := chat.ParseRole(c.RoleName)
	if err != nil {
		return fmt.Errorf("CHAT_ROLE: %w", err)
	}

	c.Role = role

	if c.PeerID < 0 || (c.PeerID != 0 && c.PeerID == c.UserID) {
		return fmt.Errorf("CHAT_PEER_ID must be another participant")
	}

	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":          c.PollInterval,
		"PUSH_SILENCE_THRESHOLD": c.SilenceThreshold,
		"POLL_LOOKBACK":          c.PollLookback,
		"RECONNECT_DELAY":        c.ReconnectDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.MergeWindow < 0 {
		return fmt.Errorf("MERGE_WINDOW must not be negative")
	}

	if c.MaxAttachmentSize <= 0 {
		return fmt.Errorf("MAX_ATTACHMENT_SIZE must be positive")
	}

	if c.EnableMCP && c.MCPAuthUsers == "" && c.MCPAPIKeys == "" {
		return fmt.Errorf("at least one auth method required when MCP is enabled: MCP_AUTH_USERS or MCP_API_KEYS")
	}

	return nil
}

// resolvePaths fills in default locations and makes directories absolute
// so the outbox watcher and stager compare paths reliably.
func (c *Config) resolvePaths() error {
	if c.StagingDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determining home directory: %w", err)
		}

		c.StagingDir = filepath.Join(home, ".clinic-sync", "staging")
	}

	for _, p := range []*string{&c.StagingDir, &c.OutboxDir, &c.StatePath} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return nil
}

// RequirePeer returns an error unless CHAT_PEER_ID is set. Commands that
// open a conversation call it; hash-password does not need it.
func (c *Config) RequirePeer() error {
	if c.PeerID == 0 {
		return fmt.Errorf("CHAT_PEER_ID is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:cs_key1,user2:cs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		userID, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		if _, err := hex.DecodeString(key[len(auth.APIKeyPrefix):]); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

// ParseMCPUsers parses the MCP_AUTH_USERS string into a UserCredentials map.
// Format: "user1:<bcrypt hash>,user2:<bcrypt hash>". Hashes come from the
// hash-password subcommand.
func (c *Config) ParseMCPUsers() (auth.UserCredentials, error) {
	users := make(auth.UserCredentials)
	if c.MCPAuthUsers == "" {
		return users, nil
	}

	for _, pair := range strings.Split(c.MCPAuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		username, hash, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or password hash in entry %d", len(users)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("password for %q is not a bcrypt hash (use hash-password)", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in MCP_AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}
