package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"

	DefaultRPCURL           = "ws://localhost:8545"
	DefaultReconnectDelay   = 3 * time.Second
	DefaultWatchdogInterval = 30 * time.Second
	DefaultStaleAfter       = 2 * time.Minute
)

type Config struct {
	RPCURL          string // websocket or IPC endpoint; subscriptions need one
	ContractAddress string
	PrivateKey      string // hex; empty means read-only
	ChainID         int64  // 0: ask the node
	DBDialect       string // postgres only
	DBDsn           string // DSN string passed to GORM driver
	SentryDSN       string
	Debug           bool // if true: logs at debug level, written to monitor.log while the TUI runs

	ReconnectDelay   time.Duration
	WatchdogInterval time.Duration
	StaleAfter       time.Duration // resync if the head does not move for this long; 0 disables
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// getenvDuration parses a duration; zero is accepted only when allowZero.
func getenvDuration(key string, def time.Duration, allowZero bool) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func Load() Config {
	cfg := Config{
		RPCURL:           getenv("RPC_URL", DefaultRPCURL),
		ContractAddress:  strings.TrimSpace(os.Getenv("CONTRACT_ADDRESS")),
		PrivateKey:       strings.TrimSpace(os.Getenv("PRIVATE_KEY")),
		ChainID:          getenvInt64("CHAIN_ID", 0),
		SentryDSN:        os.Getenv("SENTRY_DSN"),
		Debug:            getenvBool("DEBUG", false),
		ReconnectDelay:   getenvDuration("RECONNECT_DELAY", DefaultReconnectDelay, true),
		WatchdogInterval: getenvDuration("WATCHDOG_INTERVAL", DefaultWatchdogInterval, false),
		StaleAfter:       getenvDuration("STALE_AFTER", DefaultStaleAfter, true),
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		cfg.SetDatabaseURL(dbURL)
	}

	return cfg
}

// SetDatabaseURL parses a DATABASE_URL value into dialect and DSN. An
// invalid value disables persistence.
func (c *Config) SetDatabaseURL(dbURL string) {
	dialect, dsn, err := parseDatabaseURL(dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, disabling persistence: %v\n", err)
		c.DBDialect, c.DBDsn = "", ""
		return
	}
	c.DBDialect = dialect
	c.DBDsn = dsn
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	return nil
}

// ReadOnly reports whether mutations are disabled.
func (c Config) ReadOnly() bool {
	return c.PrivateKey == ""
}

func (c Config) String() string {
	return fmt.Sprintf("rpc=%s contract=%s db=%s", c.RPCURL, c.ContractAddress, c.DBDialect)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	key := "none"
	if c.PrivateKey != "" {
		key = "***"
	}
	return fmt.Sprintf(
		"rpc=%s contract=%s chain_id=%d key=%s db=%s dsn=%s reconnect=%s watchdog=%s stale_after=%s",
		c.RPCURL,
		c.ContractAddress,
		c.ChainID,
		key,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.ReconnectDelay,
		c.WatchdogInterval,
		c.StaleAfter,
	)
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
