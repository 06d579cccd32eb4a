package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string
	// Root key for deriving per-token macaroon keys (hex, 32 bytes).
	RootKey string
	// Location string baked into minted macaroons.
	TokenLocation string
	// Lifetime of the time-lock caveat on minted tokens. Zero disables it.
	TokenTTL time.Duration
	// Admin surface
	AdminAPIKeyHash string
	AdminJWTSecret  string
	// Lightning node connection
	LndMode         string // "rest" or "fake"
	LndHost         string
	LndTLSPath      string
	LndMacaroonPath string
	InvoiceExpiry   time.Duration
	// Backends file
	BackendsFile string
	Backends     []Backend
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

// Backend describes one gated upstream. Loaded once at startup and treated
// as read-only afterward.
type Backend struct {
	Name       string            `yaml:"name"`
	Path       string            `yaml:"path"`
	PathMatch  string            `yaml:"path_match"` // "exact" (default) or "prefix"
	Upstream   string            `yaml:"upstream"`
	Headers    []string          `yaml:"headers"` // "Key: Value" pairs
	Body       string            `yaml:"body"`    // JSON body template
	PassFields map[string]string `yaml:"pass_fields"`
	// Reserved capability string; carried as a caveat but not enforced yet.
	Capabilities   string            `yaml:"capabilities"`
	Constraints    map[string]string `yaml:"constraints"`
	PriceMsat      int64             `yaml:"price_msat"`
	BudgetMultiple int               `yaml:"budget_multiple"`
	// Ask the upstream for its current price instead of using price_msat.
	// Reserved, not enforced yet.
	PricePassthrough bool `yaml:"price_passthrough"`
	// Whether a budget unit consumed for a request that then times out
	// upstream is credited back.
	RefundOnTimeout    bool   `yaml:"refund_on_timeout"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	ResponseFields     string `yaml:"response_fields"`
}

// AmountTotal is the invoice amount for one challenge: the per-call price
// times the number of calls one payment authorizes.
func (b *Backend) AmountTotal() int64 {
	return b.PriceMsat * int64(b.Budget())
}

func (b *Backend) Budget() int {
	if b.BudgetMultiple < 1 {
		return 1
	}
	return b.BudgetMultiple
}

func (b *Backend) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// MatchPath reports whether a request path is served by this backend,
// honoring the configured match mode.
func (b *Backend) MatchPath(path string) bool {
	if b.PathMatch == "prefix" {
		return strings.HasPrefix(path, b.Path)
	}
	return path == b.Path
}

// FindBackend returns the first backend whose path rule matches, preserving
// file order.
func (c *Config) FindBackend(path string) *Backend {
	for i := range c.Backends {
		if c.Backends[i].MatchPath(path) {
			return &c.Backends[i]
		}
	}
	return nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // Default to disable for local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// LoadBackends reads and validates the backends file.
func LoadBackends(path string) ([]Backend, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backends file: %w", err)
	}
	var doc struct {
		Backends []Backend `yaml:"backends"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing backends file: %w", err)
	}
	if len(doc.Backends) == 0 {
		return nil, errors.New("backends file defines no backends")
	}
	for i := range doc.Backends {
		b := &doc.Backends[i]
		if b.Name == "" {
			return nil, fmt.Errorf("backend %d: name is required", i)
		}
		if b.Path == "" || !strings.HasPrefix(b.Path, "/") {
			return nil, fmt.Errorf("backend %s: path must start with /", b.Name)
		}
		if b.Upstream == "" {
			return nil, fmt.Errorf("backend %s: upstream is required", b.Name)
		}
		if b.PriceMsat <= 0 {
			return nil, fmt.Errorf("backend %s: price_msat must be positive", b.Name)
		}
		switch b.PathMatch {
		case "", "exact", "prefix":
		default:
			return nil, fmt.Errorf("backend %s: path_match must be exact or prefix", b.Name)
		}
	}
	return doc.Backends, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:            getenv("PORT", "8080"),
		DBAdapter:       getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile:      getenv("SQLITE_FILE", "./data/lsat-proxy.db"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		RootKey:         getenv("ROOT_KEY", ""),
		TokenLocation:   getenv("TOKEN_LOCATION", "lsat-proxy"),
		AdminAPIKeyHash: getenv("ADMIN_API_KEY_HASH", ""),
		AdminJWTSecret:  getenv("ADMIN_JWT_SECRET", "change-me"),
		LndMode:         getenv("LND_MODE", "fake"),
		LndHost:         getenv("LND_HOST", "localhost:8080"),
		LndTLSPath:      getenv("LND_TLS_PATH", ""),
		LndMacaroonPath: getenv("LND_MACAROON_PATH", ""),
		BackendsFile:    getenv("BACKENDS_FILE", "./backends.yaml"),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "lsat")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "lsatpass")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "lsatproxy")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	var err error
	if c.TokenTTL, err = getenvSeconds("TOKEN_TTL_SECONDS", time.Hour); err != nil {
		return nil, err
	}
	if c.InvoiceExpiry, err = getenvSeconds("INVOICE_EXPIRY_SECONDS", 10*time.Minute); err != nil {
		return nil, err
	}

	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	switch c.LndMode {
	case "rest":
		if c.LndTLSPath == "" || c.LndMacaroonPath == "" {
			return nil, errors.New("LND_TLS_PATH and LND_MACAROON_PATH must be set when LND_MODE=rest")
		}
	case "fake":
	default:
		return nil, fmt.Errorf("unsupported LND_MODE: %s (supported: rest, fake)", c.LndMode)
	}

	// Validate secrets in production
	env := strings.ToLower(getenv("ENV", ""))
	if env == "production" || env == "prod" {
		if c.RootKey == "" {
			return nil, errors.New("ROOT_KEY must be set in production")
		}
		if c.AdminJWTSecret == "" || c.AdminJWTSecret == "change-me" {
			return nil, errors.New("ADMIN_JWT_SECRET must be set in production")
		}
		if c.LndMode == "fake" {
			return nil, errors.New("LND_MODE=fake is not allowed in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
