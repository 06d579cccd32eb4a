package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/lsatproxy/internal/config"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

type App struct {
	DB          DB
	cfg         *cfg.Config
	minter      *Minter
	ln          LightningClient
	rateLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// rootKey decodes the configured root key or generates an ephemeral one for
// development. An ephemeral key invalidates all tokens on restart.
func rootKey(c *cfg.Config) ([]byte, error) {
	if c.RootKey != "" {
		key, err := hex.DecodeString(c.RootKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("ROOT_KEY must be 32 hex-encoded bytes")
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	log.Printf("WARNING: ROOT_KEY not set; using an ephemeral key, tokens will not survive restart")
	return key, nil
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	backends, err := cfg.LoadBackends(c.BackendsFile)
	if err != nil {
		log.Fatalf("backends: %v", err)
	}
	c.Backends = backends
	log.Printf("Loaded %d backend(s) from %s", len(backends), c.BackendsFile)

	var db DB
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		db = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}

		// Apply migrations before connecting
		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Printf("migrations warning: %v", err)
		}

		p, err := NewPostgresDB(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		db = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory ledger (not recommended for production)")
		db = NewMemoryDB()
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	key, err := rootKey(c)
	if err != nil {
		log.Fatalf("root key: %v", err)
	}

	var ln LightningClient
	var fake *FakeLightningClient
	switch c.LndMode {
	case "rest":
		client, err := NewLndRestClient(c.LndHost, c.LndTLSPath, c.LndMacaroonPath)
		if err != nil {
			log.Fatalf("lnd client: %v", err)
		}
		ln = client
		log.Printf("Connected to LND at %s", c.LndHost)
	case "fake":
		fake = NewFakeLightningClient()
		ln = fake
		log.Println("Using fake payment backend (development only)")
	}

	if c.AdminAPIKeyHash == "" {
		devKey, err := genToken(32)
		if err != nil {
			log.Fatalf("generating dev admin key: %v", err)
		}
		hash, err := hashAPIKey(devKey)
		if err != nil {
			log.Fatalf("hashing dev admin key: %v", err)
		}
		c.AdminAPIKeyHash = hash
		log.Printf("WARNING: ADMIN_API_KEY_HASH not set; generated dev admin key: %s", devKey)
	}

	app := &App{
		DB:          db,
		cfg:         c,
		minter:      NewMinter(key, c.TokenLocation, c.TokenTTL),
		ln:          ln,
		rateLimiter: NewRateLimiter(),
	}

	// The tracker is the only writer of invoice state; it runs for the
	// whole process lifetime independent of request handling.
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	tracker := NewTracker(db, ln)
	go tracker.Run(trackerCtx)

	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(app.Logging)
	r.Use(app.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := app.DB.(interface{ ping() bool }); ok {
			if !p.ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	// Invoice polling for paying clients
	r.HandleFunc("/invoice/status", app.HandleInvoiceStatus).Methods("POST")

	// Admin endpoints
	r.HandleFunc("/admin/login", app.HandleAdminLogin).Methods("POST")
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(app.AdminAuth)
	admin.HandleFunc("/stats", app.HandleAdminStats).Methods("GET")
	admin.HandleFunc("/ledger/{id}", app.HandleAdminLedgerEntry).Methods("GET")

	if fake != nil {
		r.HandleFunc("/dev/settle", app.HandleDevSettle(fake)).Methods("POST")
	}

	// Everything else is a gated backend route
	r.PathPrefix("/").HandlerFunc(app.GateBackend)

	srv := &http.Server{Handler: r, Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 60 * time.Second}

	go func() {
		fmt.Println("Starting LSAT proxy on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stopTracker()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}
