package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clinaxis.org/internal/audit"
	"clinaxis.org/internal/backup"
	"clinaxis.org/internal/bruteforce"
	"clinaxis.org/internal/config"
	"clinaxis.org/internal/crypto"
	"clinaxis.org/internal/httpapi"
	"clinaxis.org/internal/obs"
	"clinaxis.org/internal/policy"
	"clinaxis.org/internal/ratelimit"
	"clinaxis.org/internal/session"
	"clinaxis.org/internal/store/pg"
	"clinaxis.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()

	masterKey := os.Getenv("CLINAXIS_MASTER_KEY")
	jwtSecret := os.Getenv("CLINAXIS_JWT_SECRET")
	if masterKey == "" || jwtSecret == "" {
		log.Fatal("CLINAXIS_MASTER_KEY and CLINAXIS_JWT_SECRET are required")
	}
	cryptoSvc, err := crypto.NewService(masterKey)
	if err != nil {
		log.Fatalf("crypto: %v", err)
	}

	// Persistence: PostgreSQL when a DSN is configured, in-memory otherwise so
	// the service still runs for local development.
	var (
		store        *pg.Store
		sessionStore session.Store           = session.NewInMemory()
		attemptStore bruteforce.AttemptStore = bruteforce.NewInMemory()
		auditStore   audit.Store             = audit.NewInMemory()
		configStore  config.Store            = config.NewInMemory()
		backupStore  backup.RecordStore      = backup.NewInMemory()
		snapshots    backup.SnapshotProvider
	)
	if dsn := os.Getenv("CLINAXIS_PG_DSN"); dsn != "" {
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		sessionStore = store.Sessions()
		attemptStore = store.Attempts()
		auditStore = store.Audit()
		configStore = store.Config()
		backupStore = store.Backups()
		snapshots = store.Snapshots()
	}

	events := stream.New()
	recorder := audit.NewRecorder(auditStore, audit.WithPublisher(events))

	sessions, err := session.NewManager(sessionStore, jwtSecret, session.WithRecorder(recorder))
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}
	engine, err := policy.NewEngine(policy.DefaultMatrix(), policy.WithRecorder(recorder))
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	cfgSvc := config.NewService(configStore, config.WithRecorder(recorder))
	if snapshots == nil {
		snapshots = configSnapshot{store: configStore}
	}

	backupDir := os.Getenv("CLINAXIS_BACKUP_DIR")
	if backupDir == "" {
		backupDir = "backups"
	}
	backups, err := backup.NewCoordinator(backupDir, snapshots, backupStore, cryptoSvc,
		backup.WithRecorder(recorder))
	if err != nil {
		log.Fatalf("backups: %v", err)
	}

	limiter := ratelimit.New(time.Minute, 100, ratelimit.WithRecorder(recorder))

	api := httpapi.New(httpapi.Deps{
		Sessions:   sessions,
		Engine:     engine,
		Limiter:    limiter,
		Guard:      bruteforce.NewGuard(attemptStore, bruteforce.WithRecorder(recorder)),
		Recorder:   recorder,
		Config:     cfgSvc,
		Backups:    backups,
		Stream:     events,
		Crypto:     cryptoSvc,
		Users:      directoryFromEnv(),
		ReadyProbe: readyProbe(store),
		Version:    version,
	})

	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	go sessions.RunSweeper(sweepCtx, time.Minute)
	go limiter.RunSweeper(sweepCtx, time.Minute)

	addr := os.Getenv("CLINAXIS_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting clinaxis-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopSweepers()
	recorder.Close()
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func readyProbe(store *pg.Store) httpapi.ReadyProbe {
	if store == nil {
		return httpapi.ReadyProbe{}
	}
	return httpapi.ReadyProbe{DB: store.DB()}
}

// directoryFromEnv builds the bootstrap account directory. CLINAXIS_USERS
// holds comma-separated id:email:role:bcrypt-hash entries; until the business
// layer plugs in its own directory this is the only account source.
func directoryFromEnv() httpapi.UserDirectory {
	dir := &staticDirectory{
		byEmail: make(map[string]*httpapi.User),
		byID:    make(map[string]*httpapi.User),
	}
	raw := os.Getenv("CLINAXIS_USERS")
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 4)
		if len(parts) != 4 {
			continue
		}
		u := &httpapi.User{ID: parts[0], Email: strings.ToLower(parts[1]), Role: parts[2], PasswordHash: parts[3]}
		dir.byEmail[u.Email] = u
		dir.byID[u.ID] = u
	}
	if len(dir.byID) == 0 {
		obs.Warn("no accounts configured; set CLINAXIS_USERS to enable logins", nil)
	}
	return dir
}

type staticDirectory struct {
	byEmail map[string]*httpapi.User
	byID    map[string]*httpapi.User
}

func (d *staticDirectory) FindByEmail(ctx context.Context, email string) (*httpapi.User, error) {
	if u, ok := d.byEmail[strings.ToLower(email)]; ok {
		return u, nil
	}
	return nil, session.ErrNotFound
}

func (d *staticDirectory) FindByID(ctx context.Context, id string) (*httpapi.User, error) {
	if u, ok := d.byID[id]; ok {
		return u, nil
	}
	return nil, session.ErrNotFound
}

// configSnapshot is the in-memory fallback snapshot source: only settings are
// exported since nothing else is durable without a database.
type configSnapshot struct {
	store config.Store
}

func (s configSnapshot) Snapshot(ctx context.Context, opts backup.Options) (backup.Tables, error) {
	settings, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(settings))
	for _, setting := range settings {
		rows = append(rows, map[string]any{
			"key":        setting.Key,
			"value":      setting.Value,
			"category":   setting.Category,
			"sensitive":  setting.Sensitive,
			"updated_by": setting.UpdatedBy,
			"updated_at": setting.UpdatedAt,
		})
	}
	return backup.Tables{"security_config": rows}, nil
}
