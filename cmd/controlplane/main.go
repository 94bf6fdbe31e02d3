package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/opsloop/controlplane/internal/audit"
	"github.com/opsloop/controlplane/internal/auth"
	"github.com/opsloop/controlplane/internal/config"
	"github.com/opsloop/controlplane/internal/decision"
	"github.com/opsloop/controlplane/internal/evaluator"
	"github.com/opsloop/controlplane/internal/governor"
	"github.com/opsloop/controlplane/internal/httpserver"
	"github.com/opsloop/controlplane/internal/metrics"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
	"github.com/opsloop/controlplane/internal/toolrouter"
	"github.com/opsloop/controlplane/internal/twin"
	"github.com/opsloop/controlplane/internal/workflow"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()

	// Database (optional); in-memory store for dev when unset.
	var db *sql.DB
	var st store.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("connected to postgres")
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("failed to ensure schema: %v", err)
		}
		st = pg
	} else {
		log.Println("no postgres configured; using in-memory store (dev only)")
		st = store.NewMemoryStore()
	}

	m := metrics.New()
	recorder := audit.NewRecorder(st)
	recorder.SetOnAppend(m.IncrementAuditEntry)

	gov := governor.New(st)
	gov.InitializeBuiltInPolicies()

	router := toolrouter.New(st, recorder)
	router.SetObserver(m)

	tw := twin.New(st)
	tw.RegisterBuiltInModels()

	decisions := decision.New(st, tw, gov, nil)
	decisions.RegisterDefaultDecisionTypes()

	eval := evaluator.New(st)

	engine := workflow.New(st, router, gov)
	engine.SetObserver(m)

	// Seed the default execution agent so workflow tool calls pass the
	// router's permission check out of the box.
	if err := st.UpsertAgent(context.Background(), models.Agent{
		ID:          cfg.DefaultAgentID,
		Name:        "default operations agent",
		Active:      true,
		Permissions: []string{"payments:read", "payments:write", "ledger:write", "content:publish"},
	}); err != nil {
		log.Fatalf("failed to seed default agent: %v", err)
	}

	// --- Audit streamer wiring (DB-first durable pipeline) ---
	var streamerCancel context.CancelFunc
	if db != nil && len(cfg.KafkaBrokers) > 0 && cfg.ArchiveBucket != "" {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.AuditTopic,
			MaxAttempts: 3,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka producer: %v", err)
		}
		log.Printf("kafka producer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.AuditTopic)

		archiver, err := audit.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("failed to initialize s3 archiver: %v", err)
		}
		log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.ArchiveBucket, cfg.ArchivePrefix)

		streamer := audit.NewStreamer(st, producer, archiver, audit.StreamerConfig{})
		ctxStr, cancel := context.WithCancel(context.Background())
		streamerCancel = cancel
		go func() {
			if err := streamer.Run(ctxStr); err != nil && err != context.Canceled {
				log.Printf("[audit.streamer] exited with error: %v", err)
			}
			log.Printf("[audit.streamer] background runner stopped")
		}()
		log.Println("audit streamer started")
	} else {
		log.Println("audit streamer not started: DATABASE_URL, KAFKA_BROKERS and ARCHIVE_BUCKET must all be set to enable")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.DevMode)
	if !verifier.Enabled() && !cfg.DevMode {
		log.Println("warning: JWT_SECRET not set; authentication disabled")
	}

	server := httpserver.New(st, gov, engine, decisions, tw, eval, m, verifier, cfg.DefaultAgentID)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting controlplane server on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}

	if streamerCancel != nil {
		streamerCancel()
		// give the streamer a short grace period to drain in-flight work
		time.Sleep(3 * time.Second)
	}

	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}
