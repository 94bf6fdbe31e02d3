// package config provides a minimal environment-backed configuration loader
// used by the service bootstrap (cmd/controlplane/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the small set of runtime config values used by main.go.
// Keep this intentionally minimal; expand as needed.
type Config struct {
	DatabaseURL    string   // DATABASE_URL (empty = in-memory store)
	ListenAddr     string   // LISTEN_ADDR (default :8080)
	KafkaBrokers   []string // KAFKA_BROKERS (comma-separated; empty disables streaming)
	AuditTopic     string   // AUDIT_TOPIC (default audit-entries)
	ArchiveBucket  string   // ARCHIVE_BUCKET (empty disables S3 archiving)
	ArchivePrefix  string   // ARCHIVE_PREFIX
	JWTSecret      string   // JWT_SECRET (empty = auth disabled, dev only)
	DevMode        bool     // DEV_MODE
	DefaultAgentID string   // DEFAULT_AGENT_ID (default ops-agent)
}

// LoadFromEnv reads config values from environment variables and returns a Config pointer.
func LoadFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ListenAddr:     os.Getenv("LISTEN_ADDR"),
		AuditTopic:     os.Getenv("AUDIT_TOPIC"),
		ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:  os.Getenv("ARCHIVE_PREFIX"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		DefaultAgentID: os.Getenv("DEFAULT_AGENT_ID"),
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	// sensible defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.AuditTopic == "" {
		cfg.AuditTopic = "audit-entries"
	}
	if cfg.DefaultAgentID == "" {
		cfg.DefaultAgentID = "ops-agent"
	}

	// booleans parsed permissively; default false
	if v := os.Getenv("DEV_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevMode = b
		}
	}

	return cfg
}
