package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opsloop/controlplane/internal/canonical"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
)

// Producer is the small subset of kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// How many entries to claim per batch.
	BatchSize int

	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed entries.
	MaxConcurrency int
}

// Streamer implements a durable DB-first audit pipeline:
//   - claims pending audit_log entries (stream_status -> in_progress)
//   - for each entry: produces a canonical envelope to Kafka and archives
//     canonical JSON to object storage
//   - marks the entry streamed/failed so the store is the source of truth
//     for retries.
type Streamer struct {
	store    store.Store
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer. Zero cfg fields get sensible defaults.
func NewStreamer(st store.Store, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		store:    st,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run starts the streamer loop and blocks until ctx is cancelled. Safe to run
// in a goroutine for non-blocking behavior.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.store.FetchPendingAuditEntries(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		if len(entries) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for i := range entries {
			entry := entries[i]
			sem <- struct{}{}
			s.wg.Add(1)
			go func() {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, &entry); err != nil {
					// processEntry already records the DB result; just log.
					log.Printf("[audit.streamer] process entry %s error: %v", entry.ID, err)
				}
			}()
		}

		// Drain the batch before claiming more, keeping per-batch ordering.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEntry performs the produce -> archive sequence for one entry and
// records the result via MarkAuditStreamResult.
func (s *Streamer) processEntry(parentCtx context.Context, entry *models.AuditEntry) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.MarshalCanonical(Envelope(entry))
	if err != nil {
		_ = s.store.MarkAuditStreamResult(parentCtx, entry.ID, nil, false, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(entry.ID.String()), canonBytes)
	if err != nil {
		_ = s.store.MarkAuditStreamResult(parentCtx, entry.ID, nil, false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archivedKey *string
	if s.archiver != nil {
		key, err := s.archiver.ArchiveEntry(ctx, entry)
		if err != nil {
			_ = s.store.MarkAuditStreamResult(parentCtx, entry.ID, nil, false, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
		archivedKey = &key
	}

	if err := s.store.MarkAuditStreamResult(parentCtx, entry.ID, archivedKey, true, ""); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}

	log.Printf("[audit.streamer] entry %s streamed: produced_at=%s", entry.ID, producedAt.Format(time.RFC3339Nano))
	return nil
}
