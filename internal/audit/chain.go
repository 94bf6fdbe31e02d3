// package audit implements the tamper-evident hash chain appended to on every
// tool execution, plus the streaming/archival pipeline that ships entries out.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/controlplane/internal/canonical"
	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
)

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// Recorder appends hash-chained entries to the audit log. Each entry's hash
// covers the canonical JSON of its fields plus the previous entry's hash, so
// removing or altering any entry breaks the chain.
type Recorder struct {
	store store.Store

	// Serializes read-latest-hash + append so the chain stays linear within
	// this process. Cross-process linearity is the store's concern.
	mu sync.Mutex

	onAppend func()
}

func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// SetOnAppend installs a callback invoked after every successful append.
// Call before the recorder sees traffic.
func (r *Recorder) SetOnAppend(fn func()) {
	r.onAppend = fn
}

// Entry captures the caller-supplied fields of one audit record.
type Entry struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	Changes    json.RawMessage
}

// Append computes currentHash = SHA256(canonical(entityType, entityId, action,
// actorId, changes, ts, previousHash)) and persists the entry. The entry is
// marked pending for the streaming pipeline.
func (r *Recorder) Append(ctx context.Context, in Entry) (models.AuditEntry, error) {
	if len(in.Changes) == 0 {
		// Normalize so the hash recomputed from a store round-trip matches.
		in.Changes = json.RawMessage(`{}`)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.store.LatestAuditHash(ctx)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("fetch latest hash: %w", err)
	}

	ts := time.Now().UTC()
	hash, err := computeHash(in, ts, prev)
	if err != nil {
		return models.AuditEntry{}, err
	}

	entry := models.AuditEntry{
		ID:           uuid.New(),
		EntityType:   in.EntityType,
		EntityID:     in.EntityID,
		Action:       in.Action,
		ActorID:      in.ActorID,
		Changes:      in.Changes,
		PreviousHash: prev,
		CurrentHash:  hash,
		StreamStatus: models.StreamStatusPending,
		Ts:           ts,
	}
	if err := r.store.AppendAuditEntry(ctx, &entry); err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if r.onAppend != nil {
		r.onAppend()
	}
	return entry, nil
}

func computeHash(in Entry, ts time.Time, prevHash string) (string, error) {
	var changes interface{}
	if len(in.Changes) > 0 {
		if err := json.Unmarshal(in.Changes, &changes); err != nil {
			return "", fmt.Errorf("unmarshal changes: %w", err)
		}
	}
	envelope := map[string]interface{}{
		"entityType":   in.EntityType,
		"entityId":     in.EntityID,
		"action":       in.Action,
		"actorId":      in.ActorID,
		"changes":      changes,
		"ts":           ts.Format(time.RFC3339Nano),
		"previousHash": prevHash,
	}
	canon, err := canonical.MarshalCanonical(envelope)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	return HashHex(canon), nil
}

// VerifyChain walks the audit log in creation order and verifies that every
// entry's hash is correct and that each previousHash links to the entry before
// it. Returns nil on success or an error naming the first broken link.
func VerifyChain(ctx context.Context, st store.Store) error {
	entries, err := st.ListAuditEntries(ctx, 0)
	if err != nil {
		return fmt.Errorf("list audit entries: %w", err)
	}

	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("chain break at entry %d (%s): previousHash=%q want %q", i, e.ID, e.PreviousHash, prev)
		}
		computed, err := computeHash(Entry{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Action:     e.Action,
			ActorID:    e.ActorID,
			Changes:    e.Changes,
		}, e.Ts, e.PreviousHash)
		if err != nil {
			return fmt.Errorf("recompute hash for entry %s: %w", e.ID, err)
		}
		if computed != e.CurrentHash {
			return fmt.Errorf("hash mismatch at entry %d (%s): computed=%s stored=%s", i, e.ID, computed, e.CurrentHash)
		}
		prev = e.CurrentHash
	}
	return nil
}
