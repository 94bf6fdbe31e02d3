package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/controlplane/internal/models"
	"github.com/opsloop/controlplane/internal/store"
)

type fakeProducer struct {
	mu       sync.Mutex
	produced [][]byte
	err      error
}

func (p *fakeProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return time.Time{}, p.err
	}
	p.produced = append(p.produced, append([]byte(nil), value...))
	return time.Now(), nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (a *fakeArchiver) ArchiveEntry(ctx context.Context, entry *models.AuditEntry) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	key := "audit/" + entry.ID.String() + ".json"
	a.keys = append(a.keys, key)
	return key, nil
}

func TestStreamerProcessEntrySuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := NewRecorder(st)

	entry, err := rec.Append(ctx, Entry{
		EntityType: "action",
		EntityID:   "a-1",
		Action:     "payments.charge",
		ActorID:    "agent-1",
	})
	require.NoError(t, err)

	producer := &fakeProducer{}
	archiver := &fakeArchiver{}
	s := NewStreamer(st, producer, archiver, StreamerConfig{})

	claimed, err := st.FetchPendingAuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.processEntry(ctx, &claimed[0]))
	assert.Len(t, producer.produced, 1)
	assert.Len(t, archiver.keys, 1)

	entries, err := st.ListAuditEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StreamStatusStreamed, entries[0].StreamStatus)
	require.NotNil(t, entries[0].ArchivedKey)
	assert.Contains(t, *entries[0].ArchivedKey, entry.ID.String())
}

func TestStreamerRecordsProduceFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := NewRecorder(st)

	_, err := rec.Append(ctx, Entry{EntityType: "action", EntityID: "a-1", Action: "ledger.post", ActorID: "agent-1"})
	require.NoError(t, err)

	producer := &fakeProducer{err: errors.New("broker down")}
	s := NewStreamer(st, producer, &fakeArchiver{}, StreamerConfig{})

	claimed, err := st.FetchPendingAuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = s.processEntry(ctx, &claimed[0])
	require.Error(t, err)

	entries, err := st.ListAuditEntries(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatusFailed, entries[0].StreamStatus)
	assert.Nil(t, entries[0].ArchivedKey)
}

func TestStreamerRunDrainsPendingEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemoryStore()
	rec := NewRecorder(st)

	for i := 0; i < 3; i++ {
		_, err := rec.Append(ctx, Entry{EntityType: "action", EntityID: "a", Action: "payments.charge", ActorID: "agent-1"})
		require.NoError(t, err)
	}

	producer := &fakeProducer{}
	s := NewStreamer(st, producer, &fakeArchiver{}, StreamerConfig{
		BatchSize:      2,
		PollInterval:   5 * time.Millisecond,
		MaxConcurrency: 2,
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		entries, err := st.ListAuditEntries(context.Background(), 0)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.StreamStatus != models.StreamStatusStreamed {
				return false
			}
		}
		return len(entries) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, producer.produced, 3)
}
