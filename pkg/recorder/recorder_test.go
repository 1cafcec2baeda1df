package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/miel/pkg/storage"
	"github.com/cuemby/miel/pkg/types"
)

func testMeta(id string) types.SessionMeta {
	return types.SessionMeta{
		SessionID: id,
		Service:   "fake-ssh",
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
		EndCause:  types.EndCausePeerClose,
	}
}

func TestRecorderWritesDirectlyWhenStoreHealthy(t *testing.T) {
	store, err := storage.OpenSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	spool, err := storage.OpenSpool(t.TempDir(), 0)
	require.NoError(t, err)
	defer spool.Close()

	rec := New(store, spool)
	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)

	chunks := []types.Chunk{{TimestampNS: 1, Direction: types.DirectionIn, Data: []byte("hi")}}
	rec.Seal(testMeta("01REC1"), chunks, false)

	require.Eventually(t, func() bool {
		sessions, err := store.ListSessions(context.Background(), "", 0)
		return err == nil && len(sessions) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	rec.Wait()
}

func TestRecorderStoresSynchronouslyOnSealBufferOverflow(t *testing.T) {
	store, err := storage.OpenSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	spool, err := storage.OpenSpool(t.TempDir(), 0)
	require.NoError(t, err)
	defer spool.Close()

	rec := New(store, spool)
	// No Run() goroutine consuming sealCh: every Seal beyond the buffer
	// falls through to the synchronous path, which still must succeed.
	for i := 0; i < 100; i++ {
		rec.Seal(testMeta("01OVERFLOW"+string(rune('A'+i%26))), nil, false)
	}

	sessions, err := store.ListSessions(context.Background(), "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, sessions)
}
