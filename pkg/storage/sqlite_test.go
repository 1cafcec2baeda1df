package storage

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/miel/pkg/types"
)

func newTestArtifact(id, service string) types.Artifact {
	now := time.Now()
	return types.Artifact{
		Meta: types.SessionMeta{
			SessionID:   id,
			RemoteIP:    net.ParseIP("203.0.113.5"),
			RemotePort:  44123,
			LocalPort:   2222,
			Service:     service,
			StartedAt:   now,
			EndedAt:     now.Add(time.Second),
			BytesIn:     10,
			BytesOut:    20,
			EndCause:    types.EndCausePeerClose,
			MachineID:   "miel-" + service + "-abc123",
			Template:    "/templates/" + service,
			ContainerOK: true,
		},
		Transcript: []byte("framed-transcript-bytes"),
		SealedAt:   now.Add(time.Second),
	}
}

func TestSQLiteStoreAppendAndList(t *testing.T) {
	store, err := OpenSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, newTestArtifact("01HZZZSESSION1", "fake-ssh")))
	require.NoError(t, store.Append(ctx, newTestArtifact("01HZZZSESSION2", "fake-ssh")))
	require.NoError(t, store.Append(ctx, newTestArtifact("01HZZZSESSION3", "fake-telnet")))

	all, err := store.ListSessions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ssh, err := store.ListSessions(ctx, "fake-ssh", 0)
	require.NoError(t, err)
	assert.Len(t, ssh, 2)

	limited, err := store.ListSessions(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStoreAppendIsIdempotent(t *testing.T) {
	store, err := OpenSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	artifact := newTestArtifact("01HZZZDUP", "fake-ssh")
	require.NoError(t, store.Append(ctx, artifact))
	require.NoError(t, store.Append(ctx, artifact)) // ON CONFLICT DO NOTHING

	sessions, err := store.ListSessions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
