package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

func testStore(t *testing.T) *snapshotStore {
	t.Helper()
	return newSnapshotStore(filepath.Join(t.TempDir(), "ledger.snapshot"))
}

func TestSnapshotRoundtrip(t *testing.T) {
	store := testStore(t)

	written := snapshotData{
		Receipts: map[types.ReceiptID]*types.Receipt{
			"r-1": {
				ID:         "r-1",
				HLC:        "0000000001000-00000-test",
				Payload:    json.RawMessage(`{"total":100}`),
				Status:     types.StatusFailed,
				RetryCount: 7,
			},
		},
		DeadLetters: []types.DeadLetterEntry{
			{ReceiptID: "r-0", Reason: "max_retries_exceeded", Attempts: 20},
		},
		LastSeq: 42,
	}
	require.NoError(t, store.Write(written))

	loaded, err := store.Load()
	require.NoError(t, err)

	require.Contains(t, loaded.Receipts, types.ReceiptID("r-1"))
	assert.Equal(t, 7, loaded.Receipts["r-1"].RetryCount)
	assert.Equal(t, types.StatusFailed, loaded.Receipts["r-1"].Status)
	assert.Len(t, loaded.DeadLetters, 1)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	assert.Equal(t, snapshotSchemaVersion, loaded.SchemaVer)
}

func TestSnapshotLoadMissingFile(t *testing.T) {
	store := testStore(t)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Receipts)
	assert.Empty(t, loaded.Receipts)
	assert.Empty(t, loaded.DeadLetters)
}

func TestSnapshotLoadCorrupted(t *testing.T) {
	store := testStore(t)
	require.NoError(t, os.WriteFile(store.path, []byte("not json {{{"), 0o644))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestSnapshotLoadIncompatibleVersion(t *testing.T) {
	store := testStore(t)
	require.NoError(t, os.WriteFile(store.path, []byte(`{"schema_version":99,"receipts":{}}`), 0o644))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestSnapshotWriteLeavesNoTempFile(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Write(snapshotData{
		Receipts: map[types.ReceiptID]*types.Receipt{},
	}))

	_, err := os.Stat(store.path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

func TestSnapshotOverwriteKeepsLatest(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Write(snapshotData{
		Receipts: map[types.ReceiptID]*types.Receipt{"old": {ID: "old"}},
	}))
	require.NoError(t, store.Write(snapshotData{
		Receipts: map[types.ReceiptID]*types.Receipt{"new": {ID: "new"}},
	}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, loaded.Receipts, types.ReceiptID("old"))
	assert.Contains(t, loaded.Receipts, types.ReceiptID("new"))
}
