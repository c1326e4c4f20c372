package storeclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentAddressIsStable(t *testing.T) {
	data := []byte(`{"round":1,"scores":{"w1":0.9}}`)
	assert.Equal(t, ContentAddress(data), ContentAddress(data))
	assert.NotEqual(t, ContentAddress(data), ContentAddress([]byte("other")))
	assert.Len(t, ContentAddress(data), 64)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	address, err := store.PutContent(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, ContentAddress([]byte("payload")), address)

	data, err := store.GetContent(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = store.GetContent(ctx, "missing")
	assert.Error(t, err)
}

func TestMemoryStorePutIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.PutContent(ctx, []byte("same"))
	require.NoError(t, err)
	second, err := store.PutContent(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnnouncementsAreScopedByRound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Announce(ctx, 7, "validator-1", "addr-1"))
	require.NoError(t, store.Announce(ctx, 7, "validator-2", "addr-2"))
	require.NoError(t, store.Announce(ctx, 8, "validator-1", "addr-3"))

	board, err := store.Announcements(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"validator-1": "addr-1",
		"validator-2": "addr-2",
	}, board)

	// Re-announcing overwrites, it does not accumulate.
	require.NoError(t, store.Announce(ctx, 7, "validator-1", "addr-9"))
	board, err = store.Announcements(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "addr-9", board["validator-1"])

	empty, err := store.Announcements(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAnnounceKeySanitizesValidatorIds(t *testing.T) {
	assert.Equal(t, "round.3.validator-1", announceKey(3, "validator-1"))
	assert.Equal(t, "round.3.val_1_2", announceKey(3, "val.1 2"))
}
