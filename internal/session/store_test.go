package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sparchat/internal/db"
	"go-sparchat/pkg/logger"
)

func TestStore_SetCredentialPersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	store := NewStore(storage, logger.NewNop())

	var events []AuthEvent
	unsubscribe := store.Subscribe(func(ev AuthEvent) { events = append(events, ev) })
	defer unsubscribe()

	access := mintToken(t, jwt.MapClaims{"id": "u1", "username": "rocky"})
	require.NoError(t, store.SetCredential(ctx, access, "refresh-1"))

	assert.Equal(t, access, store.AccessToken())
	assert.Equal(t, "refresh-1", store.RefreshToken())
	assert.True(t, store.Authenticated())
	require.NotNil(t, store.Identity())
	assert.Equal(t, "rocky", store.Identity().DisplayName)

	stored, _ := storage.Get(ctx, KeyAccessToken)
	assert.Equal(t, access, stored)
	profile, _ := storage.Get(ctx, KeyCachedProfile)
	assert.Contains(t, profile, "rocky")

	rotated := mintToken(t, jwt.MapClaims{"id": "u1", "username": "rocky", "n": 2})
	require.NoError(t, store.SetCredential(ctx, rotated, "refresh-1"))

	require.Len(t, events, 2)
	assert.Equal(t, AuthEvent{Authenticated: true}, events[0])
	assert.Equal(t, AuthEvent{Authenticated: true, TokenRotated: true}, events[1])
}

func TestStore_MalformedTokenTerminates(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryStorage(), logger.NewNop())

	good := mintToken(t, jwt.MapClaims{"id": "u1"})
	require.NoError(t, store.SetCredential(ctx, good, "r"))

	var last AuthEvent
	store.Subscribe(func(ev AuthEvent) { last = ev })

	err := store.SetCredential(ctx, "not-a-jwt", "r")
	require.ErrorIs(t, err, ErrDecode)
	assert.False(t, store.Authenticated())
	assert.Nil(t, store.Identity())
	assert.Empty(t, store.AccessToken())
	assert.False(t, last.Authenticated)
	assert.NotEmpty(t, last.Reason)
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	store := NewStore(storage, logger.NewNop())

	calls := 0
	store.Subscribe(func(AuthEvent) { calls++ })

	require.NoError(t, store.SetCredential(ctx, mintToken(t, jwt.MapClaims{"id": "u1"}), "r"))
	store.Terminate(ctx, "logout")
	store.Terminate(ctx, "logout")
	require.NoError(t, store.ClearCredential(ctx))

	assert.Equal(t, 2, calls)
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyCachedProfile} {
		v, err := storage.Get(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, v, key)
	}
	assert.Nil(t, store.CachedProfile())
}

func TestStore_UnsubscribeTwice(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryStorage(), logger.NewNop())

	calls := 0
	unsubscribe := store.Subscribe(func(AuthEvent) { calls++ })
	unsubscribe()
	unsubscribe()

	require.NoError(t, store.SetCredential(ctx, mintToken(t, jwt.MapClaims{"id": "u1"}), "r"))
	assert.Zero(t, calls)
}

func TestStore_LoadRestoresFromSQLite(t *testing.T) {
	ctx := context.Background()
	database, err := db.NewDatabase(db.DriverSQLite, filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	defer database.Close()

	storage, err := NewSQLStorage(ctx, database, "player-1")
	require.NoError(t, err)

	first := NewStore(storage, logger.NewNop())
	access := mintToken(t, jwt.MapClaims{"id": "u7", "name": "Mo"})
	require.NoError(t, first.SetCredential(ctx, access, "refresh-7"))

	// A second store over the same storage behaves like a page reload.
	second := NewStore(storage, logger.NewNop())
	authenticated := false
	second.Subscribe(func(ev AuthEvent) { authenticated = ev.Authenticated })
	require.NoError(t, second.Load(ctx))

	assert.True(t, authenticated)
	assert.Equal(t, access, second.AccessToken())
	assert.Equal(t, "refresh-7", second.RefreshToken())
	assert.Equal(t, &Identity{ID: "u7", DisplayName: "Mo"}, second.Identity())
}

func TestStore_LoadWithMalformedStoredToken(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	require.NoError(t, storage.SetMany(ctx, map[string]string{
		KeyAccessToken:   "garbage",
		KeyRefreshToken:  "r",
		KeyCachedProfile: `{"id":"u1","display_name":"Old"}`,
	}))

	store := NewStore(storage, logger.NewNop())
	err := store.Load(ctx)
	require.ErrorIs(t, err, ErrDecode)
	assert.False(t, store.Authenticated())

	v, _ := storage.Get(ctx, KeyAccessToken)
	assert.Empty(t, v)
}

func TestStore_CachedProfileBeforeDecode(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	require.NoError(t, storage.SetMany(ctx, map[string]string{
		KeyCachedProfile: `{"id":"u1","display_name":"Cached"}`,
	}))

	store := NewStore(storage, logger.NewNop())
	require.NoError(t, store.Load(ctx))

	assert.False(t, store.Authenticated())
	require.NotNil(t, store.CachedProfile())
	assert.Equal(t, "Cached", store.CachedProfile().DisplayName)
}
