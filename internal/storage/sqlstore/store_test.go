package sqlstore_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-device-registry/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

func newTestStore(t *testing.T, uniqueTokens bool) *sqlstore.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver:               sqlstore.DriverSQLite,
		DSN:                  ":memory:",
		UniqueRegistrationID: uniqueTokens,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	return sqlstore.NewStore(db, logger)
}

func addDevice(t *testing.T, store *sqlstore.Store, d dispatch.Device) dispatch.Device {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &d))
	return d
}

func boolPtr(b bool) *bool { return &b }

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)

	d := addDevice(t, store, dispatch.Device{
		RegistrationID: "token-1",
		Type:           dispatch.DeviceTypeAndroid,
		Name:           "pixel",
		UserID:         "urn:contacts:user:alice",
		Active:         true,
		Extra:          map[string]string{"app_version": "1.2.0"},
	})

	require.NotEqual(t, uuid.Nil, d.ID)
	assert.Equal(t, uuid.Version(7), d.ID.Version())
	assert.False(t, d.DateCreated.IsZero())

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "token-1", got.RegistrationID)
	assert.Equal(t, dispatch.DeviceTypeAndroid, got.Type)
	assert.Equal(t, "pixel", got.Name)
	assert.Equal(t, "urn:contacts:user:alice", got.UserID)
	assert.Empty(t, got.DeviceID)
	assert.True(t, got.Active)
	assert.Equal(t, map[string]string{"app_version": "1.2.0"}, got.Extra)
	assert.WithinDuration(t, d.DateCreated, got.DateCreated, time.Second)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, dispatch.ErrDeviceNotFound)
}

func TestStore_InactiveCreateIsPersisted(t *testing.T) {
	store := newTestStore(t, false)
	d := addDevice(t, store, dispatch.Device{RegistrationID: "t", Type: dispatch.DeviceTypeWeb, Active: false})

	got, err := store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)
	d := addDevice(t, store, dispatch.Device{RegistrationID: "old", Type: dispatch.DeviceTypeIOS, UserID: "u1", Active: true})

	d.RegistrationID = "new"
	d.Active = false
	d.UserID = ""
	require.NoError(t, store.Update(ctx, &d))

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.RegistrationID)
	assert.False(t, got.Active)
	assert.Empty(t, got.UserID)

	missing := dispatch.Device{ID: uuid.New(), RegistrationID: "x", Type: dispatch.DeviceTypeIOS}
	assert.ErrorIs(t, store.Update(ctx, &missing), dispatch.ErrDeviceNotFound)
}

func TestStore_ListAndFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)

	a := addDevice(t, store, dispatch.Device{RegistrationID: "a", Type: dispatch.DeviceTypeAndroid, UserID: "u1", Active: true})
	b := addDevice(t, store, dispatch.Device{RegistrationID: "b", Type: dispatch.DeviceTypeIOS, UserID: "u1", Active: false})
	c := addDevice(t, store, dispatch.Device{RegistrationID: "c", Type: dispatch.DeviceTypeWeb, UserID: "u2", Active: true})

	t.Run("Empty filter returns all in creation order", func(t *testing.T) {
		devices, err := store.List(ctx, dispatch.DeviceFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, dispatch.Tokens(devices))
	})

	t.Run("Active only", func(t *testing.T) {
		tokens, err := store.ListTokens(ctx, dispatch.DeviceFilter{}.ActiveOnly())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, tokens)
	})

	t.Run("By user", func(t *testing.T) {
		tokens, err := store.ListTokens(ctx, dispatch.DeviceFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, tokens)
	})

	t.Run("By type", func(t *testing.T) {
		tokens, err := store.ListTokens(ctx, dispatch.DeviceFilter{Types: []dispatch.DeviceType{dispatch.DeviceTypeIOS, dispatch.DeviceTypeWeb}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, tokens)
	})

	t.Run("By ids and exclusions", func(t *testing.T) {
		tokens, err := store.ListTokens(ctx, dispatch.DeviceFilter{
			IDs:        []uuid.UUID{a.ID, b.ID, c.ID},
			ExcludeIDs: []uuid.UUID{b.ID},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, tokens)
	})

	t.Run("No match is an empty list", func(t *testing.T) {
		tokens, err := store.ListTokens(ctx, dispatch.DeviceFilter{UserID: "nobody"})
		require.NoError(t, err)
		assert.NotNil(t, tokens)
		assert.Empty(t, tokens)
	})
}

func TestStore_SetActive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)
	keep := addDevice(t, store, dispatch.Device{RegistrationID: "keep", Type: dispatch.DeviceTypeAndroid, UserID: "u1", Active: true})
	addDevice(t, store, dispatch.Device{RegistrationID: "sibling", Type: dispatch.DeviceTypeAndroid, UserID: "u1", Active: true})
	addDevice(t, store, dispatch.Device{RegistrationID: "other", Type: dispatch.DeviceTypeAndroid, UserID: "u2", Active: true})

	n, err := store.SetActive(ctx, dispatch.DeviceFilter{UserID: "u1", ExcludeIDs: []uuid.UUID{keep.ID}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	tokens, err := store.ListTokens(ctx, dispatch.DeviceFilter{Active: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep", "other"}, tokens)
}

func TestStore_DeactivateAndDeleteTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)
	addDevice(t, store, dispatch.Device{RegistrationID: "dup", Type: dispatch.DeviceTypeAndroid, UserID: "u1", Active: true})
	addDevice(t, store, dispatch.Device{RegistrationID: "dup", Type: dispatch.DeviceTypeAndroid, UserID: "u2", Active: true})
	addDevice(t, store, dispatch.Device{RegistrationID: "ok", Type: dispatch.DeviceTypeAndroid, Active: true})

	t.Run("Deactivate covers every record holding the token", func(t *testing.T) {
		n, err := store.Deactivate(ctx, []string{"dup", "unknown"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		tokens, err := store.ListTokens(ctx, dispatch.DeviceFilter{}.ActiveOnly())
		require.NoError(t, err)
		assert.Equal(t, []string{"ok"}, tokens)
	})

	t.Run("Deactivate is idempotent", func(t *testing.T) {
		n, err := store.Deactivate(ctx, []string{"dup"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("DeleteTokens", func(t *testing.T) {
		n, err := store.DeleteTokens(ctx, []string{"dup"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		devices, err := store.List(ctx, dispatch.DeviceFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"ok"}, dispatch.Tokens(devices))
	})
}

func TestStore_DeactivateChunksLargeInputs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)

	tokens := make([]string, 1200)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("token-%04d", i)
		addDevice(t, store, dispatch.Device{RegistrationID: tokens[i], Type: dispatch.DeviceTypeAndroid, Active: true})
	}

	n, err := store.Deactivate(ctx, tokens)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), n)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, false)
	d := addDevice(t, store, dispatch.Device{RegistrationID: "t", Type: dispatch.DeviceTypeIOS, UserID: "u1"})
	addDevice(t, store, dispatch.Device{RegistrationID: "t2", Type: dispatch.DeviceTypeIOS, UserID: "u1"})
	addDevice(t, store, dispatch.Device{RegistrationID: "t3", Type: dispatch.DeviceTypeIOS, UserID: "u2"})

	require.NoError(t, store.Delete(ctx, d.ID))
	assert.ErrorIs(t, store.Delete(ctx, d.ID), dispatch.ErrDeviceNotFound)

	n, err := store.DeleteForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.DeleteForUser(ctx, "")
	assert.ErrorIs(t, err, dispatch.ErrInvalidDevice)

	devices, err := store.List(ctx, dispatch.DeviceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, dispatch.Tokens(devices))
}

func TestStore_UniqueRegistrationID(t *testing.T) {
	ctx := context.Background()

	t.Run("Duplicates allowed by default", func(t *testing.T) {
		store := newTestStore(t, false)
		addDevice(t, store, dispatch.Device{RegistrationID: "same", Type: dispatch.DeviceTypeAndroid})
		d := dispatch.Device{RegistrationID: "same", Type: dispatch.DeviceTypeAndroid}
		assert.NoError(t, store.Create(ctx, &d))
	})

	t.Run("Unique index rejects duplicates", func(t *testing.T) {
		store := newTestStore(t, true)
		addDevice(t, store, dispatch.Device{RegistrationID: "same", Type: dispatch.DeviceTypeAndroid})
		d := dispatch.Device{RegistrationID: "same", Type: dispatch.DeviceTypeAndroid}
		err := store.Create(ctx, &d)
		assert.ErrorIs(t, err, dispatch.ErrDuplicateToken)
	})
}
