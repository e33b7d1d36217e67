package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/internal/storage/bolt"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

func newTestStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.New(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func registration(id, appID, activationID, token string) *push.DeviceRegistration {
	return &push.DeviceRegistration{
		ID:           id,
		AppID:        appID,
		ActivationID: activationID,
		Platform:     push.PlatformFCM,
		PushToken:    token,
		Active:       true,
	}
}

func TestDeviceRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("Save and find round-trips", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(ctx, registration("dev-1", "app-1", "act-1", "tok-1")))

		found, err := store.FindByActivationAndToken(ctx, "act-1", "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "dev-1", found.ID)

		_, err = store.FindByActivationAndToken(ctx, "act-1", "tok-missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Uniqueness constraint rejects a second holder", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(ctx, registration("dev-1", "app-1", "act-1", "tok-1")))

		err := store.Save(ctx, registration("dev-2", "app-1", "act-1", "tok-1"))
		assert.ErrorIs(t, err, storage.ErrConflict)

		// The holder itself may rewrite its row.
		updated := registration("dev-1", "app-1", "act-1", "tok-1")
		updated.Active = false
		assert.NoError(t, store.Save(ctx, updated))
	})

	t.Run("Moving a row releases its old index entry", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(ctx, registration("dev-1", "app-1", "act-old", "tok-1")))

		moved := registration("dev-1", "app-1", "act-new", "tok-1")
		require.NoError(t, store.Save(ctx, moved))

		// The vacated slot is takeable again.
		assert.NoError(t, store.Save(ctx, registration("dev-2", "app-1", "act-old", "tok-1")))
	})

	t.Run("Delete releases the index entry", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(ctx, registration("dev-1", "app-1", "act-1", "tok-1")))
		require.NoError(t, store.Delete(ctx, "dev-1"))

		assert.ErrorIs(t, store.Delete(ctx, "dev-1"), storage.ErrNotFound)
		assert.NoError(t, store.Save(ctx, registration("dev-2", "app-1", "act-1", "tok-1")))
	})

	t.Run("DeleteAllByAppAndToken scopes to the token", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(ctx, registration("dev-1", "app-1", "act-1", "tok-1")))
		require.NoError(t, store.Save(ctx, registration("dev-2", "app-1", "act-2", "tok-1")))
		require.NoError(t, store.Save(ctx, registration("dev-3", "app-1", "act-3", "tok-other")))

		require.NoError(t, store.DeleteAllByAppAndToken(ctx, "app-1", "tok-1"))

		gone, err := store.FindAllByAppAndToken(ctx, "app-1", "tok-1")
		require.NoError(t, err)
		assert.Empty(t, gone)
		kept, err := store.FindAllByAppAndToken(ctx, "app-1", "tok-other")
		require.NoError(t, err)
		assert.Len(t, kept, 1)
	})

	t.Run("FindActiveByAppAndUser skips inactive rows", func(t *testing.T) {
		store := newTestStore(t)
		active := registration("dev-1", "app-1", "act-1", "tok-1")
		active.UserID = "user-1"
		require.NoError(t, store.Save(ctx, active))
		inactive := registration("dev-2", "app-1", "act-2", "tok-2")
		inactive.UserID = "user-1"
		inactive.Active = false
		require.NoError(t, store.Save(ctx, inactive))

		found, err := store.FindActiveByAppAndUser(ctx, "app-1", "user-1")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "dev-1", found[0].ID)
	})
}

func TestCredentialRepository(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.FindByAppID(ctx, "app-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.PutCredentials(ctx, &push.AppCredentials{
		AppID: "app-1",
		FCM:   &push.FCMCredentials{ProjectID: "project-1"},
	}))

	creds, err := store.FindByAppID(ctx, "app-1")
	require.NoError(t, err)
	require.NotNil(t, creds.FCM)
	assert.Equal(t, "project-1", creds.FCM.ProjectID)
	assert.Nil(t, creds.APNS)
}

func TestCampaignStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveCampaign(ctx, &push.Campaign{ID: "camp-1", AppID: "app-1", Message: `{"title":"t"}`}))
	require.NoError(t, store.AddCampaignUser(ctx, "camp-1", "user-1"))
	require.NoError(t, store.AddCampaignUser(ctx, "camp-1", "user-2"))
	require.NoError(t, store.AddCampaignUser(ctx, "camp-1", "user-1"))

	reg := registration("dev-1", "app-1", "act-1", "tok-1")
	reg.UserID = "user-1"
	require.NoError(t, store.Save(ctx, reg))
	other := registration("dev-2", "app-2", "act-2", "tok-2")
	other.UserID = "user-1"
	require.NoError(t, store.Save(ctx, other))

	t.Run("FetchPage joins enrolled users against app devices", func(t *testing.T) {
		page, err := store.FetchPage(ctx, "camp-1", 0, 100)
		require.NoError(t, err)
		require.Len(t, page, 1, "devices of other apps and unenrolled users stay out")
		assert.Equal(t, "user-1", page[0].UserID)
		assert.Equal(t, "act-1", page[0].ActivationID)
	})

	t.Run("Offset past the join is empty", func(t *testing.T) {
		page, err := store.FetchPage(ctx, "camp-1", 10, 100)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("Unknown campaign fails", func(t *testing.T) {
		_, err := store.FetchPage(ctx, "ghost", 0, 100)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
