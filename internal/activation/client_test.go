package activation_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wultra/powerauth-push-server-sub001/internal/activation"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

func TestNewClient(t *testing.T) {
	t.Run("Rejects empty url", func(t *testing.T) {
		_, err := activation.NewClient("", time.Second)
		assert.Error(t, err)
	})

	t.Run("Rejects url without scheme", func(t *testing.T) {
		_, err := activation.NewClient("powerauth:8080", time.Second)
		assert.Error(t, err)
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("Decodes the reported status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/activation/act-1/status", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"activationId":"act-1","activationStatus":"ACTIVE"}`)
		}))
		defer server.Close()

		client, err := activation.NewClient(server.URL, time.Second)
		require.NoError(t, err)

		status, err := client.Status(ctx, "act-1")
		require.NoError(t, err)
		assert.Equal(t, push.ActivationStatusActive, status)
	})

	t.Run("Non-OK response fails", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client, err := activation.NewClient(server.URL, time.Second)
		require.NoError(t, err)

		_, err = client.Status(ctx, "ghost")
		assert.Error(t, err)
	})

	t.Run("Unreachable server fails", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		server.Close()

		client, err := activation.NewClient(server.URL, time.Second)
		require.NoError(t, err)

		_, err = client.Status(ctx, "act-1")
		assert.Error(t, err)
	})
}
