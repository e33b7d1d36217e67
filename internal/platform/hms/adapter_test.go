package hms

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBackend fakes the HMS OAuth and push endpoints on one server.
func newTestBackend(t *testing.T, respond func(w http.ResponseWriter, body map[string]any)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var tokenCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/v3/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("POST /v1/project-1/messages:send", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		respond(w, body)
	})
	return httptest.NewServer(mux), &tokenCalls
}

func newTestAdapter(server *httptest.Server) *Adapter {
	return NewAdapter(Config{
		ProjectID:    "project-1",
		ClientID:     "client-1",
		ClientSecret: "secret",
		TokenURL:     server.URL + "/oauth2/v3/token",
		SendBaseURL:  server.URL + "/v1",
		Timeout:      2 * time.Second,
	}, newTestLogger())
}

func TestSend_Classification(t *testing.T) {
	ctx := context.Background()
	device := &push.DeviceRegistration{PushToken: "hms-token", Platform: push.PlatformHMS}
	body := push.MessageBody{Title: "Hello", Body: "World"}

	t.Run("Vendor success code is OK", func(t *testing.T) {
		server, tokenCalls := newTestBackend(t, func(w http.ResponseWriter, req map[string]any) {
			message := req["message"].(map[string]any)
			tokens := message["token"].([]any)
			assert.Equal(t, []any{"hms-token"}, tokens)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "80000000", "msg": "Success"})
		})
		defer server.Close()

		adapter := newTestAdapter(server)
		outcome, err := adapter.Send(ctx, device, body, push.Attributes{})
		require.NoError(t, err)
		assert.Equal(t, push.OutcomeOK, outcome)
		assert.Equal(t, int64(1), tokenCalls.Load())
	})

	t.Run("Invalid token code is permanent", func(t *testing.T) {
		server, _ := newTestBackend(t, func(w http.ResponseWriter, _ map[string]any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "80300007", "msg": "All tokens invalid"})
		})
		defer server.Close()

		adapter := newTestAdapter(server)
		outcome, err := adapter.Send(ctx, device, body, push.Attributes{})
		require.Error(t, err)
		assert.Equal(t, push.OutcomeFailedPermanent, outcome)
	})

	t.Run("Any other vendor code is transient", func(t *testing.T) {
		server, _ := newTestBackend(t, func(w http.ResponseWriter, _ map[string]any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "80100001", "msg": "Some tokens failed"})
		})
		defer server.Close()

		adapter := newTestAdapter(server)
		outcome, err := adapter.Send(ctx, device, body, push.Attributes{})
		require.Error(t, err)
		assert.Equal(t, push.OutcomeFailedTransient, outcome)
	})

	t.Run("OAuth token is reused across sends", func(t *testing.T) {
		server, tokenCalls := newTestBackend(t, func(w http.ResponseWriter, _ map[string]any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "80000000", "msg": "Success"})
		})
		defer server.Close()

		adapter := newTestAdapter(server)
		for i := 0; i < 3; i++ {
			outcome, err := adapter.Send(ctx, device, body, push.Attributes{})
			require.NoError(t, err)
			assert.Equal(t, push.OutcomeOK, outcome)
		}
		assert.Equal(t, int64(1), tokenCalls.Load(), "token endpoint is hit once until expiry")
	})

	t.Run("Unreachable endpoint is transient", func(t *testing.T) {
		server, _ := newTestBackend(t, func(w http.ResponseWriter, _ map[string]any) {})
		server.Close() // already down

		adapter := newTestAdapter(server)
		outcome, err := adapter.Send(ctx, device, body, push.Attributes{})
		require.Error(t, err)
		assert.Equal(t, push.OutcomeFailedTransient, outcome)
	})
}

func TestBuildMessage(t *testing.T) {
	adapter := NewAdapter(Config{ProjectID: "project-1"}, newTestLogger())

	t.Run("Notification with badge and tag", func(t *testing.T) {
		badge := 2
		body := push.MessageBody{
			Title:       "Hi",
			Body:        "There",
			Badge:       &badge,
			CollapseKey: "chat",
			Extras:      map[string]any{"k": "v", "skip": nil},
		}
		msg := adapter.buildMessage("tok", body, push.Attributes{})
		require.NotNil(t, msg.Android.Notification)
		assert.Equal(t, "Hi", msg.Android.Notification.Title)
		assert.Equal(t, "chat", msg.Android.Notification.Tag)
		require.NotNil(t, msg.Android.Notification.Badge)
		assert.Equal(t, 2, msg.Android.Notification.Badge.SetNum)
		assert.JSONEq(t, `{"k":"v"}`, msg.Data)
	})

	t.Run("Silent message carries data only", func(t *testing.T) {
		body := push.MessageBody{Title: "Hi", Extras: map[string]any{"k": "v"}}
		msg := adapter.buildMessage("tok", body, push.Attributes{Silent: true})
		assert.Nil(t, msg.Android.Notification)
		assert.JSONEq(t, `{"k":"v"}`, msg.Data)
	})
}
