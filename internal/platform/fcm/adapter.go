// Package fcm delivers messages over Firebase Cloud Messaging.
package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// Client defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type Client interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, message *messaging.Message) (string, error)
}

// Adapter sends one message per device through the Firebase Admin SDK,
// which handles the service-account OAuth2 flow and refreshes the
// bearer token only when it expires.
type Adapter struct {
	client       Client
	dataOnly     bool
	validateOnly bool
	logger       *slog.Logger
}

// Config tunes payload construction.
type Config struct {
	// DataOnly forces data payloads instead of notification+data, so
	// the client application renders the notification itself.
	DataOnly bool
	// ValidateOnly asks FCM to validate without delivering.
	ValidateOnly bool
}

// NewAdapter wraps an already-constructed messaging client.
func NewAdapter(client Client, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:       client,
		dataOnly:     cfg.DataOnly,
		validateOnly: cfg.ValidateOnly,
		logger:       logger.With("component", "FCMAdapter"),
	}
}

// Send pushes one message to one device and classifies the outcome.
// UNREGISTERED tokens are permanent failures; every other provider
// error in the FCM taxonomy is transient.
func (a *Adapter) Send(ctx context.Context, device *push.DeviceRegistration, body push.MessageBody, attrs push.Attributes) (push.Outcome, error) {
	msg := a.buildMessage(device.PushToken, body, attrs)

	var err error
	if a.validateOnly {
		_, err = a.client.SendDryRun(ctx, msg)
	} else {
		_, err = a.client.Send(ctx, msg)
	}
	if err == nil {
		return push.OutcomeOK, nil
	}

	code := errorCode(err)
	if messaging.IsRegistrationTokenNotRegistered(err) {
		a.logger.Info("FCM reported dead token", "code", code)
		return push.OutcomeFailedPermanent, err
	}
	a.logger.Warn("FCM send failed", "code", code, "err", err)
	return push.OutcomeFailedTransient, err
}

func (a *Adapter) buildMessage(token string, body push.MessageBody, attrs push.Attributes) *messaging.Message {
	data := stringifyExtras(body.Extras)

	android := &messaging.AndroidConfig{
		CollapseKey: body.CollapseKey,
		Priority:    "high",
	}
	if body.ValidUntil != nil {
		ttl := time.Until(*body.ValidUntil)
		if ttl < 0 {
			ttl = 0
		}
		android.TTL = &ttl
	}

	if a.dataOnly || attrs.Silent {
		// Data-only delivery: the notification fields travel in the
		// data map and the client renders them.
		if data == nil {
			data = make(map[string]string)
		}
		putIfSet(data, "_title", body.Title)
		putIfSet(data, "_body", body.Body)
		putIfSet(data, "_icon", body.Icon)
		putIfSet(data, "_sound", body.Sound)
	} else {
		android.Notification = &messaging.AndroidNotification{
			Title:        body.Title,
			TitleLocKey:  body.TitleLocKey,
			TitleLocArgs: body.TitleLocArgs,
			Body:         body.Body,
			BodyLocKey:   body.BodyLocKey,
			BodyLocArgs:  body.BodyLocArgs,
			Icon:         body.Icon,
			Sound:        body.Sound,
			Tag:          body.CollapseKey,
		}
	}

	return &messaging.Message{
		Token:   token,
		Data:    data,
		Android: android,
	}
}

// stringifyExtras flattens the extras map into FCM's string-typed data
// payload. Nil values are dropped; non-string values are serialized as
// JSON.
func stringifyExtras(extras map[string]any) map[string]string {
	if len(extras) == 0 {
		return nil
	}
	out := make(map[string]string, len(extras))
	for key, value := range extras {
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				out[key] = fmt.Sprintf("%v", v)
				continue
			}
			out[key] = string(raw)
		}
	}
	return out
}

func putIfSet(data map[string]string, key, value string) {
	if value != "" {
		data[key] = value
	}
}

// errorCode maps an FCM error onto the fixed taxonomy, for logging.
func errorCode(err error) string {
	switch {
	case messaging.IsRegistrationTokenNotRegistered(err):
		return "UNREGISTERED"
	case messaging.IsInvalidArgument(err):
		return "INVALID_ARGUMENT"
	case messaging.IsQuotaExceeded(err):
		return "QUOTA_EXCEEDED"
	case messaging.IsSenderIDMismatch(err):
		return "SENDER_ID_MISMATCH"
	case messaging.IsThirdPartyAuthError(err):
		return "THIRD_PARTY_AUTH_ERROR"
	case messaging.IsUnavailable(err):
		return "UNAVAILABLE"
	case messaging.IsInternal(err):
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}
