// Package apns delivers messages over the Apple Push Notification
// service.
package apns

import (
	"context"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// Client defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type Client interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// Adapter sends one message per device over a persistent HTTP/2
// connection, selecting the development or production client from the
// device's stored environment.
type Adapter struct {
	development Client
	production  Client
	defaultEnv  push.Environment
	topic       string
	logger      *slog.Logger
}

// NewAdapter creates an APNs adapter from already-constructed clients.
// defaultEnv is the app-level fallback for devices registered without
// an environment.
func NewAdapter(development, production Client, defaultEnv push.Environment, topic string, logger *slog.Logger) *Adapter {
	if defaultEnv == "" {
		defaultEnv = push.EnvironmentProduction
	}
	return &Adapter{
		development: development,
		production:  production,
		defaultEnv:  defaultEnv,
		topic:       topic,
		logger:      logger.With("component", "APNSAdapter"),
	}
}

// Send pushes one message to one device and classifies the response.
// An unregistered or invalid token is a permanent failure; anything
// else, including transport errors, is transient.
func (a *Adapter) Send(ctx context.Context, device *push.DeviceRegistration, body push.MessageBody, attrs push.Attributes) (push.Outcome, error) {
	n := &apns2.Notification{
		DeviceToken: device.PushToken,
		Topic:       a.topic,
		Payload:     buildPayload(body, attrs),
		CollapseID:  body.CollapseKey,
		PushType:    apns2.PushTypeAlert,
		Priority:    apns2.PriorityHigh,
	}
	if attrs.Silent {
		n.PushType = apns2.PushTypeBackground
		n.Priority = apns2.PriorityLow
	}
	if body.ValidUntil != nil {
		n.Expiration = *body.ValidUntil
	}

	res, err := a.client(device.Environment).Push(n)
	if err != nil {
		a.logger.Error("APNs transport failed", "token", device.PushToken, "err", err)
		return push.OutcomeFailedTransient, err
	}
	if res.Sent() {
		return push.OutcomeOK, nil
	}
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		a.logger.Info("APNs reported dead token", "reason", res.Reason)
		return push.OutcomeFailedPermanent, reasonError(res.Reason)
	default:
		a.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		return push.OutcomeFailedTransient, reasonError(res.Reason)
	}
}

func (a *Adapter) client(env push.Environment) Client {
	if env == "" {
		env = a.defaultEnv
	}
	if env == push.EnvironmentDevelopment {
		return a.development
	}
	return a.production
}

// buildPayload maps the normalized body onto the aps dictionary.
// Extras entries become top-level custom keys alongside aps; entries
// with a nil value are dropped before serialization.
func buildPayload(body push.MessageBody, attrs push.Attributes) *payload.Payload {
	p := payload.NewPayload()

	if attrs.Silent {
		p.ContentAvailable()
	} else {
		if body.TitleLocKey != "" {
			p.AlertTitleLocKey(body.TitleLocKey)
			if len(body.TitleLocArgs) > 0 {
				p.AlertTitleLocArgs(body.TitleLocArgs)
			}
		} else if body.Title != "" {
			p.AlertTitle(body.Title)
		}
		if body.BodyLocKey != "" {
			p.AlertLocKey(body.BodyLocKey)
			if len(body.BodyLocArgs) > 0 {
				p.AlertLocArgs(body.BodyLocArgs)
			}
		} else if body.Body != "" {
			p.AlertBody(body.Body)
		}
		if body.Sound != "" {
			p.Sound(body.Sound)
		}
		if body.Badge != nil {
			p.Badge(*body.Badge)
		}
	}
	if body.Category != "" {
		p.Category(body.Category)
	}
	if body.CollapseKey != "" {
		p.ThreadID(body.CollapseKey)
	}
	for key, value := range body.Extras {
		if value == nil {
			continue
		}
		p.Custom(key, value)
	}
	return p
}

type apnsReasonError struct {
	reason string
}

func (e *apnsReasonError) Error() string {
	return "apns: " + e.reason
}

func reasonError(reason string) error {
	return &apnsReasonError{reason: reason}
}
