package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
	"golang.org/x/net/http2"
	"google.golang.org/api/option"

	"github.com/wultra/powerauth-push-server-sub001/internal/platform/apns"
	"github.com/wultra/powerauth-push-server-sub001/internal/platform/fcm"
	"github.com/wultra/powerauth-push-server-sub001/internal/platform/hms"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// FactoryConfig carries the provider knobs shared by all apps.
type FactoryConfig struct {
	// APNSTimeout bounds one APNs request.
	APNSTimeout time.Duration
	// APNSKeepAlivePing sustains the long-lived HTTP/2 connections by
	// pinging idle ones.
	APNSKeepAlivePing time.Duration
	FCM               fcm.Config
	HMSTokenURL       string
	HMSSendBaseURL    string
	HMSTimeout        time.Duration
	HMSValidateOnly   bool
}

// ClientFactory builds real provider clients from stored credentials.
type ClientFactory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

// NewClientFactory creates the default factory.
func NewClientFactory(cfg FactoryConfig, logger *slog.Logger) *ClientFactory {
	if cfg.APNSTimeout <= 0 {
		cfg.APNSTimeout = apns2.HTTPClientTimeout
	}
	if cfg.APNSKeepAlivePing <= 0 {
		cfg.APNSKeepAlivePing = 30 * time.Second
	}
	return &ClientFactory{cfg: cfg, logger: logger}
}

// Build constructs the adapter set for one app. Malformed keys or an
// unreachable token endpoint surface as construction errors; the cache
// wraps them as CacheInitError.
func (f *ClientFactory) Build(ctx context.Context, creds *push.AppCredentials) (*AdapterSet, error) {
	adapters := make(map[push.Platform]push.ProviderAdapter, 3)

	if creds.APNS != nil {
		adapter, err := f.buildAPNS(creds.APNS)
		if err != nil {
			return nil, fmt.Errorf("apns client for app %s: %w", creds.AppID, err)
		}
		adapters[push.PlatformAPNS] = adapter
	}
	if creds.FCM != nil {
		adapter, err := f.buildFCM(ctx, creds.FCM)
		if err != nil {
			return nil, fmt.Errorf("fcm client for app %s: %w", creds.AppID, err)
		}
		adapters[push.PlatformFCM] = adapter
	}
	if creds.HMS != nil {
		adapters[push.PlatformHMS] = hms.NewAdapter(hms.Config{
			ProjectID:    creds.HMS.ProjectID,
			ClientID:     creds.HMS.ClientID,
			ClientSecret: creds.HMS.ClientSecret,
			TokenURL:     f.cfg.HMSTokenURL,
			SendBaseURL:  f.cfg.HMSSendBaseURL,
			Timeout:      f.cfg.HMSTimeout,
			ValidateOnly: f.cfg.HMSValidateOnly,
		}, f.logger)
	}

	return NewAdapterSet(adapters), nil
}

func (f *ClientFactory) buildAPNS(creds *push.APNSCredentials) (push.ProviderAdapter, error) {
	authKey, err := token.AuthKeyFromBytes(creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing P8 key: %w", err)
	}
	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   creds.KeyID,
		TeamID:  creds.TeamID,
	}
	development := f.tuneAPNS(apns2.NewTokenClient(tokenSource).Development())
	production := f.tuneAPNS(apns2.NewTokenClient(tokenSource).Production())
	return apns.NewAdapter(development, production, creds.Environment, creds.BundleID, f.logger), nil
}

// tuneAPNS applies the request timeout and an idle keep-alive ping so
// the multiplexed connections survive provider-side idling.
func (f *ClientFactory) tuneAPNS(client *apns2.Client) *apns2.Client {
	client.HTTPClient.Timeout = f.cfg.APNSTimeout
	if transport, ok := client.HTTPClient.Transport.(*http2.Transport); ok {
		transport.ReadIdleTimeout = f.cfg.APNSKeepAlivePing
		transport.PingTimeout = f.cfg.APNSTimeout
	}
	return client
}

func (f *ClientFactory) buildFCM(ctx context.Context, creds *push.FCMCredentials) (push.ProviderAdapter, error) {
	app, err := firebase.NewApp(ctx,
		&firebase.Config{ProjectID: creds.ProjectID},
		option.WithCredentialsJSON(creds.PrivateKey),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating messaging client: %w", err)
	}
	return fcm.NewAdapter(client, f.cfg.FCM, f.logger), nil
}
