// Package hms delivers messages over Huawei Mobile Services push.
//
// HMS has no supported Go SDK, so the adapter speaks the wire protocol
// directly: an OAuth2 client-credentials exchange against the account
// token endpoint, then a POST of {validate_only, message} to the
// project-scoped send URL.
package hms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

const (
	// DefaultTokenURL is the global HMS OAuth token endpoint.
	DefaultTokenURL = "https://oauth-login.cloud.huawei.com/oauth2/v3/token"
	// DefaultSendBaseURL is the push API root; the project id is
	// appended per app.
	DefaultSendBaseURL = "https://push-api.cloud.huawei.com/v1"

	// codeSuccess is the vendor success code.
	codeSuccess = "80000000"
	// codeInvalidTokens reports that all target tokens are invalid.
	codeInvalidTokens = "80300007"
)

// Config holds the per-app OAuth client material and endpoint roots.
// Endpoint roots are overridable for tests.
type Config struct {
	ProjectID    string
	ClientID     string
	ClientSecret string
	TokenURL     string
	SendBaseURL  string
	Timeout      time.Duration
	ValidateOnly bool
}

// Adapter sends one message per device to the HMS push API.
type Adapter struct {
	httpClient   *http.Client
	sendURL      string
	validateOnly bool
	logger       *slog.Logger
}

// NewAdapter builds the OAuth-wrapped HTTP client. The returned client
// fetches and refreshes the bearer token transparently via the
// client-credentials grant.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	sendBase := cfg.SendBaseURL
	if sendBase == "" {
		sendBase = DefaultSendBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	oauth := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}
	httpClient := oauth.Client(context.Background())
	httpClient.Timeout = timeout

	return &Adapter{
		httpClient:   httpClient,
		sendURL:      fmt.Sprintf("%s/%s/messages:send", sendBase, cfg.ProjectID),
		validateOnly: cfg.ValidateOnly,
		logger:       logger.With("component", "HMSAdapter"),
	}
}

// sendRequest is the HMS v1 envelope.
type sendRequest struct {
	ValidateOnly bool    `json:"validate_only"`
	Message      message `json:"message"`
}

type message struct {
	Data    string         `json:"data,omitempty"`
	Android *androidConfig `json:"android,omitempty"`
	Token   []string       `json:"token"`
}

type androidConfig struct {
	Urgency      string               `json:"urgency,omitempty"`
	TTL          string               `json:"ttl,omitempty"`
	Notification *androidNotification `json:"notification,omitempty"`
}

type androidNotification struct {
	Title        string        `json:"title,omitempty"`
	Body         string        `json:"body,omitempty"`
	Icon         string        `json:"icon,omitempty"`
	Sound        string        `json:"sound,omitempty"`
	DefaultSound bool          `json:"default_sound,omitempty"`
	Tag          string        `json:"tag,omitempty"`
	BodyLocKey   string        `json:"body_loc_key,omitempty"`
	BodyLocArgs  []string      `json:"body_loc_args,omitempty"`
	TitleLocKey  string        `json:"title_loc_key,omitempty"`
	TitleLocArgs []string      `json:"title_loc_args,omitempty"`
	Badge        *badgeControl `json:"badge,omitempty"`
	ClickAction  *clickAction  `json:"click_action,omitempty"`
}

type badgeControl struct {
	SetNum int    `json:"set_num"`
	Class  string `json:"class,omitempty"`
}

type clickAction struct {
	Type int `json:"type"`
}

type sendResponse struct {
	Code      string `json:"code"`
	Msg       string `json:"msg"`
	RequestID string `json:"requestId"`
}

// Send posts one message to the project-scoped send URL and classifies
// the vendor response code. Only token invalidity is permanent.
func (a *Adapter) Send(ctx context.Context, device *push.DeviceRegistration, body push.MessageBody, attrs push.Attributes) (push.Outcome, error) {
	req := sendRequest{
		ValidateOnly: a.validateOnly,
		Message:      a.buildMessage(device.PushToken, body, attrs),
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return push.OutcomeFailedTransient, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sendURL, bytes.NewReader(raw))
	if err != nil {
		return push.OutcomeFailedTransient, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		a.logger.Error("HMS transport failed", "token", device.PushToken, "err", err)
		return push.OutcomeFailedTransient, err
	}
	defer resp.Body.Close()

	var payload sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return push.OutcomeFailedTransient, fmt.Errorf("decoding hms response: %w", err)
	}

	switch payload.Code {
	case codeSuccess:
		return push.OutcomeOK, nil
	case codeInvalidTokens:
		a.logger.Info("HMS reported dead token", "code", payload.Code)
		return push.OutcomeFailedPermanent, vendorError(payload)
	default:
		a.logger.Warn("HMS send failed", "code", payload.Code, "msg", payload.Msg)
		return push.OutcomeFailedTransient, vendorError(payload)
	}
}

func (a *Adapter) buildMessage(token string, body push.MessageBody, attrs push.Attributes) message {
	msg := message{
		Token: []string{token},
	}
	android := &androidConfig{Urgency: "HIGH"}
	if body.ValidUntil != nil {
		ttl := time.Until(*body.ValidUntil)
		if ttl < 0 {
			ttl = 0
		}
		android.TTL = strconv.FormatInt(int64(ttl.Seconds()), 10) + "s"
	}

	if attrs.Silent {
		// Silent pushes carry the content as a data payload only.
		if raw := marshalExtras(body.Extras); raw != "" {
			msg.Data = raw
		}
		msg.Android = android
		return msg
	}

	notification := &androidNotification{
		Title:        body.Title,
		Body:         body.Body,
		Icon:         body.Icon,
		Tag:          body.CollapseKey,
		TitleLocKey:  body.TitleLocKey,
		TitleLocArgs: body.TitleLocArgs,
		BodyLocKey:   body.BodyLocKey,
		BodyLocArgs:  body.BodyLocArgs,
		ClickAction:  &clickAction{Type: 3},
	}
	if body.Sound != "" {
		notification.Sound = body.Sound
	} else {
		notification.DefaultSound = true
	}
	if body.Badge != nil {
		notification.Badge = &badgeControl{SetNum: *body.Badge}
	}
	android.Notification = notification
	msg.Android = android
	if raw := marshalExtras(body.Extras); raw != "" {
		msg.Data = raw
	}
	return msg
}

func marshalExtras(extras map[string]any) string {
	if len(extras) == 0 {
		return ""
	}
	cleaned := make(map[string]any, len(extras))
	for key, value := range extras {
		if value == nil {
			continue
		}
		cleaned[key] = value
	}
	if len(cleaned) == 0 {
		return ""
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return ""
	}
	return string(raw)
}

type hmsVendorError struct {
	code string
	msg  string
}

func (e *hmsVendorError) Error() string {
	return fmt.Sprintf("hms: code %s: %s", e.code, e.msg)
}

func vendorError(resp sendResponse) error {
	return &hmsVendorError{code: resp.Code, msg: resp.Msg}
}
