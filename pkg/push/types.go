// Package push contains the public domain model and interfaces for the
// push dispatch gateway.
package push

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Platform identifies the push backend a device registers with.
type Platform string

const (
	PlatformAPNS Platform = "APNS"
	PlatformFCM  Platform = "FCM"
	PlatformHMS  Platform = "HMS"
)

// ParsePlatform normalizes a platform name to the canonical set.
// Legacy clients send lowercase OS names ("ios", "android", "huawei"),
// which map onto the provider identifiers.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "apns", "ios":
		return PlatformAPNS, nil
	case "fcm", "android":
		return PlatformFCM, nil
	case "hms", "huawei":
		return PlatformHMS, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// Environment selects the APNs delivery target. It has no meaning for
// FCM or HMS registrations.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
)

// ActivationStatus is the lifecycle state of an activation as reported
// by the external identity system.
type ActivationStatus string

const (
	ActivationStatusCreated       ActivationStatus = "CREATED"
	ActivationStatusPendingCommit ActivationStatus = "PENDING_COMMIT"
	ActivationStatusActive        ActivationStatus = "ACTIVE"
	ActivationStatusBlocked       ActivationStatus = "BLOCKED"
	ActivationStatusRemoved       ActivationStatus = "REMOVED"
)

// ActivationStatusSource queries the external identity system for the
// current status of an activation.
type ActivationStatusSource interface {
	Status(ctx context.Context, activationID string) (ActivationStatus, error)
}

// Mode controls whether a dispatch call blocks until the whole batch
// completes.
type Mode string

const (
	ModeSynchronous  Mode = "SYNCHRONOUS"
	ModeAsynchronous Mode = "ASYNCHRONOUS"
)

// Priority maps onto the provider-specific delivery priority knobs.
type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// DeviceRegistration is one device token registered for an application.
//
// In single-activation mode at most one registration exists per
// (AppID, PushToken). In multi-activation mode the unit of identity is
// (AppID, PushToken, ActivationID).
type DeviceRegistration struct {
	ID             string
	AppID          string
	ActivationID   string
	UserID         string // optional, denormalized
	Platform       Platform
	PushToken      string
	Environment    Environment // APNs only, may be empty
	Active         bool
	LastRegistered time.Time
}

// APNSCredentials hold the token-signing material for one app.
type APNSCredentials struct {
	PrivateKey  []byte // P8 key content
	KeyID       string
	TeamID      string
	BundleID    string
	Environment Environment // app-level default for devices without one
}

// FCMCredentials hold the service-account material for one app.
type FCMCredentials struct {
	ProjectID  string
	PrivateKey []byte // service account JSON
}

// HMSCredentials hold the OAuth client material for one app.
type HMSCredentials struct {
	ProjectID    string
	ClientID     string
	ClientSecret string
}

// AppCredentials bundle the per-provider secrets stored for one app.
// Read-only input to the credential cache; the admin component that
// mutates them must invalidate the cache for the app.
type AppCredentials struct {
	AppID string
	APNS  *APNSCredentials
	FCM   *FCMCredentials
	HMS   *HMSCredentials
}

// Attributes carry the delivery flags of a message.
type Attributes struct {
	Silent   bool `json:"silent"`
	Personal bool `json:"personal"`
}

// MessageBody is the normalized, provider-independent message content.
type MessageBody struct {
	Title        string         `json:"title,omitempty"`
	TitleLocKey  string         `json:"titleLocKey,omitempty"`
	TitleLocArgs []string       `json:"titleLocArgs,omitempty"`
	Body         string         `json:"body,omitempty"`
	BodyLocKey   string         `json:"bodyLocKey,omitempty"`
	BodyLocArgs  []string       `json:"bodyLocArgs,omitempty"`
	Icon         string         `json:"icon,omitempty"`
	Badge        *int           `json:"badge,omitempty"`
	Sound        string         `json:"sound,omitempty"`
	Category     string         `json:"category,omitempty"`
	CollapseKey  string         `json:"collapseKey,omitempty"`
	ValidUntil   *time.Time     `json:"validUntil,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// Message is one push message addressed either to a single activation
// or to all active devices of a user.
type Message struct {
	UserID       string      `json:"userId"`
	ActivationID string      `json:"activationId,omitempty"`
	Priority     Priority    `json:"priority,omitempty"`
	Attributes   Attributes  `json:"attributes"`
	Body         MessageBody `json:"body"`
}

// PlatformResult counts outcomes for one platform family.
type PlatformResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

// SendResult aggregates per-family counters across all target devices
// of one dispatch call. HMS devices share the Android ecosystem and are
// counted under the Google family.
type SendResult struct {
	Apple  PlatformResult `json:"ios"`
	Google PlatformResult `json:"android"`
}

// Outcome classifies the result of a single provider send.
type Outcome int

const (
	// OutcomeOK means the provider accepted the message.
	OutcomeOK Outcome = iota
	// OutcomeFailedPermanent means the token is dead and the
	// registration should be removed.
	OutcomeFailedPermanent
	// OutcomeFailedTransient covers every other provider or transport
	// failure. No retry is performed within a dispatch call.
	OutcomeFailedTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailedPermanent:
		return "failed_permanent"
	case OutcomeFailedTransient:
		return "failed_transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ProviderAdapter sends one normalized message to one device over a
// specific provider protocol and classifies the result.
type ProviderAdapter interface {
	Send(ctx context.Context, device *DeviceRegistration, body MessageBody, attrs Attributes) (Outcome, error)
}

// Campaign is a stored message broadcast to enrolled users' devices.
type Campaign struct {
	ID                 string
	AppID              string
	Message            string // serialized MessageBody
	Sent               bool
	TimestampCreated   time.Time
	TimestampSent      *time.Time
	TimestampCompleted *time.Time
}

// CampaignUser enrolls one user in a campaign.
type CampaignUser struct {
	CampaignID string
	UserID     string
}
