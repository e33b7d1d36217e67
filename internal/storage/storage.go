// Package storage defines the repository abstractions the core depends
// on. Implementations live in subpackages; the core never touches a
// specific storage engine.
package storage

import (
	"context"

	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// DeviceRepository persists device registrations.
//
// Save must enforce uniqueness of (AppID, PushToken, ActivationID) and
// return ErrConflict when an insert races with another writer, so the
// registry can re-read and converge.
type DeviceRepository interface {
	FindByActivationAndToken(ctx context.Context, activationID, pushToken string) (*push.DeviceRegistration, error)
	FindAllByAppAndToken(ctx context.Context, appID, pushToken string) ([]push.DeviceRegistration, error)
	FindAllByActivation(ctx context.Context, activationID string) ([]push.DeviceRegistration, error)
	FindActiveByAppAndUser(ctx context.Context, appID, userID string) ([]push.DeviceRegistration, error)
	Save(ctx context.Context, reg *push.DeviceRegistration) error
	Delete(ctx context.Context, id string) error
	DeleteAllByAppAndToken(ctx context.Context, appID, pushToken string) error
}

// CredentialRepository reads stored per-app provider credentials.
type CredentialRepository interface {
	FindByAppID(ctx context.Context, appID string) (*push.AppCredentials, error)
}

// CampaignRepository persists campaigns and their enrollment lists.
type CampaignRepository interface {
	FindCampaign(ctx context.Context, id string) (*push.Campaign, error)
	SaveCampaign(ctx context.Context, c *push.Campaign) error
	AddCampaignUser(ctx context.Context, campaignID, userID string) error
}

// CampaignDevice is the read-only projection of one (campaign user,
// device registration) join row consumed by the campaign pipeline.
type CampaignDevice struct {
	UserID       string
	DeviceID     string
	ActivationID string
	Platform     push.Platform
	PushToken    string
	Environment  push.Environment
}

// CampaignDeviceSource pages through the devices of a campaign's
// enrolled users. Pages are fetched sequentially to bound memory.
type CampaignDeviceSource interface {
	FetchPage(ctx context.Context, campaignID string, offset, limit int) ([]CampaignDevice, error)
}
