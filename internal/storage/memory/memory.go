// Package memory provides map-backed repository implementations. They
// are the default for tests and enforce the same uniqueness constraint
// a relational store would carry on (app_id, push_token, activation_id).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

var _ storage.DeviceRepository = (*Store)(nil)
var _ storage.CredentialRepository = (*Store)(nil)
var _ storage.CampaignRepository = (*Store)(nil)
var _ storage.CampaignDeviceSource = (*Store)(nil)

// Store holds all repositories behind one mutex.
type Store struct {
	mu            sync.RWMutex
	devices       map[string]push.DeviceRegistration // by ID
	uniqueIndex   map[string]string                  // appID|token|activationID -> ID
	credentials   map[string]push.AppCredentials     // by appID
	campaigns     map[string]push.Campaign           // by ID
	campaignUsers map[string][]string                // campaignID -> userIDs
}

// New creates an empty store.
func New() *Store {
	return &Store{
		devices:       make(map[string]push.DeviceRegistration),
		uniqueIndex:   make(map[string]string),
		credentials:   make(map[string]push.AppCredentials),
		campaigns:     make(map[string]push.Campaign),
		campaignUsers: make(map[string][]string),
	}
}

func deviceKey(appID, token, activationID string) string {
	return appID + "|" + token + "|" + activationID
}

// --- DeviceRepository ---

func (s *Store) FindByActivationAndToken(_ context.Context, activationID, pushToken string) (*push.DeviceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, reg := range s.devices {
		if reg.ActivationID == activationID && reg.PushToken == pushToken {
			out := reg
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) FindAllByAppAndToken(_ context.Context, appID, pushToken string) ([]push.DeviceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []push.DeviceRegistration
	for _, reg := range s.devices {
		if reg.AppID == appID && reg.PushToken == pushToken {
			out = append(out, reg)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) FindAllByActivation(_ context.Context, activationID string) ([]push.DeviceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []push.DeviceRegistration
	for _, reg := range s.devices {
		if reg.ActivationID == activationID {
			out = append(out, reg)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) FindActiveByAppAndUser(_ context.Context, appID, userID string) ([]push.DeviceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []push.DeviceRegistration
	for _, reg := range s.devices {
		if reg.AppID == appID && reg.UserID == userID && reg.Active {
			out = append(out, reg)
		}
	}
	sortByID(out)
	return out, nil
}

// Save inserts or updates a registration. A different registration
// already holding the same (app, token, activation) triple causes
// ErrConflict, mirroring a relational unique index.
func (s *Store) Save(_ context.Context, reg *push.DeviceRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(reg.AppID, reg.PushToken, reg.ActivationID)
	if holder, ok := s.uniqueIndex[key]; ok && holder != reg.ID {
		return storage.ErrConflict
	}
	// Drop the old index entry when the registration moved to another
	// activation or token.
	if old, ok := s.devices[reg.ID]; ok {
		oldKey := deviceKey(old.AppID, old.PushToken, old.ActivationID)
		if oldKey != key {
			delete(s.uniqueIndex, oldKey)
		}
	}
	s.devices[reg.ID] = *reg
	s.uniqueIndex[key] = reg.ID
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.devices[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.uniqueIndex, deviceKey(reg.AppID, reg.PushToken, reg.ActivationID))
	delete(s.devices, id)
	return nil
}

func (s *Store) DeleteAllByAppAndToken(_ context.Context, appID, pushToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, reg := range s.devices {
		if reg.AppID == appID && reg.PushToken == pushToken {
			delete(s.uniqueIndex, deviceKey(reg.AppID, reg.PushToken, reg.ActivationID))
			delete(s.devices, id)
		}
	}
	return nil
}

// --- CredentialRepository ---

func (s *Store) FindByAppID(_ context.Context, appID string) (*push.AppCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.credentials[appID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := creds
	return &out, nil
}

// PutCredentials stores credentials for an app.
func (s *Store) PutCredentials(creds push.AppCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[creds.AppID] = creds
}

// --- CampaignRepository ---

func (s *Store) FindCampaign(_ context.Context, id string) (*push.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := c
	return &out, nil
}

func (s *Store) SaveCampaign(_ context.Context, c *push.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = *c
	return nil
}

func (s *Store) AddCampaignUser(_ context.Context, campaignID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.campaignUsers[campaignID] {
		if existing == userID {
			return nil
		}
	}
	s.campaignUsers[campaignID] = append(s.campaignUsers[campaignID], userID)
	return nil
}

// --- CampaignDeviceSource ---

// FetchPage joins the campaign's enrolled users against their device
// registrations and returns one stable page of the result.
func (s *Store) FetchPage(_ context.Context, campaignID string, offset, limit int) ([]storage.CampaignDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	campaign, ok := s.campaigns[campaignID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var joined []storage.CampaignDevice
	for _, userID := range s.campaignUsers[campaignID] {
		for _, reg := range s.devices {
			if reg.AppID == campaign.AppID && reg.UserID == userID && reg.Active {
				joined = append(joined, storage.CampaignDevice{
					UserID:       userID,
					DeviceID:     reg.ID,
					ActivationID: reg.ActivationID,
					Platform:     reg.Platform,
					PushToken:    reg.PushToken,
					Environment:  reg.Environment,
				})
			}
		}
	}
	sort.Slice(joined, func(i, j int) bool {
		if joined[i].UserID != joined[j].UserID {
			return joined[i].UserID < joined[j].UserID
		}
		return joined[i].DeviceID < joined[j].DeviceID
	})
	if offset >= len(joined) {
		return nil, nil
	}
	end := offset + limit
	if end > len(joined) {
		end = len(joined)
	}
	return joined[offset:end], nil
}

func sortByID(regs []push.DeviceRegistration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })
}
