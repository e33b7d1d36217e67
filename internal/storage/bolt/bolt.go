// Package bolt is a BoltDB-backed implementation of the repository
// interfaces. Registrations carry a secondary index bucket keyed by
// (app|token|activation) so the uniqueness constraint the registry
// relies on is enforced inside a single Update transaction.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

var _ storage.DeviceRepository = (*Store)(nil)
var _ storage.CredentialRepository = (*Store)(nil)
var _ storage.CampaignRepository = (*Store)(nil)
var _ storage.CampaignDeviceSource = (*Store)(nil)

var (
	bucketDevices       = []byte("devices")
	bucketDeviceIndex   = []byte("device_index")
	bucketCredentials   = []byte("credentials")
	bucketCampaigns     = []byte("campaigns")
	bucketCampaignUsers = []byte("campaign_users")
)

// Store is a BoltDB-backed Store implementation.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketDeviceIndex, bucketCredentials, bucketCampaigns, bucketCampaignUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(appID, token, activationID string) []byte {
	return []byte(appID + "|" + token + "|" + activationID)
}

// --- DeviceRepository ---

func (s *Store) FindByActivationAndToken(ctx context.Context, activationID, pushToken string) (*push.DeviceRegistration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found *push.DeviceRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var reg push.DeviceRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			if reg.ActivationID == activationID && reg.PushToken == pushToken {
				found = &reg
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

func (s *Store) FindAllByAppAndToken(ctx context.Context, appID, pushToken string) ([]push.DeviceRegistration, error) {
	return s.filterDevices(ctx, func(reg *push.DeviceRegistration) bool {
		return reg.AppID == appID && reg.PushToken == pushToken
	})
}

func (s *Store) FindAllByActivation(ctx context.Context, activationID string) ([]push.DeviceRegistration, error) {
	return s.filterDevices(ctx, func(reg *push.DeviceRegistration) bool {
		return reg.ActivationID == activationID
	})
}

func (s *Store) FindActiveByAppAndUser(ctx context.Context, appID, userID string) ([]push.DeviceRegistration, error) {
	return s.filterDevices(ctx, func(reg *push.DeviceRegistration) bool {
		return reg.AppID == appID && reg.UserID == userID && reg.Active
	})
}

func (s *Store) filterDevices(ctx context.Context, keep func(*push.DeviceRegistration) bool) ([]push.DeviceRegistration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []push.DeviceRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var reg push.DeviceRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			if keep(&reg) {
				out = append(out, reg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, reg *push.DeviceRegistration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		index := tx.Bucket(bucketDeviceIndex)

		key := indexKey(reg.AppID, reg.PushToken, reg.ActivationID)
		if holder := index.Get(key); holder != nil && !bytes.Equal(holder, []byte(reg.ID)) {
			return storage.ErrConflict
		}
		if old := devices.Get([]byte(reg.ID)); old != nil {
			var prev push.DeviceRegistration
			if err := json.Unmarshal(old, &prev); err == nil {
				oldKey := indexKey(prev.AppID, prev.PushToken, prev.ActivationID)
				if !bytes.Equal(oldKey, key) {
					if err := index.Delete(oldKey); err != nil {
						return err
					}
				}
			}
		}
		if err := index.Put(key, []byte(reg.ID)); err != nil {
			return err
		}
		return devices.Put([]byte(reg.ID), payload)
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		raw := devices.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var reg push.DeviceRegistration
		if err := json.Unmarshal(raw, &reg); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDeviceIndex).Delete(indexKey(reg.AppID, reg.PushToken, reg.ActivationID)); err != nil {
			return err
		}
		return devices.Delete([]byte(id))
	})
}

func (s *Store) DeleteAllByAppAndToken(ctx context.Context, appID, pushToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		index := tx.Bucket(bucketDeviceIndex)
		var doomed [][]byte
		err := devices.ForEach(func(k, v []byte) error {
			var reg push.DeviceRegistration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			if reg.AppID == appID && reg.PushToken == pushToken {
				doomed = append(doomed, append([]byte(nil), k...))
				if err := index.Delete(indexKey(reg.AppID, reg.PushToken, reg.ActivationID)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := devices.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- CredentialRepository ---

func (s *Store) FindByAppID(ctx context.Context, appID string) (*push.AppCredentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var creds push.AppCredentials
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCredentials).Get([]byte(appID))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &creds)
	})
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// PutCredentials stores credentials for an app.
func (s *Store) PutCredentials(ctx context.Context, creds *push.AppCredentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(creds.AppID), payload)
	})
}

// --- CampaignRepository ---

func (s *Store) FindCampaign(ctx context.Context, id string) (*push.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var campaign push.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(raw, &campaign)
	})
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (s *Store) SaveCampaign(ctx context.Context, c *push.Campaign) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), payload)
	})
}

func (s *Store) AddCampaignUser(ctx context.Context, campaignID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaignUsers).Put([]byte(campaignID+"|"+userID), []byte(userID))
	})
}

// --- CampaignDeviceSource ---

// FetchPage joins enrolled users against active device registrations of
// the campaign's app. The join result ordering is stable because device
// keys iterate in byte order within each user prefix.
func (s *Store) FetchPage(ctx context.Context, campaignID string, offset, limit int) ([]storage.CampaignDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	campaign, err := s.FindCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	var joined []storage.CampaignDevice
	err = s.db.View(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketCampaignUsers)
		devices := tx.Bucket(bucketDevices)
		prefix := []byte(campaignID + "|")
		c := users.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			userID := string(v)
			err := devices.ForEach(func(_, raw []byte) error {
				var reg push.DeviceRegistration
				if err := json.Unmarshal(raw, &reg); err != nil {
					return err
				}
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
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if offset >= len(joined) {
		return nil, nil
	}
	end := offset + limit
	if end > len(joined) {
		end = len(joined)
	}
	return joined[offset:end], nil
}

// Path returns the location of the store file, for startup logging.
func (s *Store) Path() string {
	return strings.TrimSpace(s.db.Path())
}
