// Package registry owns device-registration records and converges
// concurrent, possibly conflicting registration requests into
// consistent state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// Requests race from independent processes, so convergence relies on
// the repository's uniqueness constraint rather than in-process
// locking. A conflicting write is resolved by re-reading and retrying.
const maxConvergeAttempts = 3

// Registry resolves registration requests against the device repository.
type Registry struct {
	devices     storage.DeviceRepository
	activations push.ActivationStatusSource
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a registry.
func New(devices storage.DeviceRepository, activations push.ActivationStatusSource, logger *slog.Logger) *Registry {
	return &Registry{
		devices:     devices,
		activations: activations,
		logger:      logger.With("component", "DeviceRegistry"),
		now:         time.Now,
	}
}

// CreateOrUpdate registers a token for an activation in single-activation
// mode.
//
// Resolution order:
//  1. A registration for (activationID, token) already exists: refresh
//     it and return.
//  2. Exactly one registration exists for (appID, token) under a
//     different activation: the token migrated to a new activation, so
//     reassign that row.
//  3. Multiple registrations exist for the token: the caller must use
//     the multi-activation path; fail with ConflictError.
//  4. Nothing exists: insert a new row.
func (r *Registry) CreateOrUpdate(ctx context.Context, appID, activationID, token string, platform push.Platform, environment push.Environment) (*push.DeviceRegistration, error) {
	var lastErr error
	for attempt := 0; attempt < maxConvergeAttempts; attempt++ {
		reg, err := r.createOrUpdateOnce(ctx, appID, activationID, token, platform, environment)
		if errors.Is(err, storage.ErrConflict) {
			// Another writer got there first. Re-read and converge on
			// its row.
			r.logger.Debug("Registration write conflicted, retrying", "app_id", appID, "attempt", attempt+1)
			lastErr = err
			continue
		}
		return reg, err
	}
	return nil, fmt.Errorf("registration for app %s did not converge: %w", appID, lastErr)
}

func (r *Registry) createOrUpdateOnce(ctx context.Context, appID, activationID, token string, platform push.Platform, environment push.Environment) (*push.DeviceRegistration, error) {
	existing, err := r.devices.FindByActivationAndToken(ctx, activationID, token)
	switch {
	case err == nil:
		existing.Platform = platform
		existing.Environment = environment
		existing.LastRegistered = r.now().UTC()
		if err := r.devices.Save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	siblings, err := r.devices.FindAllByAppAndToken(ctx, appID, token)
	if err != nil {
		return nil, err
	}
	switch len(siblings) {
	case 0:
		reg := &push.DeviceRegistration{
			ID:             uuid.NewString(),
			AppID:          appID,
			ActivationID:   activationID,
			Platform:       platform,
			PushToken:      token,
			Environment:    environment,
			Active:         true,
			LastRegistered: r.now().UTC(),
		}
		if err := r.devices.Save(ctx, reg); err != nil {
			return nil, err
		}
		return reg, nil
	case 1:
		// Token moved to a new activation. Reassign the existing row.
		reg := siblings[0]
		reg.ActivationID = activationID
		reg.Platform = platform
		reg.Environment = environment
		reg.LastRegistered = r.now().UTC()
		if err := r.devices.Save(ctx, &reg); err != nil {
			return nil, err
		}
		return &reg, nil
	default:
		return nil, &push.ConflictError{AppID: appID, PushToken: token}
	}
}

// CreateOrUpdateDevices registers a token for a set of activations in
// multi-activation mode. Duplicate activation ids collapse, and any
// registration of the token outside the new set is removed (replace
// semantics, not additive).
func (r *Registry) CreateOrUpdateDevices(ctx context.Context, appID string, activationIDs []string, token string, platform push.Platform) ([]push.DeviceRegistration, error) {
	wanted := dedupe(activationIDs)
	out := make([]push.DeviceRegistration, 0, len(wanted))
	for _, activationID := range wanted {
		reg, err := r.upsertForActivation(ctx, appID, activationID, token, platform)
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}

	existing, err := r.devices.FindAllByAppAndToken(ctx, appID, token)
	if err != nil {
		return nil, err
	}
	inSet := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		inSet[id] = struct{}{}
	}
	for _, reg := range existing {
		if _, ok := inSet[reg.ActivationID]; ok {
			continue
		}
		if err := r.devices.Delete(ctx, reg.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return out, nil
}

func (r *Registry) upsertForActivation(ctx context.Context, appID, activationID, token string, platform push.Platform) (*push.DeviceRegistration, error) {
	for attempt := 0; attempt < maxConvergeAttempts; attempt++ {
		existing, err := r.devices.FindByActivationAndToken(ctx, activationID, token)
		switch {
		case err == nil:
			existing.Platform = platform
			existing.LastRegistered = r.now().UTC()
			if err := r.devices.Save(ctx, existing); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return nil, err
			}
			return existing, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
		reg := &push.DeviceRegistration{
			ID:             uuid.NewString(),
			AppID:          appID,
			ActivationID:   activationID,
			Platform:       platform,
			PushToken:      token,
			Active:         true,
			LastRegistered: r.now().UTC(),
		}
		if err := r.devices.Save(ctx, reg); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, err
		}
		return reg, nil
	}
	return nil, fmt.Errorf("registration for activation %s did not converge: %w", activationID, storage.ErrConflict)
}

// UpdateStatus sets the active flag on all registrations of an
// activation. When status is nil the external activation-status source
// is queried exactly once and its answer applied.
func (r *Registry) UpdateStatus(ctx context.Context, activationID string, status *push.ActivationStatus) error {
	resolved := push.ActivationStatus("")
	if status != nil {
		resolved = *status
	} else {
		s, err := r.activations.Status(ctx, activationID)
		if err != nil {
			return fmt.Errorf("querying activation status for %s: %w", activationID, err)
		}
		resolved = s
	}
	active := resolved == push.ActivationStatusActive

	regs, err := r.devices.FindAllByActivation(ctx, activationID)
	if err != nil {
		return err
	}
	for i := range regs {
		if regs[i].Active == active {
			continue
		}
		regs[i].Active = active
		if err := r.devices.Save(ctx, &regs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes all registrations matching (appID, token).
func (r *Registry) Delete(ctx context.Context, appID, token string) error {
	return r.devices.DeleteAllByAppAndToken(ctx, appID, token)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
