// Package dispatch is the multi-provider sending engine. It resolves
// target devices, selects the right provider adapter per device, fans
// sends out across a bounded worker pool and aggregates the per-family
// counters.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wultra/powerauth-push-server-sub001/internal/credentials"
	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// CredentialSource yields the per-app adapter set.
type CredentialSource interface {
	Get(ctx context.Context, appID string) (*credentials.AdapterSet, error)
}

// Dispatcher sends batches of push messages.
type Dispatcher struct {
	devices     storage.DeviceRepository
	creds       CredentialSource
	activations push.ActivationStatusSource
	workers     int
	logger      *slog.Logger
}

// New creates a dispatcher. workers bounds the concurrent provider
// calls per platform within one batch; each platform gets its own
// pool so a slow provider cannot starve the others.
func New(devices storage.DeviceRepository, creds CredentialSource, activations push.ActivationStatusSource, workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 16
	}
	return &Dispatcher{
		devices:     devices,
		creds:       creds,
		activations: activations,
		workers:     workers,
		logger:      logger.With("component", "Dispatcher"),
	}
}

// SendPushMessage dispatches a batch of messages for one app.
//
// ModeSynchronous blocks until every per-device send completed and
// returns the aggregated result. ModeAsynchronous returns an empty
// SendResult immediately and runs the batch on a background goroutine
// detached from the caller's cancellation; completion is observable
// through logs only.
func (d *Dispatcher) SendPushMessage(ctx context.Context, appID string, mode push.Mode, messages []push.Message) (*push.SendResult, error) {
	if mode == push.ModeAsynchronous {
		go func() {
			result, err := d.send(context.WithoutCancel(ctx), appID, messages)
			if err != nil {
				d.logger.Error("Asynchronous batch failed", "app_id", appID, "err", err)
				return
			}
			d.logger.Info("Asynchronous batch completed",
				"app_id", appID,
				"sent", result.Apple.Sent+result.Google.Sent,
				"failed", result.Apple.Failed+result.Google.Failed,
			)
		}()
		return &push.SendResult{}, nil
	}
	return d.send(ctx, appID, messages)
}

func (d *Dispatcher) send(ctx context.Context, appID string, messages []push.Message) (*push.SendResult, error) {
	adapters, err := d.creds.Get(ctx, appID)
	if err != nil {
		return nil, err
	}

	var agg aggregator
	groups := make(map[push.Platform]*errgroup.Group, 3)
	groupFor := func(platform push.Platform) *errgroup.Group {
		group, ok := groups[platform]
		if !ok {
			group = new(errgroup.Group)
			group.SetLimit(d.workers)
			groups[platform] = group
		}
		return group
	}
	wait := func() {
		// Workers never return errors; failures are counted, not raised.
		for _, group := range groups {
			_ = group.Wait()
		}
	}

	for i := range messages {
		msg := messages[i]
		devices, err := d.resolveDevices(ctx, appID, &msg)
		if err != nil {
			wait()
			return nil, err
		}
		for j := range devices {
			device := devices[j]
			groupFor(device.Platform).Go(func() error {
				d.sendToDevice(ctx, adapters, &device, &msg, &agg)
				return nil
			})
		}
	}
	wait()

	result := agg.result()
	return &result, nil
}

// SendToDevice dispatches one message to a single, already-resolved
// registration. The campaign pipeline delivers through this entry
// point so each enumerated device tuple reaches exactly that device,
// never every registration of its activation.
func (d *Dispatcher) SendToDevice(ctx context.Context, appID string, target storage.CampaignDevice, msg push.Message) (*push.SendResult, error) {
	adapters, err := d.creds.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	device := push.DeviceRegistration{
		ID:           target.DeviceID,
		AppID:        appID,
		ActivationID: target.ActivationID,
		UserID:       target.UserID,
		Platform:     target.Platform,
		PushToken:    target.PushToken,
		Environment:  target.Environment,
		Active:       true,
	}
	var agg aggregator
	d.sendToDevice(ctx, adapters, &device, &msg, &agg)
	result := agg.result()
	return &result, nil
}

// resolveDevices picks the targets of one message: the registrations of
// its activation when one is addressed, otherwise all active
// registrations of the user within the app.
func (d *Dispatcher) resolveDevices(ctx context.Context, appID string, msg *push.Message) ([]push.DeviceRegistration, error) {
	if msg.ActivationID != "" {
		return d.devices.FindAllByActivation(ctx, msg.ActivationID)
	}
	return d.devices.FindActiveByAppAndUser(ctx, appID, msg.UserID)
}

func (d *Dispatcher) sendToDevice(ctx context.Context, adapters *credentials.AdapterSet, device *push.DeviceRegistration, msg *push.Message, agg *aggregator) {
	family := familyOf(device.Platform)

	// A personal message is only delivered while the target activation
	// is ACTIVE. A skipped device counts as neither sent nor failed.
	if msg.Attributes.Personal {
		status, err := d.activations.Status(ctx, device.ActivationID)
		if err != nil {
			d.logger.Warn("Activation status lookup failed", "activation_id", device.ActivationID, "err", err)
			agg.failed(family)
			return
		}
		if status != push.ActivationStatusActive {
			d.logger.Debug("Skipping personal message, activation not active",
				"activation_id", device.ActivationID, "status", status)
			return
		}
	}

	adapter, err := adapters.Adapter(device.Platform)
	if err != nil {
		d.logger.Warn("No adapter for platform", "platform", device.Platform, "err", err)
		agg.failed(family)
		return
	}

	outcome, err := adapter.Send(ctx, device, msg.Body, msg.Attributes)
	switch outcome {
	case push.OutcomeOK:
		agg.sent(family)
	case push.OutcomeFailedPermanent:
		// Self-healing: the provider says the token is dead, so the
		// registration goes away.
		if delErr := d.devices.Delete(ctx, device.ID); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			d.logger.Warn("Failed to remove dead registration", "id", device.ID, "err", delErr)
		}
		d.logger.Info("Removed dead registration", "id", device.ID, "platform", device.Platform)
		agg.failed(family)
	default:
		d.logger.Warn("Send failed", "platform", device.Platform, "err", err)
		agg.failed(family)
	}
}

type family int

const (
	familyApple family = iota
	familyGoogle
)

// familyOf buckets platforms into the two result families. HMS shares
// the Android ecosystem and counts under Google.
func familyOf(platform push.Platform) family {
	if platform == push.PlatformAPNS {
		return familyApple
	}
	return familyGoogle
}

// aggregator accumulates counters atomically across the fan-out.
type aggregator struct {
	appleSent     atomic.Int64
	appleFailed   atomic.Int64
	googleSent    atomic.Int64
	googleFailed  atomic.Int64
	applePending  atomic.Int64
	googlePending atomic.Int64
}

func (a *aggregator) sent(f family) {
	if f == familyApple {
		a.appleSent.Add(1)
	} else {
		a.googleSent.Add(1)
	}
}

func (a *aggregator) failed(f family) {
	if f == familyApple {
		a.appleFailed.Add(1)
	} else {
		a.googleFailed.Add(1)
	}
}

func (a *aggregator) result() push.SendResult {
	apple := push.PlatformResult{
		Sent:    int(a.appleSent.Load()),
		Failed:  int(a.appleFailed.Load()),
		Pending: int(a.applePending.Load()),
	}
	apple.Total = apple.Sent + apple.Failed + apple.Pending
	google := push.PlatformResult{
		Sent:    int(a.googleSent.Load()),
		Failed:  int(a.googleFailed.Load()),
		Pending: int(a.googlePending.Load()),
	}
	google.Total = google.Sent + google.Failed + google.Pending
	return push.SendResult{Apple: apple, Google: google}
}
