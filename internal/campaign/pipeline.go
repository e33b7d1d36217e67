// Package campaign fans a stored message out to the devices of a
// campaign's enrolled users through a three-stage pipeline: a paged
// source, an in-run dedup filter and a per-device dispatch sink.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// Sender is the dispatcher surface the sink drives. Each device tuple
// is delivered as a single-device send; resolving by activation here
// would fan out to every registration of the activation and defeat the
// dedup filter.
type Sender interface {
	SendToDevice(ctx context.Context, appID string, target storage.CampaignDevice, msg push.Message) (*push.SendResult, error)
}

// Pipeline runs campaign batch sends.
//
// A run carries no cross-run idempotence: executing the same campaign
// twice sends duplicate notifications. Dedup applies within one run
// only.
type Pipeline struct {
	campaigns storage.CampaignRepository
	source    storage.CampaignDeviceSource
	sender    Sender
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a pipeline. batchSize bounds one page of the device
// stream; a non-positive value falls back to 100.
func New(campaigns storage.CampaignRepository, source storage.CampaignDeviceSource, sender Sender, batchSize int, logger *slog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Pipeline{
		campaigns: campaigns,
		source:    source,
		sender:    sender,
		batchSize: batchSize,
		logger:    logger.With("component", "CampaignPipeline"),
		now:       time.Now,
	}
}

// Run executes one campaign send. Per-device failures are logged and
// the run continues; only pipeline-level failures (unreadable campaign,
// malformed stored message, failing page source) abort the run, leaving
// the campaign not marked completed.
func (p *Pipeline) Run(ctx context.Context, campaignID string) error {
	campaign, err := p.campaigns.FindCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("loading campaign %s: %w", campaignID, err)
	}

	// The stored body parses once per run and is shared by every send.
	var body push.MessageBody
	if err := json.Unmarshal([]byte(campaign.Message), &body); err != nil {
		return fmt.Errorf("parsing message of campaign %s: %w", campaignID, err)
	}

	startedAt := p.now().UTC()
	campaign.TimestampSent = &startedAt
	if err := p.campaigns.SaveCampaign(ctx, campaign); err != nil {
		return fmt.Errorf("marking campaign %s sent: %w", campaignID, err)
	}
	p.logger.Info("Campaign run started", "campaign_id", campaignID, "app_id", campaign.AppID)

	seen := make(map[string]struct{})
	processed := 0
	for offset := 0; ; offset += p.batchSize {
		page, err := p.source.FetchPage(ctx, campaignID, offset, p.batchSize)
		if err != nil {
			return fmt.Errorf("fetching device page at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			device := page[i]
			key := dedupKey(&device)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			p.deliver(ctx, campaign, &device, body)
			processed++
		}
		if len(page) < p.batchSize {
			break
		}
	}

	completedAt := p.now().UTC()
	campaign.Sent = true
	campaign.TimestampCompleted = &completedAt
	if err := p.campaigns.SaveCampaign(ctx, campaign); err != nil {
		return fmt.Errorf("marking campaign %s completed: %w", campaignID, err)
	}
	p.logger.Info("Campaign run completed", "campaign_id", campaignID, "devices", processed)
	return nil
}

// deliver sends to one device, isolating its failure from the run. The
// aggregated SendResult is ignored at this layer; delivery is
// fire-and-forget per device.
func (p *Pipeline) deliver(ctx context.Context, campaign *push.Campaign, device *storage.CampaignDevice, body push.MessageBody) {
	msg := push.Message{
		UserID:       device.UserID,
		ActivationID: device.ActivationID,
		Body:         body,
	}
	if _, err := p.sender.SendToDevice(ctx, campaign.AppID, *device, msg); err != nil {
		p.logger.Warn("Campaign send failed for device",
			"campaign_id", campaign.ID,
			"user_id", device.UserID,
			"device_id", device.DeviceID,
			"err", err,
		)
	}
}

// dedupKey identifies one (user, device, activation, platform, token)
// tuple within a run; overlapping enrollment paths would otherwise
// double-send.
func dedupKey(d *storage.CampaignDevice) string {
	return strings.Join([]string{d.UserID, d.DeviceID, d.ActivationID, string(d.Platform), d.PushToken}, "|")
}

// CreateCampaign stores a new campaign for later execution.
func CreateCampaign(ctx context.Context, campaigns storage.CampaignRepository, id, appID string, body push.MessageBody) (*push.Campaign, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("serializing campaign message: %w", err)
	}
	campaign := &push.Campaign{
		ID:               id,
		AppID:            appID,
		Message:          string(raw),
		TimestampCreated: time.Now().UTC(),
	}
	if err := campaigns.SaveCampaign(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}
