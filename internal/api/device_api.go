// Package api is the REST surface of the gateway: device registration,
// message dispatch and campaign administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/wultra/powerauth-push-server-sub001/internal/campaign"
	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// Registrar is the device-registry surface the handlers drive.
type Registrar interface {
	CreateOrUpdate(ctx context.Context, appID, activationID, token string, platform push.Platform, environment push.Environment) (*push.DeviceRegistration, error)
	CreateOrUpdateDevices(ctx context.Context, appID string, activationIDs []string, token string, platform push.Platform) ([]push.DeviceRegistration, error)
	UpdateStatus(ctx context.Context, activationID string, status *push.ActivationStatus) error
	Delete(ctx context.Context, appID, token string) error
}

// Sender dispatches message batches.
type Sender interface {
	SendPushMessage(ctx context.Context, appID string, mode push.Mode, messages []push.Message) (*push.SendResult, error)
}

// CampaignRunner executes a stored campaign.
type CampaignRunner interface {
	Run(ctx context.Context, campaignID string) error
}

// API holds the handler set.
type API struct {
	Registry  Registrar
	Sender    Sender
	Campaigns storage.CampaignRepository
	Runner    CampaignRunner
	Logger    *slog.Logger
}

// New creates the handler set.
func New(registry Registrar, sender Sender, campaigns storage.CampaignRepository, runner CampaignRunner, logger *slog.Logger) *API {
	return &API{
		Registry:  registry,
		Sender:    sender,
		Campaigns: campaigns,
		Runner:    runner,
		Logger:    logger,
	}
}

// Routes mounts every handler on a mux.
func (api *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /push/device/create", api.CreateDevice)
	mux.HandleFunc("POST /push/device/create/multi", api.CreateDeviceMulti)
	mux.HandleFunc("POST /push/device/delete", api.DeleteDevice)
	mux.HandleFunc("POST /push/device/status/update", api.UpdateDeviceStatus)
	mux.HandleFunc("POST /push/message/send", api.SendMessage)
	mux.HandleFunc("POST /push/message/batch/send", api.SendMessageBatch)
	mux.HandleFunc("POST /push/campaign/create", api.CreateCampaign)
	mux.HandleFunc("PUT /push/campaign/{id}/user/add", api.AddCampaignUsers)
	mux.HandleFunc("POST /push/campaign/send/live/{id}", api.SendCampaign)
}

type createDeviceRequest struct {
	AppID         string   `json:"appId"`
	Token         string   `json:"token"`
	Platform      string   `json:"platform"`
	Environment   string   `json:"environment"`
	ActivationID  string   `json:"activationId"`
	ActivationIDs []string `json:"activationIds"`
}

func (api *API) CreateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AppID == "" || req.Token == "" || req.ActivationID == "" {
		writeJSONError(w, http.StatusBadRequest, "appId, token and activationId are required")
		return
	}
	platform, err := push.ParsePlatform(req.Platform)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = api.Registry.CreateOrUpdate(ctx, req.AppID, req.ActivationID, req.Token, platform, push.Environment(req.Environment))
	if err != nil {
		var conflict *push.ConflictError
		if errors.As(err, &conflict) {
			writeJSONError(w, http.StatusConflict, "token is registered to multiple activations; use the multi-activation endpoint")
			return
		}
		api.Logger.Error("Device registration failed", "app_id", req.AppID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *API) CreateDeviceMulti(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AppID == "" || req.Token == "" || len(req.ActivationIDs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "appId, token and activationIds are required")
		return
	}
	platform, err := push.ParsePlatform(req.Platform)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := api.Registry.CreateOrUpdateDevices(ctx, req.AppID, req.ActivationIDs, req.Token, platform); err != nil {
		api.Logger.Error("Multi-activation registration failed", "app_id", req.AppID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type deleteDeviceRequest struct {
	AppID string `json:"appId"`
	Token string `json:"token"`
}

func (api *API) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	var req deleteDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AppID == "" || req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "appId and token are required")
		return
	}

	// Removal is idempotent; an unknown token is not an error.
	if err := api.Registry.Delete(r.Context(), req.AppID, req.Token); err != nil {
		api.Logger.Warn("Device removal failed", "app_id", req.AppID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	ActivationID     string `json:"activationId"`
	ActivationStatus string `json:"activationStatus"`
}

func (api *API) UpdateDeviceStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ActivationID == "" {
		writeJSONError(w, http.StatusBadRequest, "activationId is required")
		return
	}

	var status *push.ActivationStatus
	if req.ActivationStatus != "" {
		s := push.ActivationStatus(req.ActivationStatus)
		status = &s
	}
	if err := api.Registry.UpdateStatus(r.Context(), req.ActivationID, status); err != nil {
		api.Logger.Error("Status update failed", "activation_id", req.ActivationID, "err", err)
		writeJSONError(w, http.StatusBadGateway, "status update failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	AppID   string       `json:"appId"`
	Mode    string       `json:"mode"`
	Message push.Message `json:"message"`
}

func (api *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	api.dispatch(w, r, req.AppID, req.Mode, []push.Message{req.Message})
}

type sendBatchRequest struct {
	AppID string         `json:"appId"`
	Mode  string         `json:"mode"`
	Batch []push.Message `json:"batch"`
}

func (api *API) SendMessageBatch(w http.ResponseWriter, r *http.Request) {
	var req sendBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Batch) == 0 {
		writeJSONError(w, http.StatusBadRequest, "batch is empty")
		return
	}
	api.dispatch(w, r, req.AppID, req.Mode, req.Batch)
}

func (api *API) dispatch(w http.ResponseWriter, r *http.Request, appID, mode string, messages []push.Message) {
	if appID == "" {
		writeJSONError(w, http.StatusBadRequest, "appId is required")
		return
	}
	for i := range messages {
		if messages[i].UserID == "" && messages[i].ActivationID == "" {
			writeJSONError(w, http.StatusBadRequest, "every message needs a userId or activationId")
			return
		}
	}
	resolvedMode := push.ModeSynchronous
	if mode != "" {
		resolvedMode = push.Mode(mode)
	}

	result, err := api.Sender.SendPushMessage(r.Context(), appID, resolvedMode, messages)
	if err != nil {
		var initErr *push.CacheInitError
		switch {
		case errors.As(err, &initErr):
			writeJSONError(w, http.StatusConflict, "provider credentials for the app are invalid")
		case errors.Is(err, storage.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "app has no provider credentials")
		default:
			api.Logger.Error("Dispatch failed", "app_id", appID, "err", err)
			writeJSONError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type createCampaignRequest struct {
	AppID   string           `json:"appId"`
	Message push.MessageBody `json:"message"`
}

type createCampaignResponse struct {
	ID string `json:"id"`
}

func (api *API) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AppID == "" {
		writeJSONError(w, http.StatusBadRequest, "appId is required")
		return
	}

	created, err := campaign.CreateCampaign(r.Context(), api.Campaigns, uuid.NewString(), req.AppID, req.Message)
	if err != nil {
		api.Logger.Error("Campaign creation failed", "app_id", req.AppID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	writeJSON(w, http.StatusCreated, createCampaignResponse{ID: created.ID})
}

type addCampaignUsersRequest struct {
	Users []string `json:"users"`
}

func (api *API) AddCampaignUsers(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("id")

	var req addCampaignUsersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Users) == 0 {
		writeJSONError(w, http.StatusBadRequest, "users is empty")
		return
	}

	if _, err := api.Campaigns.FindCampaign(r.Context(), campaignID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	for _, userID := range req.Users {
		if err := api.Campaigns.AddCampaignUser(r.Context(), campaignID, userID); err != nil {
			api.Logger.Error("Campaign enrollment failed", "campaign_id", campaignID, "err", err)
			writeJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *API) SendCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("id")

	if _, err := api.Campaigns.FindCampaign(r.Context(), campaignID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	// The run outlives the request; completion is observable in logs and
	// on the campaign's timestamps.
	go func() {
		if err := api.Runner.Run(context.WithoutCancel(r.Context()), campaignID); err != nil {
			api.Logger.Error("Campaign run failed", "campaign_id", campaignID, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
