package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-device-registry/internal/sender"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// DeviceRegistrar is the registration surface the API writes through.
type DeviceRegistrar interface {
	Register(ctx context.Context, device *dispatch.Device) error
	Update(ctx context.Context, device *dispatch.Device) error
	List(ctx context.Context, filter dispatch.DeviceFilter) ([]dispatch.Device, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// TopicSubscriber manages topic membership for a selection of devices.
type TopicSubscriber interface {
	SetSubscription(ctx context.Context, filter dispatch.DeviceFilter, topic string, subscribe bool, additionalTokens ...string) (*sender.TopicResponse, error)
}

// DeviceAPI serves the owner-scoped device endpoints. The owner is always the
// authenticated caller; no handler accepts a user id from the request.
type DeviceAPI struct {
	Registrar DeviceRegistrar
	Topics    TopicSubscriber
	Logger    *slog.Logger
}

func NewDeviceAPI(registrar DeviceRegistrar, topics TopicSubscriber, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Registrar: registrar,
		Topics:    topics,
		Logger:    logger,
	}
}

// RegisterRoutes wires the handlers onto mux behind auth.
func (api *DeviceAPI) RegisterRoutes(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("POST /api/v1/devices", auth(http.HandlerFunc(api.RegisterDevice)))
	mux.Handle("GET /api/v1/devices", auth(http.HandlerFunc(api.ListDevices)))
	mux.Handle("PUT /api/v1/devices/{registration_id}", auth(http.HandlerFunc(api.UpdateDevice)))
	mux.Handle("DELETE /api/v1/devices/{registration_id}", auth(http.HandlerFunc(api.UnregisterDevice)))
	mux.Handle("PUT /api/v1/topics/{topic}", auth(http.HandlerFunc(api.Subscribe)))
	mux.Handle("DELETE /api/v1/topics/{topic}", auth(http.HandlerFunc(api.Unsubscribe)))
}

type DeviceRequest struct {
	RegistrationID string              `json:"registration_id"`
	Type           dispatch.DeviceType `json:"type"`
	Name           string              `json:"name,omitempty"`
	DeviceID       string              `json:"device_id,omitempty"`
	// Active defaults to true when omitted.
	Active *bool             `json:"active,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

type TopicResponse struct {
	Topic        string `json:"topic"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
}

func (api *DeviceAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	device := &dispatch.Device{
		RegistrationID: req.RegistrationID,
		Type:           req.Type,
		Name:           req.Name,
		DeviceID:       req.DeviceID,
		UserID:         owner,
		Active:         req.Active == nil || *req.Active,
		Extra:          req.Extra,
	}
	if err := api.Registrar.Register(r.Context(), device); err != nil {
		api.writeError(w, "RegisterDevice", err)
		return
	}
	api.Logger.Info("RegisterDevice: Device registered", "user", owner, "device_id", device.ID, "type", device.Type)

	writeJSON(w, http.StatusCreated, device)
}

func (api *DeviceAPI) ListDevices(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}

	devices, err := api.Registrar.List(r.Context(), dispatch.DeviceFilter{UserID: owner})
	if err != nil {
		api.writeError(w, "ListDevices", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (api *DeviceAPI) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}

	device, ok := api.findOwned(w, r, owner)
	if !ok {
		return
	}

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RegistrationID != "" {
		device.RegistrationID = req.RegistrationID
	}
	if req.Type != "" {
		device.Type = req.Type
	}
	if req.Name != "" {
		device.Name = req.Name
	}
	if req.DeviceID != "" {
		device.DeviceID = req.DeviceID
	}
	if req.Active != nil {
		device.Active = *req.Active
	}
	if req.Extra != nil {
		device.Extra = req.Extra
	}

	if err := api.Registrar.Update(r.Context(), device); err != nil {
		api.writeError(w, "UpdateDevice", err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// UnregisterDevice is idempotent: an unknown token is not an error.
func (api *DeviceAPI) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}

	devices, err := api.Registrar.List(r.Context(), dispatch.DeviceFilter{
		UserID:          owner,
		RegistrationIDs: []string{r.PathValue("registration_id")},
	})
	if err != nil {
		api.writeError(w, "UnregisterDevice", err)
		return
	}
	for _, d := range devices {
		if err := api.Registrar.Delete(r.Context(), d.ID); err != nil && !errors.Is(err, dispatch.ErrDeviceNotFound) {
			api.writeError(w, "UnregisterDevice", err)
			return
		}
	}
	api.Logger.Info("UnregisterDevice: Device unregistered", "user", owner, "removed", len(devices))

	w.WriteHeader(http.StatusNoContent)
}

func (api *DeviceAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	api.setSubscription(w, r, true)
}

func (api *DeviceAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	api.setSubscription(w, r, false)
}

func (api *DeviceAPI) setSubscription(w http.ResponseWriter, r *http.Request, subscribe bool) {
	owner, ok := api.owner(w, r)
	if !ok {
		return
	}
	topic := r.PathValue("topic")

	res, err := api.Topics.SetSubscription(r.Context(), dispatch.DeviceFilter{UserID: owner}, topic, subscribe)
	if err != nil {
		api.writeError(w, "SetSubscription", err)
		return
	}
	writeJSON(w, http.StatusOK, TopicResponse{
		Topic:        topic,
		SuccessCount: res.Result.SuccessCount,
		FailureCount: res.Result.FailureCount,
	})
}

// --- Helpers ---

func (api *DeviceAPI) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		api.Logger.Warn("Rejected malformed user handle", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userURN.String(), true
}

func (api *DeviceAPI) findOwned(w http.ResponseWriter, r *http.Request, owner string) (*dispatch.Device, bool) {
	devices, err := api.Registrar.List(r.Context(), dispatch.DeviceFilter{
		UserID:          owner,
		RegistrationIDs: []string{r.PathValue("registration_id")},
	})
	if err != nil {
		api.writeError(w, "FindDevice", err)
		return nil, false
	}
	if len(devices) == 0 {
		response.WriteJSONError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return &devices[0], true
}

func (api *DeviceAPI) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidDevice):
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTopic):
		response.WriteJSONError(w, http.StatusBadRequest, "invalid topic")
	case errors.Is(err, dispatch.ErrDuplicateToken):
		response.WriteJSONError(w, http.StatusConflict, "registration_id already registered")
	case errors.Is(err, dispatch.ErrDeviceNotFound):
		response.WriteJSONError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, dispatch.ErrTopicsUnsupported):
		response.WriteJSONError(w, http.StatusNotImplemented, "topics not supported by push backend")
	default:
		api.Logger.Error(op+": failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
