package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-device-registry/internal/api"
	"github.com/tinywideclouds/go-device-registry/internal/registration"
	"github.com/tinywideclouds/go-device-registry/internal/sender"
	"github.com/tinywideclouds/go-device-registry/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// --- Mocks ---
type MockTopics struct {
	mock.Mock
}

func (m *MockTopics) SetSubscription(ctx context.Context, f dispatch.DeviceFilter, topic string, subscribe bool, additional ...string) (*sender.TopicResponse, error) {
	args := m.Called(ctx, f, topic, subscribe)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sender.TopicResponse), args.Error(1)
}

const (
	alice = "urn:test:user:alice"
	bob   = "urn:test:user:bob"
)

// --- Setup ---
type harness struct {
	store  *sqlstore.Store
	topics *MockTopics
	mux    *http.ServeMux
}

func setupAPI(t *testing.T, opts registration.Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	h := &harness{store: sqlstore.NewStore(db, logger), topics: new(MockTopics), mux: http.NewServeMux()}
	deviceAPI := api.NewDeviceAPI(registration.NewRegistrar(h.store, opts, logger), h.topics, logger)
	deviceAPI.RegisterRoutes(h.mux, func(next http.Handler) http.Handler { return next })
	return h
}

// withUser injects the caller's handle the way the auth middleware does.
func withUser(req *http.Request, handle string) *http.Request {
	ctx := middleware.ContextWithUser(req.Context(), "id-"+handle, handle, "")
	return req.WithContext(ctx)
}

func (h *harness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req = withUser(req, user)
	}
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestRegisterDevice(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})

		w := h.do(t, http.MethodPost, "/api/v1/devices", alice, map[string]any{
			"registration_id": "fcm-token-abc",
			"type":            "android",
			"name":            "pixel",
		})

		require.Equal(t, http.StatusCreated, w.Code)
		var got dispatch.Device
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "fcm-token-abc", got.RegistrationID)
		assert.Equal(t, alice, got.UserID)
		assert.True(t, got.Active)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})
		w := h.do(t, http.MethodPost, "/api/v1/devices", "", map[string]any{"registration_id": "t", "type": "ios"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("User id without handle is unauthorized", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})
		body := bytes.NewBufferString(`{"registration_id":"t","type":"ios"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/devices", body)
		req = req.WithContext(middleware.ContextWithUserID(req.Context(), alice))
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Bad JSON", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/devices", bytes.NewBufferString("{invalid")), alice)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Validation failure", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})
		w := h.do(t, http.MethodPost, "/api/v1/devices", alice, map[string]any{"type": "android"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Duplicate for same owner", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})
		body := map[string]any{"registration_id": "dup", "type": "ios"}
		require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v1/devices", alice, body).Code)

		w := h.do(t, http.MethodPost, "/api/v1/devices", alice, body)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("One device per user", func(t *testing.T) {
		h := setupAPI(t, registration.Options{OneDevicePerUser: true})
		h.do(t, http.MethodPost, "/api/v1/devices", alice, map[string]any{"registration_id": "old", "type": "ios"})
		h.do(t, http.MethodPost, "/api/v1/devices", alice, map[string]any{"registration_id": "new", "type": "ios"})

		tokens, err := h.store.ListTokens(context.Background(), dispatch.DeviceFilter{UserID: alice}.ActiveOnly())
		require.NoError(t, err)
		assert.Equal(t, []string{"new"}, tokens)
	})
}

func TestListDevices(t *testing.T) {
	h := setupAPI(t, registration.Options{})
	h.do(t, http.MethodPost, "/api/v1/devices", alice, map[string]any{"registration_id": "a1", "type": "ios"})
	h.do(t, http.MethodPost, "/api/v1/devices", bob, map[string]any{"registration_id": "b1", "type": "ios"})

	w := h.do(t, http.MethodGet, "/api/v1/devices", alice, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var devices []dispatch.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	assert.Equal(t, []string{"a1"}, dispatch.Tokens(devices))
}

func TestUpdateDevice(t *testing.T) {
	h := setupAPI(t, registration.Options{})
	h.do(t, http.MethodPost, "/api/v1/devices", alice, map[string]any{"registration_id": "a1", "type": "ios"})

	t.Run("Owner can disable", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/v1/devices/a1", alice, map[string]any{"active": false, "name": "old phone"})

		require.Equal(t, http.StatusOK, w.Code)
		var got dispatch.Device
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.False(t, got.Active)
		assert.Equal(t, "old phone", got.Name)
	})

	t.Run("Other users get not found", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/v1/devices/a1", bob, map[string]any{"active": true})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUnregisterDevice(t *testing.T) {
	h := setupAPI(t, registration.Options{})
	h.do(t, http.MethodPost, "/api/v1/devices", alice, map[string]any{"registration_id": "a1", "type": "ios"})

	t.Run("Other users cannot delete", func(t *testing.T) {
		w := h.do(t, http.MethodDelete, "/api/v1/devices/a1", bob, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		devices, err := h.store.List(context.Background(), dispatch.DeviceFilter{UserID: alice})
		require.NoError(t, err)
		assert.Len(t, devices, 1)
	})

	t.Run("Owner delete is idempotent", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/devices/a1", alice, nil).Code)
		assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v1/devices/a1", alice, nil).Code)

		devices, err := h.store.List(context.Background(), dispatch.DeviceFilter{UserID: alice})
		require.NoError(t, err)
		assert.Empty(t, devices)
	})
}

func TestTopicSubscription(t *testing.T) {
	t.Run("Subscribe scopes to caller", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})
		h.topics.On("SetSubscription", mock.Anything, dispatch.DeviceFilter{UserID: alice}, "news", true).
			Return(&sender.TopicResponse{Result: &dispatch.TopicResult{SuccessCount: 2}}, nil)

		w := h.do(t, http.MethodPut, "/api/v1/topics/news", alice, nil)

		require.Equal(t, http.StatusOK, w.Code)
		var got api.TopicResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, api.TopicResponse{Topic: "news", SuccessCount: 2}, got)
		h.topics.AssertExpectations(t)
	})

	t.Run("Unsupported backend", func(t *testing.T) {
		h := setupAPI(t, registration.Options{})
		h.topics.On("SetSubscription", mock.Anything, mock.Anything, "news", false).
			Return(nil, dispatch.ErrTopicsUnsupported)

		w := h.do(t, http.MethodDelete, "/api/v1/topics/news", alice, nil)

		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}
