package apns_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-device-registry/internal/platform/apns"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func TestBackend_SendEach(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	base := &dispatch.Message{
		Notification: &dispatch.Notification{Title: "Hello iOS"},
		Data:         map[string]string{"msg_id": "123"},
	}

	t.Run("Happy Path - Success", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		backend := apns.NewBackendWithClient(mockClient, "com.test.app", logger)

		mockClient.On("PushWithContext", mock.Anything, mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == "token-1" && n.Topic == "com.test.app"
		})).Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-1"}, nil)

		outcomes, err := backend.SendEach(ctx, []*dispatch.Message{base.ForToken("token-1")})

		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, "apns-1", outcomes[0].MessageID)
		mockClient.AssertExpectations(t)
	})

	t.Run("Rejection reasons are classified", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		backend := apns.NewBackendWithClient(mockClient, "com.test.app", logger)

		respond := func(token, reason string, status int) {
			mockClient.On("PushWithContext", mock.Anything, mock.MatchedBy(func(n *apns2.Notification) bool {
				return n.DeviceToken == token
			})).Return(&apns2.Response{StatusCode: status, Reason: reason}, nil)
		}
		respond("bad", apns2.ReasonBadDeviceToken, http.StatusBadRequest)
		respond("gone", apns2.ReasonUnregistered, http.StatusGone)
		respond("other-app", apns2.ReasonDeviceTokenNotForTopic, http.StatusBadRequest)
		respond("busy", apns2.ReasonTooManyRequests, http.StatusTooManyRequests)

		msgs := []*dispatch.Message{base.ForToken("bad"), base.ForToken("gone"), base.ForToken("other-app"), base.ForToken("busy")}
		outcomes, err := backend.SendEach(ctx, msgs)

		require.NoError(t, err)
		require.Len(t, outcomes, 4)
		assert.Equal(t, dispatch.CategoryInvalidRegistration, outcomes[0].Err.Category)
		assert.Equal(t, dispatch.CategoryUnregistered, outcomes[1].Err.Category)
		assert.Equal(t, dispatch.CategorySenderMismatch, outcomes[2].Err.Category)
		assert.Equal(t, dispatch.CategoryOther, outcomes[3].Err.Category)
	})

	t.Run("Transport failure is a per-token outcome", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		backend := apns.NewBackendWithClient(mockClient, "com.test.app", logger)

		mockClient.On("PushWithContext", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		outcomes, err := backend.SendEach(ctx, []*dispatch.Message{base.ForToken("token-1")})

		require.NoError(t, err)
		assert.False(t, outcomes[0].Success())
		assert.False(t, outcomes[0].Err.Category.Permanent())
	})

	t.Run("Cancelled context aborts", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		backend := apns.NewBackendWithClient(mockClient, "com.test.app", logger)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := backend.SendEach(cctx, []*dispatch.Message{base.ForToken("token-1")})

		require.ErrorIs(t, err, context.Canceled)
		mockClient.AssertNotCalled(t, "PushWithContext", mock.Anything, mock.Anything)
	})
}

func TestBackend_Send(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("Returns classified error", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		backend := apns.NewBackendWithClient(mockClient, "com.test.app", logger)
		mockClient.On("PushWithContext", mock.Anything, mock.Anything).
			Return(&apns2.Response{StatusCode: http.StatusGone, Reason: apns2.ReasonUnregistered}, nil)

		_, err := backend.Send(ctx, (&dispatch.Message{}).ForToken("gone"))

		require.Error(t, err)
		assert.Equal(t, dispatch.CategoryUnregistered, dispatch.CategoryOf(err))
	})

	t.Run("Topics unsupported", func(t *testing.T) {
		backend := apns.NewBackendWithClient(new(MockAPNSClient), "com.test.app", logger)

		_, err := backend.Send(ctx, (&dispatch.Message{}).ForTopic("news"))
		require.ErrorIs(t, err, dispatch.ErrTopicsUnsupported)

		_, err = backend.ManageTopic(ctx, []string{"a"}, "news", true)
		require.ErrorIs(t, err, dispatch.ErrTopicsUnsupported)
	})
}
