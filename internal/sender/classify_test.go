package sender_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-device-registry/internal/sender"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

func failed(cat dispatch.ErrorCategory) dispatch.Outcome {
	return dispatch.Outcome{Err: &dispatch.BackendError{Category: cat}}
}

func TestPermanent(t *testing.T) {
	assert.False(t, sender.Permanent(nil))
	assert.False(t, sender.Permanent(errors.New("timeout")))
	assert.False(t, sender.Permanent(&dispatch.BackendError{Category: dispatch.CategoryOther}))
	assert.True(t, sender.Permanent(&dispatch.BackendError{Category: dispatch.CategoryUnregistered}))
	assert.True(t, sender.Permanent(&dispatch.BackendError{Category: dispatch.CategorySenderMismatch}))
	assert.True(t, sender.Permanent(&dispatch.BackendError{Category: dispatch.CategoryInvalidRegistration}))
}

func TestTokensToDeactivate(t *testing.T) {
	tokens := []string{"ok", "gone", "busy", "mismatch", "bad", "gone"}
	outcomes := []dispatch.Outcome{
		{MessageID: "1"},
		failed(dispatch.CategoryUnregistered),
		failed(dispatch.CategoryOther),
		failed(dispatch.CategorySenderMismatch),
		failed(dispatch.CategoryInvalidRegistration),
		failed(dispatch.CategoryUnregistered),
	}

	got := sender.TokensToDeactivate(tokens, outcomes)

	assert.Equal(t, []string{"gone", "mismatch", "bad"}, got)
	assert.Equal(t, got, sender.TokensToDeactivate(tokens, outcomes))
	assert.Empty(t, sender.TokensToDeactivate(nil, nil))
	assert.Empty(t, sender.TokensToDeactivate([]string{"a"}, []dispatch.Outcome{{MessageID: "1"}}))
}

func TestTopicTokensToDeactivate(t *testing.T) {
	tokens := []string{"a", "b", "c"}
	errs := []dispatch.TopicError{
		{Index: 1, Err: &dispatch.BackendError{Category: dispatch.CategoryInvalidRegistration}},
		{Index: 2, Err: &dispatch.BackendError{Category: dispatch.CategoryOther}},
		{Index: 7, Err: &dispatch.BackendError{Category: dispatch.CategoryUnregistered}},
	}

	assert.Equal(t, []string{"b"}, sender.TopicTokensToDeactivate(tokens, errs))
}

func TestReconciler_Apply(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Empty list touches nothing", func(t *testing.T) {
		registry := new(MockRegistry)
		require.NoError(t, sender.NewReconciler(registry, true, logger).Apply(ctx, nil))
		registry.AssertNotCalled(t, "Deactivate", mock.Anything, mock.Anything)
		registry.AssertNotCalled(t, "DeleteTokens", mock.Anything, mock.Anything)
	})

	t.Run("Deactivate only by default", func(t *testing.T) {
		registry := new(MockRegistry)
		registry.On("Deactivate", ctx, []string{"x"}).Return(1, nil)

		require.NoError(t, sender.NewReconciler(registry, false, logger).Apply(ctx, []string{"x"}))

		registry.AssertExpectations(t)
		registry.AssertNotCalled(t, "DeleteTokens", mock.Anything, mock.Anything)
	})

	t.Run("Deactivate then delete when configured", func(t *testing.T) {
		registry := new(MockRegistry)
		registry.On("Deactivate", ctx, []string{"x"}).Return(1, nil).Once()
		registry.On("DeleteTokens", ctx, []string{"x"}).Return(1, nil).Once()

		require.NoError(t, sender.NewReconciler(registry, true, logger).Apply(ctx, []string{"x"}))
		registry.AssertExpectations(t)
	})

	t.Run("Registry failure is returned", func(t *testing.T) {
		registry := new(MockRegistry)
		registry.On("Deactivate", ctx, []string{"x"}).Return(0, errors.New("db down"))

		err := sender.NewReconciler(registry, true, logger).Apply(ctx, []string{"x"})
		assert.ErrorContains(t, err, "db down")
		registry.AssertNotCalled(t, "DeleteTokens", mock.Anything, mock.Anything)
	})
}
