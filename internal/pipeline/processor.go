package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-device-registry/internal/sender"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// Dispatcher is the send engine surface the processor drives.
type Dispatcher interface {
	SendToQueryset(ctx context.Context, msg *dispatch.Message, filter dispatch.DeviceFilter, additionalTokens ...string) (*sender.Response, error)
	SendToTopic(ctx context.Context, msg *dispatch.Message, topic string) (string, error)
	SetSubscription(ctx context.Context, filter dispatch.DeviceFilter, topic string, subscribe bool, additionalTokens ...string) (*sender.TopicResponse, error)
}

// UserRemover deletes every device of an account.
type UserRemover interface {
	DeleteForUser(ctx context.Context, userID string) (int64, error)
}

// NewProcessor creates the StreamProcessor that executes commands.
//
// Sends are at-most-once: once any push may have left the process, failures
// are logged and the message is acked. Only failures that happen before
// anything was sent, and idempotent operations, return an error for redelivery.
func NewProcessor(
	dispatcher Dispatcher,
	users UserRemover,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[Command] {

	return func(ctx context.Context, original messagepipeline.Message, cmd *Command) error {
		procLogger := logger.With(
			"kind", string(cmd.Kind),
			"pubsub_msg_id", original.ID,
		)

		switch cmd.Kind {
		case KindSend:
			return processSend(ctx, dispatcher, cmd, procLogger)

		case KindSendTopic:
			id, err := dispatcher.SendToTopic(ctx, cmd.Message, cmd.Topic)
			if err != nil {
				procLogger.Error("Topic send failed; not retrying", "topic", cmd.Topic, "err", err)
				return nil
			}
			procLogger.Info("Topic send dispatched", "topic", cmd.Topic, "message_id", id)
			return nil

		case KindSubscribe, KindUnsubscribe:
			subscribe := cmd.Kind == KindSubscribe
			var (
				res *sender.TopicResponse
				err error
			)
			if cmd.hasRegistrySelection() {
				res, err = dispatcher.SetSubscription(ctx, cmd.DeviceFilter(), cmd.Topic, subscribe, cmd.Tokens...)
			} else {
				// Explicit tokens only: an id that matches no device keeps the
				// filter from selecting the whole registry.
				res, err = dispatcher.SetSubscription(ctx, tokensOnly(), cmd.Topic, subscribe, cmd.Tokens...)
			}
			if errors.Is(err, dispatch.ErrTopicsUnsupported) {
				procLogger.Warn("Push backend does not support topics; dropping command")
				return nil
			}
			if err != nil {
				procLogger.Error("Topic subscription failed", "topic", cmd.Topic, "err", err)
				return err
			}
			procLogger.Info("Topic subscription updated",
				"topic", cmd.Topic,
				"success", res.Result.SuccessCount,
				"failure", res.Result.FailureCount,
			)
			return nil

		case KindUserDeleted:
			n, err := users.DeleteForUser(ctx, cmd.UserID)
			if err != nil {
				procLogger.Error("Failed to delete devices for user", "user_id", cmd.UserID, "err", err)
				return err
			}
			procLogger.Info("Deleted devices for removed user", "user_id", cmd.UserID, "devices", n)
			return nil
		}

		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
	}
}

func processSend(ctx context.Context, dispatcher Dispatcher, cmd *Command, logger *slog.Logger) error {
	filter := cmd.DeviceFilter()
	if !cmd.hasRegistrySelection() {
		filter = tokensOnly()
	}

	resp, err := dispatcher.SendToQueryset(ctx, cmd.Message, filter, cmd.Tokens...)
	switch {
	case err == nil:
		logger.Info("Notification dispatched", "summary", resp.Summary())
		return nil
	case resp == nil && errors.Is(err, sender.ErrRegistry):
		// Nothing was sent yet; safe to redeliver.
		logger.Error("Failed to resolve devices", "err", err)
		return err
	case resp != nil:
		logger.Error("Dispatched but failed to reconcile registry", "summary", resp.Summary(), "err", err)
		return nil
	default:
		logger.Error("Dispatch aborted; not retrying", "err", err)
		return nil
	}
}

// tokensOnly selects no registered device.
func tokensOnly() dispatch.DeviceFilter {
	return dispatch.DeviceFilter{RegistrationIDs: []string{""}}
}
