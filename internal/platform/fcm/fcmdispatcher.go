package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

const (
	// MaxMessagesPerBatch is the SendEach ceiling enforced by the FCM v1 API.
	MaxMessagesPerBatch = 500
	// MaxTokensPerTopicRequest is the SDK limit for topic management calls.
	MaxTokensPerTopicRequest = 1000
)

// Topic management reasons. The Admin SDK passes the raw Instance ID error
// code through; the kebab-case forms are accepted as aliases.
const (
	reasonNotFound         = "NOT_FOUND"
	reasonInvalidArgument  = "INVALID_ARGUMENT"
	reasonPermissionDenied = "PERMISSION_DENIED"
	reasonSenderMismatch   = "SENDER_ID_MISMATCH"

	reasonNotRegisteredAlias       = "registration-token-not-registered"
	reasonInvalidArgumentAlias     = "invalid-argument"
	reasonInvalidRegistrationAlias = "invalid-registration-token"
	reasonMismatchedSenderAlias    = "mismatched-credential"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, msg *messaging.Message) (string, error)
	SendEach(ctx context.Context, msgs []*messaging.Message) (*messaging.BatchResponse, error)
	SendEachDryRun(ctx context.Context, msgs []*messaging.Message) (*messaging.BatchResponse, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

type Backend struct {
	client MessagingClient
	dryRun bool
	logger *slog.Logger
}

// NewBackend wraps a messaging client. With dryRun set, messages are validated
// by FCM but never delivered.
func NewBackend(client MessagingClient, dryRun bool, logger *slog.Logger) *Backend {
	return &Backend{
		client: client,
		dryRun: dryRun,
		logger: logger.With("component", "FCMBackend"),
	}
}

func (b *Backend) MaxBatchSize() int { return MaxMessagesPerBatch }

func (b *Backend) Send(ctx context.Context, msg *dispatch.Message) (string, error) {
	fm := toFirebase(msg)
	var (
		id  string
		err error
	)
	if b.dryRun {
		id, err = b.client.SendDryRun(ctx, fm)
	} else {
		id, err = b.client.Send(ctx, fm)
	}
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

func (b *Backend) SendEach(ctx context.Context, msgs []*dispatch.Message) ([]dispatch.Outcome, error) {
	if len(msgs) > MaxMessagesPerBatch {
		return nil, fmt.Errorf("%w: %d messages, limit %d", dispatch.ErrBatchTooLarge, len(msgs), MaxMessagesPerBatch)
	}
	if len(msgs) == 0 {
		return []dispatch.Outcome{}, nil
	}

	fms := make([]*messaging.Message, len(msgs))
	for i, m := range msgs {
		fms[i] = toFirebase(m)
	}

	var (
		br  *messaging.BatchResponse
		err error
	)
	if b.dryRun {
		br, err = b.client.SendEachDryRun(ctx, fms)
	} else {
		br, err = b.client.SendEach(ctx, fms)
	}
	if err != nil {
		// Whole-request failure (auth, network, malformed batch).
		return nil, fmt.Errorf("fcm transport failed: %w", err)
	}
	if len(br.Responses) != len(msgs) {
		return nil, fmt.Errorf("fcm returned %d responses for %d messages", len(br.Responses), len(msgs))
	}

	outcomes := make([]dispatch.Outcome, len(br.Responses))
	for i, resp := range br.Responses {
		if resp.Success {
			outcomes[i] = dispatch.Outcome{MessageID: resp.MessageID}
			continue
		}
		outcomes[i] = dispatch.Outcome{Err: classify(resp.Error)}
	}

	b.logger.Debug("FCM batch sent", "success", br.SuccessCount, "failure", br.FailureCount)
	return outcomes, nil
}

// ManageTopic issues one SDK call per MaxTokensPerTopicRequest tokens and
// re-bases error indices onto the full token list.
func (b *Backend) ManageTopic(ctx context.Context, tokens []string, topic string, subscribe bool) (*dispatch.TopicResult, error) {
	if topic == "" {
		return nil, dispatch.ErrInvalidTopic
	}

	call := b.client.UnsubscribeFromTopic
	if subscribe {
		call = b.client.SubscribeToTopic
	}

	result := &dispatch.TopicResult{}
	for start := 0; start < len(tokens); start += MaxTokensPerTopicRequest {
		end := min(start+MaxTokensPerTopicRequest, len(tokens))
		resp, err := call(ctx, tokens[start:end], topic)
		if err != nil {
			return nil, fmt.Errorf("fcm topic management failed: %w", err)
		}
		result.SuccessCount += resp.SuccessCount
		result.FailureCount += resp.FailureCount
		for _, e := range resp.Errors {
			result.Errors = append(result.Errors, dispatch.TopicError{
				Index: start + e.Index,
				Err:   classifyReason(e.Reason),
			})
		}
	}
	return result, nil
}

func classify(err error) *dispatch.BackendError {
	if err == nil {
		return nil
	}
	be := &dispatch.BackendError{Category: dispatch.CategoryOther, Err: err}
	switch {
	case messaging.IsUnregistered(err):
		be.Category = dispatch.CategoryUnregistered
		be.Code = "UNREGISTERED"
	case messaging.IsSenderIDMismatch(err):
		be.Category = dispatch.CategorySenderMismatch
		be.Code = "SENDER_ID_MISMATCH"
	case messaging.IsInvalidArgument(err):
		be.Code = "INVALID_ARGUMENT"
		// Only a malformed token makes an invalid argument permanent; a bad
		// payload would fail for every device.
		if isInvalidRegistration(err) {
			be.Category = dispatch.CategoryInvalidRegistration
		}
	}
	return be
}

func isInvalidRegistration(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "registration token") || strings.Contains(msg, "invalid registration")
}

func classifyReason(reason string) *dispatch.BackendError {
	be := &dispatch.BackendError{Category: dispatch.CategoryOther, Code: reason}
	switch reason {
	case reasonNotFound, reasonNotRegisteredAlias:
		be.Category = dispatch.CategoryUnregistered
	case reasonPermissionDenied, reasonSenderMismatch, reasonMismatchedSenderAlias:
		be.Category = dispatch.CategorySenderMismatch
	case reasonInvalidArgument, reasonInvalidArgumentAlias, reasonInvalidRegistrationAlias:
		be.Category = dispatch.CategoryInvalidRegistration
	}
	return be
}

func toFirebase(m *dispatch.Message) *messaging.Message {
	fm := &messaging.Message{
		Token: m.Token,
		Topic: m.Topic,
		Data:  m.Data,
	}

	android := &messaging.AndroidConfig{CollapseKey: m.CollapseKey}
	if m.Priority != "" {
		android.Priority = string(m.Priority)
	}
	if m.TTL > 0 {
		ttl := m.TTL
		android.TTL = &ttl
	}

	if n := m.Notification; n != nil {
		fm.Notification = &messaging.Notification{
			Title:    n.Title,
			Body:     n.Body,
			ImageURL: n.ImageURL,
		}
		if n.Sound != "" {
			android.Notification = &messaging.AndroidNotification{Sound: n.Sound}
		}
		if n.Sound != "" || n.Badge != nil {
			fm.APNS = &messaging.APNSConfig{
				Payload: &messaging.APNSPayload{
					Aps: &messaging.Aps{Sound: n.Sound, Badge: n.Badge},
				},
			}
		}
		fm.Webpush = &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: n.Title,
				Body:  n.Body,
				Image: n.ImageURL,
			},
		}
	}
	fm.Android = android
	return fm
}
