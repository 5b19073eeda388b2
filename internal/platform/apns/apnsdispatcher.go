// Package apns provides a push backend for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// MaxMessagesPerBatch bounds SendEach. APNs has no multicast endpoint so this
// only limits how long one call holds the caller.
const MaxMessagesPerBatch = 500

// APNSClient defines the subset of the apns2.Client methods we use.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Backend struct {
	client APNSClient
	topic  string // The App Bundle ID
	logger *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Production   bool
}

// NewBackend creates a configured APNS backend.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return NewBackendWithClient(client, cfg.BundleID, logger), nil
}

func NewBackendWithClient(client APNSClient, bundleID string, logger *slog.Logger) *Backend {
	return &Backend{
		client: client,
		topic:  bundleID,
		logger: logger.With("component", "APNSBackend"),
	}
}

func (b *Backend) MaxBatchSize() int { return MaxMessagesPerBatch }

func (b *Backend) Send(ctx context.Context, msg *dispatch.Message) (string, error) {
	if msg.Topic != "" {
		return "", dispatch.ErrTopicsUnsupported
	}
	res, err := b.client.PushWithContext(ctx, b.notification(msg))
	if err != nil {
		return "", fmt.Errorf("apns transport failed: %w", err)
	}
	if !res.Sent() {
		return "", classify(res)
	}
	return res.ApnsID, nil
}

// SendEach pushes sequentially; the HTTP/2 API is unary. A transport failure
// for one token is reported as that token's outcome, only a cancelled context
// aborts the batch.
func (b *Backend) SendEach(ctx context.Context, msgs []*dispatch.Message) ([]dispatch.Outcome, error) {
	if len(msgs) > MaxMessagesPerBatch {
		return nil, fmt.Errorf("%w: %d messages, limit %d", dispatch.ErrBatchTooLarge, len(msgs), MaxMessagesPerBatch)
	}

	outcomes := make([]dispatch.Outcome, len(msgs))
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := b.client.PushWithContext(ctx, b.notification(msg))
		if err != nil {
			b.logger.Error("APNs transport failed", "token", msg.Token, "err", err)
			outcomes[i] = dispatch.Outcome{Err: &dispatch.BackendError{Category: dispatch.CategoryOther, Code: "transport", Err: err}}
			continue
		}
		if res.Sent() {
			outcomes[i] = dispatch.Outcome{MessageID: res.ApnsID}
			continue
		}
		be := classify(res)
		if !be.Category.Permanent() {
			b.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
		outcomes[i] = dispatch.Outcome{Err: be}
	}
	return outcomes, nil
}

func (b *Backend) ManageTopic(_ context.Context, _ []string, _ string, _ bool) (*dispatch.TopicResult, error) {
	return nil, dispatch.ErrTopicsUnsupported
}

func (b *Backend) notification(msg *dispatch.Message) *apns2.Notification {
	p := payload.NewPayload()
	if n := msg.Notification; n != nil {
		p.AlertTitle(n.Title).AlertBody(n.Body)
		if n.Sound != "" {
			p.Sound(n.Sound)
		}
		if n.Badge != nil {
			p.Badge(*n.Badge)
		}
	} else {
		p.ContentAvailable()
	}
	for k, v := range msg.Data {
		p.Custom(k, v)
	}

	note := &apns2.Notification{
		DeviceToken: msg.Token,
		Topic:       b.topic,
		Payload:     p,
		CollapseID:  msg.CollapseKey,
	}
	if msg.Priority == dispatch.PriorityNormal {
		note.Priority = apns2.PriorityLow
	}
	return note
}

// classify maps APNs rejection reasons onto error categories.
// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
func classify(res *apns2.Response) *dispatch.BackendError {
	be := &dispatch.BackendError{
		Category: dispatch.CategoryOther,
		Code:     res.Reason,
		Err:      fmt.Errorf("apns rejected notification: %s (status %s)", res.Reason, strconv.Itoa(res.StatusCode)),
	}
	switch res.Reason {
	case apns2.ReasonUnregistered:
		be.Category = dispatch.CategoryUnregistered
	case apns2.ReasonBadDeviceToken:
		be.Category = dispatch.CategoryInvalidRegistration
	case apns2.ReasonDeviceTokenNotForTopic:
		be.Category = dispatch.CategorySenderMismatch
	}
	return be
}
