// Package web provides a VAPID Web Push backend. A registration token is the
// browser's PushSubscription serialized as JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

const (
	// MaxMessagesPerBatch bounds SendEach; each message is its own request.
	MaxMessagesPerBatch = 500
	// DefaultTTL is used when a message carries no TTL.
	DefaultTTL = 60 * time.Second
	// maxTopicLength is the Web Push limit on the Topic header.
	maxTopicLength = 32
)

// Config holds the VAPID key pair and the contact the push service sees.
type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type Backend struct {
	cfg        Config
	httpClient webpush.HTTPClient
	logger     *slog.Logger
}

// NewBackend creates a Web Push backend. A nil client means http.DefaultClient.
func NewBackend(cfg Config, client webpush.HTTPClient, logger *slog.Logger) *Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &Backend{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With("component", "WebPushBackend"),
	}
}

func (b *Backend) MaxBatchSize() int { return MaxMessagesPerBatch }

func (b *Backend) Send(ctx context.Context, msg *dispatch.Message) (string, error) {
	if msg.Topic != "" {
		return "", dispatch.ErrTopicsUnsupported
	}
	id, be, err := b.push(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("web push transport failed: %w", err)
	}
	if be != nil {
		return "", be
	}
	return id, nil
}

// SendEach pushes sequentially. Transport failures become per-token outcomes;
// only a cancelled context aborts the batch.
func (b *Backend) SendEach(ctx context.Context, msgs []*dispatch.Message) ([]dispatch.Outcome, error) {
	if len(msgs) > MaxMessagesPerBatch {
		return nil, fmt.Errorf("%w: %d messages, limit %d", dispatch.ErrBatchTooLarge, len(msgs), MaxMessagesPerBatch)
	}

	outcomes := make([]dispatch.Outcome, len(msgs))
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, be, err := b.push(ctx, msg)
		switch {
		case err != nil:
			b.logger.Error("WebPush transport error", "err", err)
			outcomes[i] = dispatch.Outcome{Err: &dispatch.BackendError{Category: dispatch.CategoryOther, Code: "transport", Err: err}}
		case be != nil:
			outcomes[i] = dispatch.Outcome{Err: be}
		default:
			outcomes[i] = dispatch.Outcome{MessageID: id}
		}
	}
	return outcomes, nil
}

func (b *Backend) ManageTopic(_ context.Context, _ []string, _ string, _ bool) (*dispatch.TopicResult, error) {
	return nil, dispatch.ErrTopicsUnsupported
}

// push returns a message id, a classified rejection, or a transport error.
func (b *Backend) push(ctx context.Context, msg *dispatch.Message) (string, *dispatch.BackendError, error) {
	sub, err := parseSubscription(msg.Token)
	if err != nil {
		return "", &dispatch.BackendError{Category: dispatch.CategoryInvalidRegistration, Code: "malformed-subscription", Err: err}, nil
	}

	body, err := json.Marshal(struct {
		Notification *dispatch.Notification `json:"notification,omitempty"`
		Data         map[string]string      `json:"data,omitempty"`
	}{msg.Notification, msg.Data})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, b.options(msg))
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusAccepted:
		return resp.Header.Get("Location"), nil, nil
	case http.StatusGone, http.StatusNotFound:
		return "", &dispatch.BackendError{
			Category: dispatch.CategoryUnregistered,
			Code:     strconv.Itoa(resp.StatusCode),
			Err:      fmt.Errorf("subscription expired (status %d)", resp.StatusCode),
		}, nil
	case http.StatusForbidden:
		// The subscription was created for a different application server key.
		return "", &dispatch.BackendError{
			Category: dispatch.CategorySenderMismatch,
			Code:     strconv.Itoa(resp.StatusCode),
			Err:      errors.New("vapid key does not match subscription"),
		}, nil
	default:
		b.logger.Warn("WebPush rejected", "status", resp.StatusCode)
		return "", &dispatch.BackendError{
			Category: dispatch.CategoryOther,
			Code:     strconv.Itoa(resp.StatusCode),
			Err:      fmt.Errorf("push service returned status %d", resp.StatusCode),
		}, nil
	}
}

func (b *Backend) options(msg *dispatch.Message) *webpush.Options {
	ttl := msg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := &webpush.Options{
		HTTPClient:      b.httpClient,
		Subscriber:      b.cfg.SubscriberEmail,
		VAPIDPublicKey:  b.cfg.PublicKey,
		VAPIDPrivateKey: b.cfg.PrivateKey,
		TTL:             int(ttl.Seconds()),
		Urgency:         webpush.UrgencyNormal,
	}
	if msg.Priority == dispatch.PriorityHigh {
		opts.Urgency = webpush.UrgencyHigh
	}
	if len(msg.CollapseKey) <= maxTopicLength {
		opts.Topic = msg.CollapseKey
	}
	return opts
}

func parseSubscription(token string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return nil, fmt.Errorf("token is not a push subscription: %w", err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, errors.New("push subscription is missing endpoint or keys")
	}
	return &sub, nil
}
