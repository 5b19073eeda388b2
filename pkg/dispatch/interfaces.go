package dispatch

import (
	"context"

	"github.com/google/uuid"
)

// Backend defines the contract for a push provider (e.g., Google's FCM, Apple's APNS).
// Implementations translate provider errors into *BackendError so callers can
// classify them without knowing the SDK.
type Backend interface {
	// Send delivers a single message addressed by Token or Topic and returns the
	// provider-assigned message id.
	Send(ctx context.Context, msg *Message) (string, error)

	// SendEach delivers up to MaxBatchSize messages in one request. The returned
	// outcomes are aligned with msgs. A non-nil error means the whole request failed.
	SendEach(ctx context.Context, msgs []*Message) ([]Outcome, error)

	// ManageTopic subscribes or unsubscribes tokens from a topic.
	ManageTopic(ctx context.Context, tokens []string, topic string, subscribe bool) (*TopicResult, error)

	// MaxBatchSize is the provider's ceiling for SendEach.
	MaxBatchSize() int
}

// Registry is the subset of the device store the send engine needs.
// Token order returned by ListTokens must be stable.
type Registry interface {
	ListTokens(ctx context.Context, filter DeviceFilter) ([]string, error)
	Deactivate(ctx context.Context, tokens []string) (int64, error)
	DeleteTokens(ctx context.Context, tokens []string) (int64, error)
}

// DeviceStore is the full persistence contract for device records.
type DeviceStore interface {
	Registry

	// Create assigns ID and DateCreated and inserts the record.
	Create(ctx context.Context, device *Device) error
	// Update overwrites the mutable fields of an existing record.
	Update(ctx context.Context, device *Device) error
	Get(ctx context.Context, id uuid.UUID) (*Device, error)
	List(ctx context.Context, filter DeviceFilter) ([]Device, error)
	SetActive(ctx context.Context, filter DeviceFilter, active bool) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteForUser removes every record owned by userID (account cascade).
	DeleteForUser(ctx context.Context, userID string) (int64, error)
}
