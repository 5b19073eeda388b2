package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// ErrRegistry marks failures to read or write the device registry, as opposed
// to push backend failures.
var ErrRegistry = errors.New("device registry failure")

// Response aggregates a fan-out over many devices.
type Response struct {
	// SentTokens are the tokens handed to the backend, in dispatch order.
	SentTokens []string
	// Results is aligned with SentTokens.
	Results           []dispatch.Outcome
	DeactivatedTokens []string
	SuccessCount      int
	FailureCount      int
}

// Summary renders the counts operator tooling shows after a bulk send.
func (r *Response) Summary() string {
	return fmt.Sprintf("sent:%d success:%d failure:%d deactivated:%d",
		len(r.SentTokens), r.SuccessCount, r.FailureCount, len(r.DeactivatedTokens))
}

// TopicResponse aggregates a topic subscription change.
type TopicResponse struct {
	Result            *dispatch.TopicResult
	SentTokens        []string
	DeactivatedTokens []string
}

// Sender is the entry point for every push operation. It holds an explicit
// backend handle; there is no package-level default.
type Sender struct {
	backend    dispatch.Backend
	registry   dispatch.Registry
	reconciler *Reconciler
	logger     *slog.Logger
}

// Options carries the registry policies the sender applies.
type Options struct {
	// DeleteInactive hard-deletes permanently invalid tokens after deactivating them.
	DeleteInactive bool
}

func New(backend dispatch.Backend, registry dispatch.Registry, opts Options, logger *slog.Logger) *Sender {
	return &Sender{
		backend:    backend,
		registry:   registry,
		reconciler: NewReconciler(registry, opts.DeleteInactive, logger),
		logger:     logger.With("component", "Sender"),
	}
}

// SendToQueryset sends msg to every active device matching filter plus
// additionalTokens. Per-token failures are counted, never returned as errors;
// only a chunk-level backend failure or a registry failure is.
//
// If reconciling the registry fails after a successful send, the populated
// Response is returned together with the error.
func (s *Sender) SendToQueryset(ctx context.Context, msg *dispatch.Message, filter dispatch.DeviceFilter, additionalTokens ...string) (*Response, error) {
	tokens, err := s.registry.ListTokens(ctx, filter.ActiveOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list device tokens: %w", ErrRegistry, err)
	}
	tokens = append(tokens, additionalTokens...)

	resp := &Response{SentTokens: tokens, Results: []dispatch.Outcome{}}
	if len(tokens) == 0 {
		s.logger.Debug("No active devices matched; nothing sent")
		return resp, nil
	}

	outcomes, err := SendBatches(ctx, s.backend, msg, tokens)
	if err != nil {
		s.logger.Error("Batch send aborted", "tokens", len(tokens), "err", err)
		return nil, err
	}
	resp.Results = outcomes
	for _, o := range outcomes {
		if o.Success() {
			resp.SuccessCount++
		} else {
			resp.FailureCount++
		}
	}

	resp.DeactivatedTokens = TokensToDeactivate(tokens, outcomes)
	if err := s.reconciler.Apply(ctx, resp.DeactivatedTokens); err != nil {
		return resp, err
	}

	s.logger.Info("Bulk send complete", "summary", resp.Summary())
	return resp, nil
}

// SendToDevice sends msg to one device regardless of its active flag and
// returns the backend message id. Every backend error is returned unchanged;
// a permanent one first deactivates the device's token.
func (s *Sender) SendToDevice(ctx context.Context, msg *dispatch.Message, device *dispatch.Device) (string, error) {
	id, err := s.backend.Send(ctx, msg.ForToken(device.RegistrationID))
	if err == nil {
		return id, nil
	}
	if Permanent(err) {
		if rerr := s.reconciler.Apply(ctx, []string{device.RegistrationID}); rerr != nil {
			s.logger.Error("Failed to reconcile invalid device", "device_id", device.ID, "err", rerr)
		}
	}
	return "", err
}

// SendToTopic broadcasts msg to the subscribers of topic. The registry is not consulted.
func (s *Sender) SendToTopic(ctx context.Context, msg *dispatch.Message, topic string) (string, error) {
	if topic == "" {
		return "", dispatch.ErrInvalidTopic
	}
	return s.backend.Send(ctx, msg.ForTopic(topic))
}

// SetSubscription subscribes (or unsubscribes) every active device matching
// filter, plus additionalTokens, to topic with a single backend call.
func (s *Sender) SetSubscription(ctx context.Context, filter dispatch.DeviceFilter, topic string, subscribe bool, additionalTokens ...string) (*TopicResponse, error) {
	if topic == "" {
		return nil, dispatch.ErrInvalidTopic
	}
	tokens, err := s.registry.ListTokens(ctx, filter.ActiveOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list device tokens: %w", ErrRegistry, err)
	}
	return s.manageTopic(ctx, append(tokens, additionalTokens...), topic, subscribe)
}

// SetDeviceSubscription is SetSubscription for a single device, active or not.
func (s *Sender) SetDeviceSubscription(ctx context.Context, device *dispatch.Device, topic string, subscribe bool) (*TopicResponse, error) {
	if topic == "" {
		return nil, dispatch.ErrInvalidTopic
	}
	return s.manageTopic(ctx, []string{device.RegistrationID}, topic, subscribe)
}

func (s *Sender) manageTopic(ctx context.Context, tokens []string, topic string, subscribe bool) (*TopicResponse, error) {
	resp := &TopicResponse{Result: &dispatch.TopicResult{}, SentTokens: tokens}
	if len(tokens) == 0 {
		return resp, nil
	}

	result, err := s.backend.ManageTopic(ctx, tokens, topic, subscribe)
	if err != nil {
		s.logger.Error("Topic management failed", "topic", topic, "subscribe", subscribe, "err", err)
		return nil, err
	}
	resp.Result = result
	resp.DeactivatedTokens = TopicTokensToDeactivate(tokens, result.Errors)
	if err := s.reconciler.Apply(ctx, resp.DeactivatedTokens); err != nil {
		return resp, err
	}

	s.logger.Info("Topic subscription updated",
		"topic", topic,
		"subscribe", subscribe,
		"success", result.SuccessCount,
		"failure", result.FailureCount,
		"deactivated", len(resp.DeactivatedTokens),
	)
	return resp, nil
}
