package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// Permanent reports whether err means the token can never receive pushes.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	return dispatch.CategoryOf(err).Permanent()
}

// TokensToDeactivate returns the tokens whose outcome is a permanent failure.
// outcomes must be aligned with tokens. The result keeps first-seen order and
// holds each token once.
func TokensToDeactivate(tokens []string, outcomes []dispatch.Outcome) []string {
	var out []string
	seen := make(map[string]struct{})
	for i, o := range outcomes {
		if i >= len(tokens) || o.Success() || !o.Err.Category.Permanent() {
			continue
		}
		out = appendUnique(out, seen, tokens[i])
	}
	return out
}

// TopicTokensToDeactivate maps index-addressed topic errors back onto tokens.
// Indices outside tokens are ignored.
func TopicTokensToDeactivate(tokens []string, errs []dispatch.TopicError) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, e := range errs {
		if e.Index < 0 || e.Index >= len(tokens) || e.Err == nil || !e.Err.Category.Permanent() {
			continue
		}
		out = appendUnique(out, seen, tokens[e.Index])
	}
	return out
}

func appendUnique(out []string, seen map[string]struct{}, token string) []string {
	if _, ok := seen[token]; ok {
		return out
	}
	seen[token] = struct{}{}
	return append(out, token)
}

// Reconciler applies classifier decisions to the registry.
type Reconciler struct {
	registry       dispatch.Registry
	deleteInactive bool
	logger         *slog.Logger
}

func NewReconciler(registry dispatch.Registry, deleteInactive bool, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		registry:       registry,
		deleteInactive: deleteInactive,
		logger:         logger.With("component", "Reconciler"),
	}
}

// Apply deactivates tokens and, when configured, deletes them.
func (r *Reconciler) Apply(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	n, err := r.registry.Deactivate(ctx, tokens)
	if err != nil {
		return fmt.Errorf("%w: failed to deactivate %d tokens: %w", ErrRegistry, len(tokens), err)
	}
	r.logger.Info("Deactivated invalid tokens", "tokens", len(tokens), "rows", n)

	if !r.deleteInactive {
		return nil
	}
	n, err = r.registry.DeleteTokens(ctx, tokens)
	if err != nil {
		return fmt.Errorf("%w: failed to delete %d tokens: %w", ErrRegistry, len(tokens), err)
	}
	r.logger.Info("Deleted invalid tokens", "tokens", len(tokens), "rows", n)
	return nil
}
