package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/roamly/roamchat/internal/client/rest"
	"github.com/roamly/roamchat/internal/client/store"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

// API is the server-side find-or-create operation.
type API interface {
	Resolve(ctx context.Context, req wire.ResolveRequest) (*wire.Conversation, error)
}

const (
	maxAttempts = 3
	backoff     = 500 * time.Millisecond
)

// Resolver finds or creates the durable conversation with a counterpart,
// retrying transient failures and degrading to a client-local placeholder
// when the server stays unreachable. Placeholders are promoted to the
// durable conversation the next time resolution succeeds, moving any
// locally queued messages along.
type Resolver struct {
	api     API
	db      *store.DB
	backoff time.Duration
	logger  *zap.Logger
}

// New creates a resolver.
func New(api API, db *store.DB, logger *zap.Logger) *Resolver {
	return &Resolver{api: api, db: db, backoff: backoff, logger: logger}
}

// GetOrCreate returns the conversation with counterpartID scoped by the
// optional contextID. The result is durable when the server answered, or
// a local placeholder (Conversation.Local) in degraded mode. Validation
// failures are final and returned as-is.
func (r *Resolver) GetOrCreate(ctx context.Context, counterpartID, contextID string) (*store.Conversation, error) {
	if counterpartID == "" {
		return nil, &rest.ValidationError{Message: "missing counterpart"}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conv, err := r.api.Resolve(ctx, wire.ResolveRequest{
			RecipientID: counterpartID,
			ContextID:   contextID,
		})
		switch {
		case err == nil && conv.ID != "" && conv.ContextID == contextID:
			return r.adopt(conv, counterpartID, contextID)

		case err == nil:
			// Malformed or context-mismatched result: treat like a
			// transient failure and try again.
			r.logger.Warn("rejecting resolved conversation",
				zap.String("conversation_id", conv.ID),
				zap.String("got_context", conv.ContextID),
				zap.String("want_context", contextID))

		case errors.Is(err, rest.ErrAuthExpired):
			// Never retry an expired credential; degrade so the UI
			// stays usable while the user reauthenticates.
			r.logger.Warn("resolve auth expired, degrading to local conversation")
			return r.degrade(counterpartID, contextID)

		case rest.IsValidation(err):
			return nil, err

		default:
			r.logger.Warn("resolve attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt < maxAttempts {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return r.degrade(counterpartID, contextID)
			}
		}
	}

	return r.degrade(counterpartID, contextID)
}

// adopt records the durable conversation in the cache and promotes any
// existing local placeholder for the same counterpart and context.
func (r *Resolver) adopt(conv *wire.Conversation, counterpartID, contextID string) (*store.Conversation, error) {
	durable := &store.Conversation{
		ID:            conv.ID,
		CounterpartID: counterpartID,
		ContextID:     contextID,
		LastMessage:   conv.LastMessage,
		LastMessageAt: conv.LastMessageAt,
	}

	local, err := r.db.FindLocalConversation(counterpartID, contextID)
	if err != nil {
		return nil, err
	}
	if local != nil {
		if err := r.db.PromoteConversation(local.ID, durable); err != nil {
			return nil, err
		}
		r.logger.Info("local conversation promoted",
			zap.String("local_id", local.ID), zap.String("durable_id", durable.ID))
		return durable, nil
	}

	if err := r.db.UpsertConversation(durable); err != nil {
		return nil, err
	}
	return durable, nil
}

// degrade returns (creating if needed) the local placeholder so the UI
// can keep accepting messages while the server is unreachable.
func (r *Resolver) degrade(counterpartID, contextID string) (*store.Conversation, error) {
	existing, err := r.db.FindLocalConversation(counterpartID, contextID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	local := &store.Conversation{
		ID:            wire.NewLocalID().Value,
		Local:         true,
		CounterpartID: counterpartID,
		ContextID:     contextID,
	}
	if err := r.db.UpsertConversation(local); err != nil {
		return nil, err
	}
	r.logger.Info("created local conversation",
		zap.String("conversation_id", local.ID), zap.String("counterpart_id", counterpartID))
	return local, nil
}
