// Package router dispatches conversational actions to capability
// providers, merging per-user dialog state into each request so
// follow-up messages inherit earlier parameters.
package router

import (
	"context"
	"log/slog"

	"github.com/bedah-kym/flowcore/internal/dialog"
	"github.com/bedah-kym/flowcore/internal/logging"
	"github.com/bedah-kym/flowcore/internal/provider"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// ActionRequest is one conversational action to dispatch.
type ActionRequest struct {
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Capability     string         `json:"capability"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
}

// ActionResponse carries the provider outcome plus the parameters the
// dispatch actually used after dialog merging.
type ActionResponse struct {
	Result *provider.Result `json:"result"`
	Params map[string]any   `json:"params"`
	Cached bool             `json:"cached,omitempty"`
}

// Router resolves each action against dialog state and the provider
// registry.
type Router struct {
	providers *provider.Registry
	dialogs   dialog.Store
	limiter   *RateLimiter
	cache     *ResultCache
	logger    *slog.Logger
}

// New creates a Router. limiter and cache may be nil to disable those
// stages.
func New(providers *provider.Registry, dialogs dialog.Store, limiter *RateLimiter, cache *ResultCache, logger *slog.Logger) *Router {
	return &Router{
		providers: providers,
		dialogs:   dialogs,
		limiter:   limiter,
		cache:     cache,
		logger:    logger,
	}
}

// Dispatch runs one action: cached dialog parameters fill gaps in the
// incoming ones (incoming values win on conflict), the merged set is
// rate-limited and dispatched, and the provider's context hints are
// written back for the next turn.
func (r *Router) Dispatch(ctx context.Context, req ActionRequest) (*ActionResponse, error) {
	if req.UserID == "" || req.Capability == "" || req.Action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user_id, capability, and action are required")
	}
	ctx = logging.WithUserID(ctx, req.UserID)

	cached, err := r.dialogs.Get(ctx, req.UserID, req.ConversationID, req.Capability)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "dialog lookup: %s", err.Error()).WithCause(err)
	}
	params := dialog.Merge(cached, req.Params)

	if r.limiter != nil && !r.limiter.Allow(req.UserID, req.Capability) {
		return nil, schema.NewErrorf(schema.ErrCodeRateLimited,
			"rate limit exceeded for %s", req.Capability)
	}

	prov, err := r.providers.Get(req.Capability)
	if err != nil {
		return nil, err
	}

	// Only non-sensitive actions are cacheable; anything with side
	// effects must reach the provider every time.
	key := ""
	if r.cache != nil && !prov.Sensitive(req.Action) {
		key = CacheKey(req.Capability, req.Action, params)
		if hit := r.cache.Get(key); hit != nil {
			r.logger.DebugContext(ctx, "action served from cache",
				slog.String("capability", req.Capability),
				slog.String("action", req.Action),
			)
			return &ActionResponse{Result: hit, Params: params, Cached: true}, nil
		}
	}

	invCtx := map[string]any{
		"user_id":         req.UserID,
		"conversation_id": req.ConversationID,
	}
	res, err := prov.Invoke(ctx, req.Action, params, invCtx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"%s.%s: %s", req.Capability, req.Action, err.Error()).WithCause(err)
	}

	if key != "" && res.Status == provider.StatusSuccess {
		r.cache.Put(key, res)
	}

	// Persist merged params plus whatever the provider wants
	// remembered. The write-back re-reads the stored state atomically,
	// so a concurrent dispatch for the same key cannot have its
	// parameters dropped by this one's stale snapshot.
	writeBack := func(current map[string]any) map[string]any {
		return dialog.Merge(dialog.Merge(current, params), res.ContextHints)
	}
	if err := r.dialogs.Update(ctx, req.UserID, req.ConversationID, req.Capability, writeBack); err != nil {
		r.logger.WarnContext(ctx, "dialog state write failed", slog.Any("error", err))
	}

	r.logger.InfoContext(ctx, "action dispatched",
		slog.String("capability", req.Capability),
		slog.String("action", req.Action),
		slog.String("status", string(res.Status)),
	)
	return &ActionResponse{Result: res, Params: params}, nil
}
