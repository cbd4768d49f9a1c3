package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedah-kym/flowcore/internal/dialog"
	"github.com/bedah-kym/flowcore/internal/provider"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// recordingProvider captures the params of every invocation.
type recordingProvider struct {
	name      string
	sensitive map[string]bool
	result    *provider.Result
	err       error
	params    []map[string]any
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) Sensitive(action string) bool { return p.sensitive[action] }

func (p *recordingProvider) Invoke(_ context.Context, _ string, params map[string]any, _ map[string]any) (*provider.Result, error) {
	p.params = append(p.params, params)
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func newTestRouter(t *testing.T, p provider.Provider, limiter *RateLimiter, cache *ResultCache) (*Router, dialog.Store) {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(p))
	dialogs := dialog.NewMemoryStore(dialog.DefaultTTL)
	return New(reg, dialogs, limiter, cache, slog.New(slog.NewTextHandler(io.Discard, nil))), dialogs
}

func travelRequest(params map[string]any) ActionRequest {
	return ActionRequest{
		UserID:         "u1",
		ConversationID: "c1",
		Capability:     "travel",
		Action:         "search",
		Params:         params,
	}
}

// --- Dialog merging ---

func TestDispatch_MergesCachedDialogState(t *testing.T) {
	p := &recordingProvider{name: "travel", result: &provider.Result{Status: provider.StatusSuccess}}
	r, dialogs := newTestRouter(t, p, nil, nil)
	ctx := context.Background()

	require.NoError(t, dialogs.Put(ctx, "u1", "c1", "travel", map[string]any{"city": "Paris", "month": "June"}))

	resp, err := r.Dispatch(ctx, travelRequest(map[string]any{"month": "July"}))
	require.NoError(t, err)

	// New value wins, cached value fills the gap.
	assert.Equal(t, "July", resp.Params["month"])
	assert.Equal(t, "Paris", resp.Params["city"])
	require.Len(t, p.params, 1)
	assert.Equal(t, "July", p.params[0]["month"])
}

func TestDispatch_PersistsMergedState(t *testing.T) {
	p := &recordingProvider{name: "travel", result: &provider.Result{Status: provider.StatusSuccess}}
	r, dialogs := newTestRouter(t, p, nil, nil)
	ctx := context.Background()

	_, err := r.Dispatch(ctx, travelRequest(map[string]any{"city": "Rome"}))
	require.NoError(t, err)

	cached, err := dialogs.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Equal(t, "Rome", cached["city"])
}

func TestDispatch_FoldsContextHints(t *testing.T) {
	p := &recordingProvider{name: "travel", result: &provider.Result{
		Status:       provider.StatusSuccess,
		ContextHints: map[string]any{"session": "s-9"},
	}}
	r, dialogs := newTestRouter(t, p, nil, nil)
	ctx := context.Background()

	_, err := r.Dispatch(ctx, travelRequest(map[string]any{"city": "Rome"}))
	require.NoError(t, err)

	cached, err := dialogs.Get(ctx, "u1", "c1", "travel")
	require.NoError(t, err)
	assert.Equal(t, "s-9", cached["session"])
	assert.Equal(t, "Rome", cached["city"])
}

// interleavingProvider writes dialog state mid-invocation, standing in
// for a concurrent dispatch that lands between this one's read and its
// write-back.
type interleavingProvider struct {
	dialogs dialog.Store
}

func (p *interleavingProvider) Name() string          { return "travel" }
func (p *interleavingProvider) Sensitive(string) bool { return false }

func (p *interleavingProvider) Invoke(ctx context.Context, _ string, _ map[string]any, _ map[string]any) (*provider.Result, error) {
	err := p.dialogs.Update(ctx, "u1", "c1", "travel", func(current map[string]any) map[string]any {
		current["traveler"] = "sam"
		return current
	})
	if err != nil {
		return nil, err
	}
	return &provider.Result{Status: provider.StatusSuccess, ContextHints: map[string]any{"session": "s-1"}}, nil
}

func TestDispatch_WriteBackKeepsConcurrentState(t *testing.T) {
	dialogs := dialog.NewMemoryStore(dialog.DefaultTTL)
	p := &interleavingProvider{dialogs: dialogs}
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(p))
	r := New(reg, dialogs, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := r.Dispatch(context.Background(), travelRequest(map[string]any{"city": "Rome"}))
	require.NoError(t, err)

	cached, err := dialogs.Get(context.Background(), "u1", "c1", "travel")
	require.NoError(t, err)
	// The mid-flight write survives alongside the merged params and the
	// provider's hints; a stale-snapshot Put would have dropped it.
	assert.Equal(t, "sam", cached["traveler"])
	assert.Equal(t, "Rome", cached["city"])
	assert.Equal(t, "s-1", cached["session"])
}

// --- Validation and errors ---

func TestDispatch_RequiredFields(t *testing.T) {
	p := &recordingProvider{name: "travel", result: &provider.Result{Status: provider.StatusSuccess}}
	r, _ := newTestRouter(t, p, nil, nil)

	_, err := r.Dispatch(context.Background(), ActionRequest{Capability: "travel", Action: "search"})
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestDispatch_UnknownCapability(t *testing.T) {
	p := &recordingProvider{name: "travel", result: &provider.Result{Status: provider.StatusSuccess}}
	r, _ := newTestRouter(t, p, nil, nil)

	req := travelRequest(nil)
	req.Capability = "teleport"
	_, err := r.Dispatch(context.Background(), req)
	assert.Error(t, err)
}

func TestDispatch_ProviderErrorWrapped(t *testing.T) {
	p := &recordingProvider{name: "travel", err: errors.New("upstream down")}
	r, _ := newTestRouter(t, p, nil, nil)

	_, err := r.Dispatch(context.Background(), travelRequest(nil))
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeProvider, flowErr.Code)
}

// --- Rate limiting ---

func TestDispatch_RateLimited(t *testing.T) {
	p := &recordingProvider{name: "travel", result: &provider.Result{Status: provider.StatusSuccess}}
	limiter := NewRateLimiter(2, time.Minute)
	r, _ := newTestRouter(t, p, limiter, nil)
	ctx := context.Background()

	_, err := r.Dispatch(ctx, travelRequest(nil))
	require.NoError(t, err)
	_, err = r.Dispatch(ctx, travelRequest(nil))
	require.NoError(t, err)

	_, err = r.Dispatch(ctx, travelRequest(nil))
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeRateLimited, flowErr.Code)
	assert.Len(t, p.params, 2)
}

// --- Result caching ---

func TestDispatch_CachesReadOnlyResults(t *testing.T) {
	p := &recordingProvider{name: "travel", result: &provider.Result{
		Status: provider.StatusSuccess,
		Data:   map[string]any{"flights": []any{"fl-1"}},
	}}
	r, _ := newTestRouter(t, p, nil, NewResultCache(time.Minute))
	ctx := context.Background()

	first, err := r.Dispatch(ctx, travelRequest(map[string]any{"city": "Rome"}))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Dispatch(ctx, travelRequest(map[string]any{"city": "Rome"}))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Result, second.Result)
	assert.Len(t, p.params, 1)
}

func TestDispatch_SensitiveActionsNeverCached(t *testing.T) {
	p := &recordingProvider{
		name:      "payments",
		sensitive: map[string]bool{"transfer": true},
		result:    &provider.Result{Status: provider.StatusSuccess},
	}
	r, _ := newTestRouter(t, p, nil, NewResultCache(time.Minute))
	ctx := context.Background()

	req := ActionRequest{UserID: "u1", ConversationID: "c1", Capability: "payments", Action: "transfer",
		Params: map[string]any{"amount": 10}}

	_, err := r.Dispatch(ctx, req)
	require.NoError(t, err)
	_, err = r.Dispatch(ctx, req)
	require.NoError(t, err)

	assert.Len(t, p.params, 2)
}
