// Package hooks defines the capability interfaces the host application
// supplies to the orchestration core. The core calls them at documented
// times and treats every returned value as opaque.
package hooks

import (
	"context"
	"errors"
)

var (
	// ErrAuthDenied is returned by host hooks when a request context fails authorization
	ErrAuthDenied = errors.New("authorization denied")
	// ErrNoResolver is returned when a required hook has not been supplied
	ErrNoResolver = errors.New("required hook not configured")
)

// RequestContext carries the opaque per-request payload (tenant identity,
// security context, requested data source) threaded through cache keys and
// hooks. The core never interprets SecurityContext fields.
type RequestContext struct {
	SecurityContext map[string]interface{}
	DataSource      string
	Timezone        string
}

// ContextResolver derives the cache-granularity keys for a request.
// AppID drives compiled-model caching; OrchestratorID selects the isolated
// orchestrator instance. The two are independent: diverging values simply
// mean different cache granularity for models vs connections.
type ContextResolver interface {
	AppID(ctx context.Context, req *RequestContext) (string, error)
	OrchestratorID(ctx context.Context, req *RequestContext) (string, error)
}

// SchemaVersionFn returns a version token for the request's data model.
// A changed token invalidates the compiled-model cache entry for the AppID.
type SchemaVersionFn func(ctx context.Context, req *RequestContext) (string, error)

// DriverFactory produces connection configuration for a data source. The
// core does not know the data source's wire protocol, only the returned
// configuration map handed to the driver layer.
type DriverFactory interface {
	DriverConfig(ctx context.Context, req *RequestContext, dataSource string) (map[string]interface{}, error)
}

// QueryRewriter rewrites an inbound query before it reaches the query
// cache. Identity rewriting is valid.
type QueryRewriter interface {
	Rewrite(ctx context.Context, query string, req *RequestContext) (string, error)
}

// RefreshContextProvider supplies the request contexts the scheduled
// refresh worker iterates. An empty list means the worker has no tenants
// to refresh, which is a configuration problem rather than a crash.
type RefreshContextProvider interface {
	ScheduledRefreshContexts(ctx context.Context) ([]*RequestContext, error)
}

// ResolverFuncs adapts plain functions to the hook interfaces so hosts can
// wire hooks with literals instead of defining types.
type ResolverFuncs struct {
	AppIDFn          func(ctx context.Context, req *RequestContext) (string, error)
	OrchestratorIDFn func(ctx context.Context, req *RequestContext) (string, error)
	DriverConfigFn   func(ctx context.Context, req *RequestContext, dataSource string) (map[string]interface{}, error)
	VersionFn        func(ctx context.Context, req *RequestContext) (string, error)
	RewriteFn        func(ctx context.Context, query string, req *RequestContext) (string, error)
	RefreshCtxFn     func(ctx context.Context) ([]*RequestContext, error)
}

// AppID implements ContextResolver
func (r *ResolverFuncs) AppID(ctx context.Context, req *RequestContext) (string, error) {
	if r.AppIDFn == nil {
		return "", ErrNoResolver
	}
	return r.AppIDFn(ctx, req)
}

// OrchestratorID implements ContextResolver
func (r *ResolverFuncs) OrchestratorID(ctx context.Context, req *RequestContext) (string, error) {
	if r.OrchestratorIDFn == nil {
		// Fall back to the app key when the host does not distinguish
		// connection granularity from model granularity.
		return r.AppID(ctx, req)
	}
	return r.OrchestratorIDFn(ctx, req)
}

// DriverConfig implements DriverFactory
func (r *ResolverFuncs) DriverConfig(ctx context.Context, req *RequestContext, dataSource string) (map[string]interface{}, error) {
	if r.DriverConfigFn == nil {
		return nil, ErrNoResolver
	}
	return r.DriverConfigFn(ctx, req, dataSource)
}

// SchemaVersion implements SchemaVersionFn semantics. A missing hook
// means the data model never changes, expressed as a constant token.
func (r *ResolverFuncs) SchemaVersion(ctx context.Context, req *RequestContext) (string, error) {
	if r.VersionFn == nil {
		return "static", nil
	}
	return r.VersionFn(ctx, req)
}

// Rewrite implements QueryRewriter
func (r *ResolverFuncs) Rewrite(ctx context.Context, query string, req *RequestContext) (string, error) {
	if r.RewriteFn == nil {
		return query, nil
	}
	return r.RewriteFn(ctx, query, req)
}

// ScheduledRefreshContexts implements RefreshContextProvider
func (r *ResolverFuncs) ScheduledRefreshContexts(ctx context.Context) ([]*RequestContext, error) {
	if r.RefreshCtxFn == nil {
		return nil, nil
	}
	return r.RefreshCtxFn(ctx)
}

// Verify interface compliance at compile time
var (
	_ ContextResolver        = (*ResolverFuncs)(nil)
	_ DriverFactory          = (*ResolverFuncs)(nil)
	_ QueryRewriter          = (*ResolverFuncs)(nil)
	_ RefreshContextProvider = (*ResolverFuncs)(nil)
)
