package hooks

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownDataSource is returned when a static factory has no
// configuration for the requested data source.
var ErrUnknownDataSource = errors.New("unknown data source")

// StaticConfig wires fixed single-deployment hooks from configuration:
// one driver configuration per data source, one orchestrator per tenant
// key, and a fixed list of scheduled refresh contexts.
type StaticConfig struct {
	// TenantField names the security context field whose value becomes
	// the tenant key. Empty means every request shares one tenant.
	TenantField string `yaml:"tenantField"`

	// DataSources maps data source names to driver configuration
	DataSources map[string]map[string]interface{} `yaml:"dataSources"`

	// RefreshContexts lists the security contexts the scheduled refresh
	// worker iterates. Empty defaults to one anonymous context.
	RefreshContexts []map[string]interface{} `yaml:"refreshContexts"`

	// SchemaVersion is the fixed data-model version token. Bump it to
	// invalidate compiled-model cache entries across restarts.
	SchemaVersion string `yaml:"schemaVersion"`
}

// NewStatic builds the hook set from static configuration
func NewStatic(cfg StaticConfig) *ResolverFuncs {
	tenantKey := func(req *RequestContext) string {
		if cfg.TenantField == "" || req == nil {
			return "default"
		}

		val, ok := req.SecurityContext[cfg.TenantField]
		if !ok {
			return "default"
		}

		return fmt.Sprintf("%v", val)
	}

	return &ResolverFuncs{
		AppIDFn: func(_ context.Context, req *RequestContext) (string, error) {
			return tenantKey(req), nil
		},
		DriverConfigFn: func(_ context.Context, _ *RequestContext, dataSource string) (map[string]interface{}, error) {
			if dataSource == "" {
				dataSource = "default"
			}

			dsCfg, ok := cfg.DataSources[dataSource]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownDataSource, dataSource)
			}

			return dsCfg, nil
		},
		VersionFn: func(_ context.Context, _ *RequestContext) (string, error) {
			if cfg.SchemaVersion == "" {
				return "static", nil
			}
			return cfg.SchemaVersion, nil
		},
		RefreshCtxFn: func(_ context.Context) ([]*RequestContext, error) {
			if len(cfg.RefreshContexts) == 0 {
				return []*RequestContext{{SecurityContext: map[string]interface{}{}}}, nil
			}

			contexts := make([]*RequestContext, 0, len(cfg.RefreshContexts))
			for _, sc := range cfg.RefreshContexts {
				contexts = append(contexts, &RequestContext{SecurityContext: sc})
			}

			return contexts, nil
		},
	}
}
