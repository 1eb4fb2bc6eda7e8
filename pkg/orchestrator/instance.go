package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/pkg/cachekey"
	"github.com/quernlabs/quern/pkg/driver"
	"github.com/quernlabs/quern/pkg/hooks"
	"github.com/quernlabs/quern/pkg/preagg"
	"github.com/quernlabs/quern/pkg/querycache"
	"github.com/quernlabs/quern/pkg/queryqueue"
)

// Instance is one isolated orchestrator: its queues, caches, and driver
// pool serve exactly one orchestrator key. Entries are shared read-only
// by concurrent request handlers and mutated only through this API.
type Instance struct {
	Key string

	log      logrus.FieldLogger
	cfg      *Config
	resolver *cachekey.Resolver

	queue       *queryqueue.Queue
	cache       *querycache.Cache
	refreshKeys *querycache.RefreshKeyCache
	preaggs     *preagg.Manager
	pool        *driver.Pool

	createdAt time.Time
}

// QueryOptions control one ExecuteQuery call
type QueryOptions struct {
	// RefreshKeySQL overrides the default time-bucket freshness token
	// with a data-source freshness check
	RefreshKeySQL string
	// Priority orders the query within the queue
	Priority int
	// BackgroundRenew serves stale cached data while refreshing
	BackgroundRenew bool
	// ContinueWait bounds the long-poll for a result
	ContinueWait time.Duration
}

// QueryResult is the outcome of ExecuteQuery
type QueryResult struct {
	Data  []driver.Row `json:"data"`
	Stale bool         `json:"stale"`
}

// ExecuteQuery runs a query through the cache and queue: rewrite hook,
// fingerprint, freshness check, then cached value or queued execution.
func (i *Instance) ExecuteQuery(ctx context.Context, req *hooks.RequestContext, rewriter hooks.QueryRewriter, query string, opts QueryOptions) (*QueryResult, error) {
	rewritten, err := rewriter.Rewrite(ctx, query, req)
	if err != nil {
		return nil, fmt.Errorf("query rewrite failed: %w", err)
	}

	fingerprint := i.resolver.Fingerprint(rewritten, req)

	result, err := i.cache.GetOrCompute(ctx, fingerprint,
		i.refreshKeyFn(rewritten, req, opts),
		func(computeCtx context.Context) (interface{}, error) {
			return i.runQueued(computeCtx, rewritten, opts)
		},
		querycache.Options{BackgroundRenew: opts.BackgroundRenew},
	)
	if err != nil {
		return nil, err
	}

	var rows []driver.Row
	if err := json.Unmarshal(result.Value, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}

	return &QueryResult{Data: rows, Stale: result.Stale}, nil
}

// PreAggregations exposes the instance's pre-aggregation manager
func (i *Instance) PreAggregations() *preagg.Manager {
	return i.preaggs
}

// Queue exposes the instance's query queue
func (i *Instance) Queue() *queryqueue.Queue {
	return i.queue
}

// CreatedAt reports when the registry constructed this instance
func (i *Instance) CreatedAt() time.Time {
	return i.createdAt
}

// refreshKeyFn builds the freshness-token evaluator for a query. Without
// an explicit refresh-key SQL the token is the current renewal-threshold
// time bucket, which costs no data source round trip.
func (i *Instance) refreshKeyFn(query string, req *hooks.RequestContext, opts QueryOptions) querycache.EvaluateFn {
	threshold := i.cfg.QueryCache.RefreshKeyRenewalThreshold

	if opts.RefreshKeySQL == "" {
		return func(context.Context) (string, error) {
			bucket := time.Now().Unix() / int64(threshold.Seconds())
			return strconv.FormatInt(bucket, 10), nil
		}
	}

	return func(ctx context.Context) (string, error) {
		rendered, err := i.resolver.RenderRefreshKey(opts.RefreshKeySQL, map[string]interface{}{
			"query": query,
		})
		if err != nil {
			return "", err
		}

		keyID := cachekey.RefreshKeyID(rendered, req)

		return i.refreshKeys.GetOrEvaluate(ctx, keyID, threshold, func(evalCtx context.Context) (string, error) {
			conn, err := i.pool.Acquire(evalCtx)
			if err != nil {
				return "", err
			}
			defer i.pool.Release(conn)

			rows, err := conn.Query(evalCtx, rendered)
			if err != nil {
				return "", err
			}

			if len(rows) == 0 {
				return "", nil
			}

			return fmt.Sprintf("%v", rows[0]), nil
		})
	}
}

// runQueued executes a query through the bounded queue, long-polling
// until completion. The compute path is only entered once per
// fingerprint, so blocking here is the intended backpressure.
func (i *Instance) runQueued(ctx context.Context, query string, opts QueryOptions) (interface{}, error) {
	handle, err := i.queue.Enqueue(func(execCtx context.Context, heartbeat func()) (interface{}, error) {
		conn, err := i.pool.Acquire(execCtx)
		if err != nil {
			return nil, err
		}
		defer i.pool.Release(conn)

		heartbeat()

		return conn.Query(execCtx, query)
	}, queryqueue.EnqueueOptions{Priority: opts.Priority, Idempotent: true})
	if err != nil {
		return nil, err
	}

	for {
		status, err := i.queue.Wait(ctx, handle, opts.ContinueWait)
		if err != nil {
			if errors.Is(err, queryqueue.ErrContinueWait) {
				continue
			}
			return nil, err
		}

		if status.Err != nil {
			return nil, status.Err
		}

		return status.Result, nil
	}
}

func (i *Instance) start(ctx context.Context) error {
	if err := i.queue.Start(ctx); err != nil {
		return err
	}

	return i.preaggs.Start(ctx)
}

func (i *Instance) stop() error {
	if err := i.queue.Stop(); err != nil {
		i.log.WithError(err).Warn("Failed to stop query queue")
	}

	if err := i.preaggs.Stop(); err != nil {
		i.log.WithError(err).Warn("Failed to stop pre-aggregation manager")
	}

	return i.pool.Close()
}
