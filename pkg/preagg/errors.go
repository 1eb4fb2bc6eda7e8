package preagg

import "errors"

var (
	// ErrCapacityExceeded is returned when a query would require more
	// partitions than maxPartitions. Policy rejection, not retryable.
	ErrCapacityExceeded = errors.New("partition capacity exceeded")
	// ErrNoMatchingRollup is returned in rollup-only mode when a query
	// cannot be served entirely from fresh partitions
	ErrNoMatchingRollup = errors.New("no matching rollup")
	// ErrUnknownPreAggregation is returned for unregistered rollup IDs
	ErrUnknownPreAggregation = errors.New("unknown pre-aggregation")
	// ErrExternalRefresh is returned when a build is requested on a
	// read-only instance
	ErrExternalRefresh = errors.New("instance is external-refresh only")
	// ErrInvalidRange is returned for empty or inverted time ranges
	ErrInvalidRange = errors.New("invalid partition time range")
)
