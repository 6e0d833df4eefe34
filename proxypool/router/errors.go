package router

import (
	"errors"
	"fmt"
	"strings"

	"outproxy_nexus/proxypool/model"
)

var (
	// ErrNoEndpointYet: 冷启动, 还没有任何端点通过基准测试。
	ErrNoEndpointYet = errors.New("no endpoint available yet")
	// ErrNoEndpointAvailable: 曾经有过可用端点, 但已经全部被降级。
	ErrNoEndpointAvailable = errors.New("no endpoint available")
	// ErrRetriesExhausted: 重试次数用完仍然失败。
	ErrRetriesExhausted = errors.New("retries exhausted")

	ErrInvalidRequest = errors.New("invalid request")
)

// RouteError means "no usable proxy right now". It is never permanent.
type RouteError struct {
	Attempts int
	Tried    []model.Endpoint
	Cause    error // one of the sentinels above
	Last     error // last transport error, if any
}

func (e *RouteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "route failed after %d attempt(s): %v", e.Attempts, e.Cause)
	if len(e.Tried) > 0 {
		keys := make([]string, len(e.Tried))
		for i, ep := range e.Tried {
			keys[i] = ep.Key()
		}
		fmt.Fprintf(&b, " (tried %s)", strings.Join(keys, ", "))
	}
	if e.Last != nil {
		fmt.Fprintf(&b, ": %v", e.Last)
	}
	return b.String()
}

func (e *RouteError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	return errs
}
