package telemetry

import (
	"fmt"
)

// API is an abstraction over logging/metrics so that components can be
// tested for whether they report the right things when they break.
//
// note: fault injection point
type API interface {
	// ReportBroken reports a component that has broken in a way that should
	// be addressed. The `id` identifies what component broke, not which
	// line of its implementation: if you came across the report in a
	// dashboard it should be enough to find the broken place. Anything more
	// specific belongs in a wrapped error or a param.
	//
	// Formatting rules:
	// 1) all lowercase
	// 2) underscores for large components
	// 3) dashes for methods part of a larger component
	ReportBroken(id string, params ...any)

	// ReportWarning reports a scenario that does not necessarily indicate
	// brokenness, but may be subject to investigation.
	ReportWarning(id string, params ...any)

	// ReportDebug reports debug information that is ignored in production.
	ReportDebug(msg string, params ...any)

	// ReportCount reports the current count of a specific event. Counts are
	// points of data over time, not values to be summed.
	ReportCount(id string, count int64)
}

// ScopedAPI attaches a namespace to every id passing through another API,
// like making a sub-logger with a fixed prefix.
type ScopedAPI struct {
	namespace string
	inner     API
}

func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(fmt.Sprintf("%s: %s", s.namespace, msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(fmt.Sprintf("%s: %s", s.namespace, id), count)
}
