package logging

import (
	"context"
	"sync"
	"time"
)

// PerformanceMetrics tracks slow database queries and slow HTTP endpoints
// for logging purposes; Prometheus carries the numeric series, this keeps
// a bounded recent-samples ring for log correlation.
type PerformanceMetrics struct {
	mu                    sync.RWMutex
	slowQueries           []*SlowQuery
	slowEndpoints         []*SlowEndpoint
	slowQueryThreshold    time.Duration
	slowEndpointThreshold time.Duration
}

type SlowQuery struct {
	Query      string
	Duration   time.Duration
	Timestamp  time.Time
	Context    map[string]interface{}
	StackTrace string
}

type SlowEndpoint struct {
	Method     string
	Path       string
	Duration   time.Duration
	Timestamp  time.Time
	StatusCode int
	RequestID  string
}

func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{
		slowQueries:           make([]*SlowQuery, 0),
		slowEndpoints:         make([]*SlowEndpoint, 0),
		slowQueryThreshold:    100 * time.Millisecond,
		slowEndpointThreshold: 1000 * time.Millisecond,
	}
}

func (pm *PerformanceMetrics) LogSlowQuery(ctx context.Context, query string, duration time.Duration, logger *Logger) {
	if duration < pm.slowQueryThreshold {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	sq := &SlowQuery{
		Query:      query,
		Duration:   duration,
		Timestamp:  time.Now(),
		Context:    make(map[string]interface{}),
		StackTrace: getStackTrace(),
	}

	pm.slowQueries = append(pm.slowQueries, sq)
	if len(pm.slowQueries) > 100 {
		pm.slowQueries = pm.slowQueries[1:]
	}

	logger.Warn("slow database query",
		String("query", truncateString(query, 200)),
		Float64("duration_ms", float64(duration.Milliseconds())),
		String("threshold_ms", pm.slowQueryThreshold.String()),
	)
}

func (pm *PerformanceMetrics) LogSlowEndpoint(method, path string, duration time.Duration, statusCode int, requestID string, logger *Logger) {
	if duration < pm.slowEndpointThreshold {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	se := &SlowEndpoint{
		Method:     method,
		Path:       path,
		Duration:   duration,
		Timestamp:  time.Now(),
		StatusCode: statusCode,
		RequestID:  requestID,
	}

	pm.slowEndpoints = append(pm.slowEndpoints, se)
	if len(pm.slowEndpoints) > 100 {
		pm.slowEndpoints = pm.slowEndpoints[1:]
	}

	logger.Warn("slow http endpoint",
		String("method", method),
		String("path", path),
		Float64("duration_ms", float64(duration.Milliseconds())),
		Int("status_code", statusCode),
		RequestID(requestID),
		String("threshold_ms", pm.slowEndpointThreshold.String()),
	)
}

func (pm *PerformanceMetrics) GetSlowQueries() []*SlowQuery {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	queries := make([]*SlowQuery, len(pm.slowQueries))
	copy(queries, pm.slowQueries)
	return queries
}

func (pm *PerformanceMetrics) GetSlowEndpoints() []*SlowEndpoint {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	endpoints := make([]*SlowEndpoint, len(pm.slowEndpoints))
	copy(endpoints, pm.slowEndpoints)
	return endpoints
}

func (pm *PerformanceMetrics) SetSlowQueryThreshold(threshold time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.slowQueryThreshold = threshold
}

func (pm *PerformanceMetrics) SetSlowEndpointThreshold(threshold time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.slowEndpointThreshold = threshold
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var globalPerfMetrics = NewPerformanceMetrics()

func LogSlowQuery(ctx context.Context, query string, duration time.Duration) {
	globalPerfMetrics.LogSlowQuery(ctx, query, duration, defaultLogger)
}

func LogSlowEndpoint(method, path string, duration time.Duration, statusCode int, requestID string) {
	globalPerfMetrics.LogSlowEndpoint(method, path, duration, statusCode, requestID, defaultLogger)
}

func GetSlowQueries() []*SlowQuery     { return globalPerfMetrics.GetSlowQueries() }
func GetSlowEndpoints() []*SlowEndpoint { return globalPerfMetrics.GetSlowEndpoints() }
