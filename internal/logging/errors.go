package logging

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrorTracker aggregates repeated errors so a flood of identical failures
// (e.g. the same partition-missing error on every ingest for a minute)
// produces one alert instead of one per occurrence.
type ErrorTracker struct {
	mu              sync.RWMutex
	errors          map[string]*ErrorStats
	alertThresholds map[string]int
	alertCallbacks  []AlertCallback
	cleanupInterval time.Duration
	retentionPeriod time.Duration
	stopChan        chan struct{}
}

// ErrorStats tracks statistics for a specific error.
type ErrorStats struct {
	ErrorType     string
	Message       string
	Count         int64
	FirstSeen     time.Time
	LastSeen      time.Time
	Occurrences   []time.Time
	Contexts      []map[string]interface{}
	StackTraces   []string
	AffectedUsers map[string]bool
	Severity      string
	Alerted       bool
}

// AlertCallback is called when an error threshold is exceeded.
type AlertCallback func(stats *ErrorStats)

func NewErrorTracker() *ErrorTracker {
	et := &ErrorTracker{
		errors: make(map[string]*ErrorStats),
		alertThresholds: map[string]int{
			"critical": 1,
			"high":     5,
			"medium":   10,
			"low":      50,
		},
		cleanupInterval: 5 * time.Minute,
		retentionPeriod: 1 * time.Hour,
		stopChan:        make(chan struct{}),
	}

	go et.cleanupLoop()

	return et
}

// Track records an error occurrence.
func (et *ErrorTracker) Track(ctx context.Context, err error, severity string, extra map[string]interface{}) {
	if err == nil {
		return
	}

	errorKey := fmt.Sprintf("%s:%s", severity, err.Error())

	et.mu.Lock()
	defer et.mu.Unlock()

	stats, exists := et.errors[errorKey]
	if !exists {
		stats = &ErrorStats{
			ErrorType:     getErrorType(err),
			Message:       err.Error(),
			FirstSeen:     time.Now(),
			Contexts:      make([]map[string]interface{}, 0),
			StackTraces:   make([]string, 0),
			AffectedUsers: make(map[string]bool),
			Severity:      severity,
		}
		et.errors[errorKey] = stats
	}

	stats.Count++
	stats.LastSeen = time.Now()
	stats.Occurrences = append(stats.Occurrences, time.Now())

	if extra != nil {
		stats.Contexts = append(stats.Contexts, extra)
	}

	if userID, ok := ctx.Value(userIDKey).(string); ok && userID != "" {
		stats.AffectedUsers[userID] = true
	}

	if len(stats.StackTraces) < 10 {
		stats.StackTraces = append(stats.StackTraces, getStackTrace())
	}

	threshold := et.alertThresholds[severity]
	if !stats.Alerted && stats.Count >= int64(threshold) {
		stats.Alerted = true
		et.triggerAlerts(stats)
	}
}

func (et *ErrorTracker) RegisterAlertCallback(callback AlertCallback) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.alertCallbacks = append(et.alertCallbacks, callback)
}

func (et *ErrorTracker) GetStats() map[string]*ErrorStats {
	et.mu.RLock()
	defer et.mu.RUnlock()

	stats := make(map[string]*ErrorStats)
	for k, v := range et.errors {
		statsCopy := *v
		stats[k] = &statsCopy
	}

	return stats
}

// GetTopErrors returns the top N errors by count.
func (et *ErrorTracker) GetTopErrors(n int) []*ErrorStats {
	et.mu.RLock()
	defer et.mu.RUnlock()

	var errs []*ErrorStats
	for _, stats := range et.errors {
		errs = append(errs, stats)
	}

	for i := 0; i < len(errs)-1; i++ {
		for j := i + 1; j < len(errs); j++ {
			if errs[j].Count > errs[i].Count {
				errs[i], errs[j] = errs[j], errs[i]
			}
		}
	}

	if n > len(errs) {
		n = len(errs)
	}

	return errs[:n]
}

func (et *ErrorTracker) Clear() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.errors = make(map[string]*ErrorStats)
}

func (et *ErrorTracker) Stop() {
	close(et.stopChan)
}

func (et *ErrorTracker) triggerAlerts(stats *ErrorStats) {
	for _, callback := range et.alertCallbacks {
		go callback(stats)
	}
}

func (et *ErrorTracker) cleanupLoop() {
	ticker := time.NewTicker(et.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			et.cleanup()
		case <-et.stopChan:
			return
		}
	}
}

func (et *ErrorTracker) cleanup() {
	et.mu.Lock()
	defer et.mu.Unlock()

	cutoff := time.Now().Add(-et.retentionPeriod)
	for key, stats := range et.errors {
		if stats.LastSeen.Before(cutoff) {
			delete(et.errors, key)
		}
	}
}

func getErrorType(err error) string {
	return fmt.Sprintf("%T", err)
}

var globalErrorTracker = NewErrorTracker()

func TrackError(ctx context.Context, err error, severity string, extra map[string]interface{}) {
	globalErrorTracker.Track(ctx, err, severity, extra)
}

func GetErrorStats() map[string]*ErrorStats {
	return globalErrorTracker.GetStats()
}

func GetTopErrors(n int) []*ErrorStats {
	return globalErrorTracker.GetTopErrors(n)
}

func RegisterErrorAlert(callback AlertCallback) {
	globalErrorTracker.RegisterAlertCallback(callback)
}
