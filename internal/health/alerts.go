package health

import (
	"context"
	"sync"
	"time"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
)

// AlertEvent is what every AlertChannel receives on a state transition.
type AlertEvent struct {
	Partition string
	Previous  model.HealthStatus
	Current   model.HealthStatus
	SizeMB    float64
	Rows      int64
	At        time.Time
}

// AlertChannel delivers an AlertEvent somewhere. Delivery failures are
// logged by the caller and never block the sampling loop.
type AlertChannel interface {
	Notify(ctx context.Context, evt AlertEvent) error
}

var statusRank = map[model.HealthStatus]int{
	model.HealthHealthy:  0,
	model.HealthWarning:  1,
	model.HealthCritical: 2,
}

// alertEngine is state-transition-driven: an alert fires only on entry to
// a higher severity than the partition's last observed status, and is
// then muted for cooldown. Recovery to HEALTHY always fires regardless of
// cooldown, since it is the one transition an operator always wants to
// know about promptly.
type alertEngine struct {
	mu       sync.Mutex
	lastSeen map[string]model.HealthStatus
	lastFire map[string]time.Time
	cooldown time.Duration
	channels []AlertChannel
	logger   *logging.Logger
	now      func() time.Time
}

func newAlertEngine(cooldown time.Duration, logger *logging.Logger, channels ...AlertChannel) *alertEngine {
	return &alertEngine{
		lastSeen: make(map[string]model.HealthStatus),
		lastFire: make(map[string]time.Time),
		cooldown: cooldown,
		channels: channels,
		logger:   logger,
		now:      time.Now,
	}
}

func (e *alertEngine) evaluate(ctx context.Context, name string, current model.HealthStatus, sizeMB float64, rows int64) {
	e.mu.Lock()
	previous, seen := e.lastSeen[name]
	e.lastSeen[name] = current
	if !seen {
		e.mu.Unlock()
		return
	}
	if current == previous {
		e.mu.Unlock()
		return
	}

	degrading := statusRank[current] > statusRank[previous]
	recovering := current == model.HealthHealthy && previous != model.HealthHealthy

	if !degrading && !recovering {
		e.mu.Unlock()
		return
	}

	if degrading {
		last, fired := e.lastFire[name]
		if fired && e.now().Sub(last) < e.cooldown {
			e.mu.Unlock()
			return
		}
		e.lastFire[name] = e.now()
	} else {
		delete(e.lastFire, name)
	}
	e.mu.Unlock()

	evt := AlertEvent{Partition: name, Previous: previous, Current: current, SizeMB: sizeMB, Rows: rows, At: e.now()}
	recordAlertFired(name, current)
	for _, ch := range e.channels {
		if err := ch.Notify(ctx, evt); err != nil {
			e.logger.Warn("alert channel delivery failed", logging.Component("health"), logging.String("partition", name))
		}
	}
}

// LogChannel fires alerts through the structured logger. It is always
// included as a baseline channel even when email/webhook are configured,
// so an operator tailing logs never misses a transition.
type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Notify(ctx context.Context, evt AlertEvent) error {
	fields := []logging.Field{
		logging.Component("health"),
		logging.Partition(evt.Partition),
		logging.String("previous_status", string(evt.Previous)),
		logging.String("current_status", string(evt.Current)),
		logging.Float64("size_mb", evt.SizeMB),
		logging.Int64("rows", evt.Rows),
	}
	if evt.Current == model.HealthHealthy {
		c.logger.Info("partition health recovered", fields...)
	} else {
		c.logger.Warn("partition health degraded", fields...)
	}
	return nil
}
