package health

import (
	"sync/atomic"
	"time"
)

// deadlockDetector is the liveness watchdog behind the sampling loop: if
// Sample stops being invoked by the scheduler, neither the cache nor the
// alert engine ever sees the failure, and partition growth goes
// unnoticed. Adapted from the consumer-liveness detector pattern (atomic
// counter plus ticker); unlike that pattern this one does not panic the
// process by default, since killing a telemetry service over a stalled
// health tick is a worse outage than the tick itself. onStalled is the
// operator-supplied hook for whatever escalation a deployment wants.
type deadlockDetector struct {
	sampled   atomic.Uint64
	ticker    *time.Ticker
	stop      chan struct{}
	onStalled func()
}

func newDeadlockDetector(interval time.Duration, onStalled func()) *deadlockDetector {
	if onStalled == nil {
		onStalled = func() {}
	}
	return &deadlockDetector{
		ticker:    time.NewTicker(interval),
		stop:      make(chan struct{}),
		onStalled: onStalled,
	}
}

func (d *deadlockDetector) start() {
	go func() {
		for {
			select {
			case <-d.stop:
				return
			case <-d.ticker.C:
				if d.sampled.Swap(0) == 0 {
					d.onStalled()
				}
			}
		}
	}()
}

func (d *deadlockDetector) heartbeat() {
	d.sampled.Add(1)
}

func (d *deadlockDetector) close() {
	d.ticker.Stop()
	close(d.stop)
}
