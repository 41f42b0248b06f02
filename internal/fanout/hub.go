// Package fanout is the Fan-out Hub: it routes LocationUpdate and
// PanicAlert events from the Ingestion Path to subscribed clients by
// topic, without ever touching the database itself. Subscribers are kept
// in topic-keyed maps behind a read/write mutex; location sends never
// block the publisher, and throughput stats are logged periodically.
// Routing is topic-scoped so a dealer only receives their fleet's
// updates, not every device's.
package fanout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/telemetry/internal/logging"
	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/telemetryerr"
)

// RealtimeConfig carries the realtime.* keys: the subscriber queue
// bound, the heartbeat cadence, and the slow-subscriber send timeout.
// Zero-value fields fall back to the documented defaults so callers that
// construct a Hub directly (tests) don't have to populate every field.
type RealtimeConfig struct {
	HeartbeatMS        int
	SubscriberQueueMax int
	SendTimeoutMS      int
}

// defaulted fills any zero field with its documented default.
func (c RealtimeConfig) defaulted() RealtimeConfig {
	if c.HeartbeatMS <= 0 {
		c.HeartbeatMS = 25000
	}
	if c.SubscriberQueueMax <= 0 {
		c.SubscriberQueueMax = 1000
	}
	if c.SendTimeoutMS <= 0 {
		c.SendTimeoutMS = 5000
	}
	return c
}

// panicQueueFraction is the share of SubscriberQueueMax reserved for the
// never-drop PanicAlert channel; location traffic gets the rest, since
// the two channels serve very different volumes.
const panicQueueFraction = 16

// Topic is a routing key a subscriber registers interest in. Valid forms:
// "device/{id}", "user/{id}", "client/{id}", "dealer/{id}", "admin/{id}",
// "fleet" (every device, ADMIN/SUPERADMIN only), and "alerts" (every
// PanicAlert, ADMIN/SUPERADMIN only).
type Topic string

func deviceTopic(id string) Topic { return Topic("device/" + id) }
func userTopic(id int64) Topic    { return Topic("user/" + strconv.FormatInt(id, 10)) }
func clientTopic(id int64) Topic  { return Topic("client/" + strconv.FormatInt(id, 10)) }
func dealerTopic(id int64) Topic  { return Topic("dealer/" + strconv.FormatInt(id, 10)) }
func adminTopic(id int64) Topic   { return Topic("admin/" + strconv.FormatInt(id, 10)) }

const fleetTopic Topic = "fleet"

// alertsTopic is the §4.7 "alerts" topic: PanicAlert events additionally
// publish here, and only ADMIN/SUPERADMIN may subscribe.
const alertsTopic Topic = "alerts"

// Subscriber is one registered connection's mailbox.
type Subscriber struct {
	id        uint64
	topic     Topic
	locations chan model.LocationUpdate
	panics    chan model.PanicAlert
	closed    atomic.Bool
	done      chan struct{}
}

// Locations returns the channel of routed LocationUpdate events.
func (s *Subscriber) Locations() <-chan model.LocationUpdate { return s.locations }

// Panics returns the channel of routed PanicAlert events.
func (s *Subscriber) Panics() <-chan model.PanicAlert { return s.panics }

// Done is closed when the hub has dropped this subscriber (overflow or
// explicit Unsubscribe).
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Stats is a point-in-time snapshot of hub activity — subscriber counts
// and routing throughput — exposed for the health/metrics surface. This
// is an operational gauge, not §4.7's "request stats" reply; see RoleStats.
type Stats struct {
	Subscribers      int
	LocationsRouted  int64
	LocationsDropped int64
	PanicsRouted     int64
	PanicsDisconnected int64
}

// AlertSource answers how many alerts are currently open, for §4.7's
// "request stats" reply. Partition health is infrastructure rather than
// an entity owned by a particular dealer/client/user, so the count is
// not itself further narrowed by role; health.Monitor implements this.
type AlertSource interface {
	OpenAlertCount() (int, error)
}

// FleetStats is the role-scoped payload §4.7's "request stats" operation
// replies with: total vehicles / active devices / open alerts, each
// filtered as the rest of the authorization matrix filters a principal's
// view.
type FleetStats struct {
	TotalVehicles int `json:"total_vehicles"`
	ActiveDevices int `json:"active_devices"`
	OpenAlerts    int `json:"open_alerts"`
}

// Hub is the Fan-out Hub.
type Hub struct {
	mu          sync.RWMutex
	bySubscriber map[uint64]*Subscriber
	byTopic     map[Topic]map[uint64]*Subscriber
	nextID      uint64
	scope       model.ScopeResolver
	alerts      AlertSource
	logger      *logging.Logger
	cfg         RealtimeConfig

	locationsRouted    atomic.Int64
	locationsDropped   atomic.Int64
	panicsRouted       atomic.Int64
	panicsDisconnected atomic.Int64
}

// New builds a Hub authorizing subscriptions against scope, bounding
// subscriber queues and the panic send timeout per cfg (zero-value cfg
// uses the documented defaults).
func New(scope model.ScopeResolver, logger *logging.Logger, cfg ...RealtimeConfig) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	var rc RealtimeConfig
	if len(cfg) > 0 {
		rc = cfg[0]
	}
	h := &Hub{
		bySubscriber: make(map[uint64]*Subscriber),
		byTopic:      make(map[Topic]map[uint64]*Subscriber),
		scope:        scope,
		logger:       logger,
		cfg:          rc.defaulted(),
	}
	go h.logStats()
	return h
}

// HeartbeatInterval is the server->client heartbeat cadence.
func (h *Hub) HeartbeatInterval() time.Duration {
	return time.Duration(h.cfg.HeartbeatMS) * time.Millisecond
}

// panicSendTimeout returns how long PublishPanic blocks on a full queue
// before disconnecting the subscriber.
func (h *Hub) panicSendTimeout() time.Duration {
	return time.Duration(h.cfg.SendTimeoutMS) * time.Millisecond
}

func (h *Hub) locationQueueSize() int {
	n := h.cfg.SubscriberQueueMax - h.cfg.SubscriberQueueMax/panicQueueFraction
	if n < 1 {
		n = 1
	}
	return n
}

func (h *Hub) panicQueueSize() int {
	n := h.cfg.SubscriberQueueMax / panicQueueFraction
	if n < 1 {
		n = 1
	}
	return n
}

// logStats emits a connection/throughput summary every 60 seconds.
func (h *Hub) logStats() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s := h.Stats()
		if s.LocationsRouted == 0 && s.PanicsRouted == 0 {
			continue
		}
		h.logger.Info("fanout stats", logging.Component("fanout"),
			logging.Int("subscribers", s.Subscribers),
			logging.Int64("locations_routed", s.LocationsRouted),
			logging.Int64("locations_dropped", s.LocationsDropped),
			logging.Int64("panics_routed", s.PanicsRouted),
			logging.Int64("panics_disconnected", s.PanicsDisconnected))
	}
}

// Stats returns a snapshot of current hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Subscribers:        len(h.bySubscriber),
		LocationsRouted:    h.locationsRouted.Load(),
		LocationsDropped:   h.locationsDropped.Load(),
		PanicsRouted:       h.panicsRouted.Load(),
		PanicsDisconnected: h.panicsDisconnected.Load(),
	}
}

// SetAlertSource wires the open-alert count source RoleStats reports
// from. Optional: a Hub with no alert source reports zero open alerts.
func (h *Hub) SetAlertSource(a AlertSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = a
}

// RoleStats answers §4.7's "request stats" operation: vehicle/device
// counts from the external scope resolver, narrowed to principal's
// ownership chain the same way Subscribe's authorization matrix narrows
// topic access, plus the current system-wide open-alert count.
func (h *Hub) RoleStats(principal model.Principal) (FleetStats, error) {
	total, active, err := h.scope.FleetCounts(principal)
	if err != nil {
		return FleetStats{}, fmt.Errorf("%w: resolving fleet counts: %v", telemetryerr.ErrStorageUnavailable, err)
	}
	stats := FleetStats{TotalVehicles: total, ActiveDevices: active}

	h.mu.RLock()
	alerts := h.alerts
	h.mu.RUnlock()
	if alerts != nil {
		n, err := alerts.OpenAlertCount()
		if err != nil {
			return FleetStats{}, fmt.Errorf("%w: resolving open alert count: %v", telemetryerr.ErrStorageUnavailable, err)
		}
		stats.OpenAlerts = n
	}
	return stats, nil
}

// Subscribe authorizes principal against topic and, if allowed, registers
// a new Subscriber. The caller is responsible for draining Locations()
// and Panics() until Done() closes.
func (h *Hub) Subscribe(principal model.Principal, topic Topic) (*Subscriber, error) {
	if err := h.authorize(principal, topic); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscriber{
		id:        h.nextID,
		topic:     topic,
		locations: make(chan model.LocationUpdate, h.locationQueueSize()),
		panics:    make(chan model.PanicAlert, h.panicQueueSize()),
		done:      make(chan struct{}),
	}
	h.bySubscriber[sub.id] = sub
	if h.byTopic[topic] == nil {
		h.byTopic[topic] = make(map[uint64]*Subscriber)
	}
	h.byTopic[topic][sub.id] = sub
	return sub, nil
}

// Unsubscribe removes sub and closes its Done channel. The Locations and
// Panics channels are left open.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	delete(h.bySubscriber, sub.id)
	if subs := h.byTopic[sub.topic]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.byTopic, sub.topic)
		}
	}
	close(sub.done)
}

// authorize applies the role authorization matrix: ADMIN/SUPERADMIN may
// subscribe to anything; every other role is restricted to topics within
// its own ownership chain, resolved via the external ScopeResolver for
// the cross-entity cases.
func (h *Hub) authorize(principal model.Principal, topic Topic) error {
	if principal.Role == model.RoleSuperadmin || principal.Role == model.RoleAdmin {
		return nil
	}
	if topic == fleetTopic {
		return fmt.Errorf("%w: fleet topic requires ADMIN or SUPERADMIN", telemetryerr.ErrUnauthorized)
	}
	if topic == alertsTopic {
		return fmt.Errorf("%w: alerts topic requires ADMIN or SUPERADMIN", telemetryerr.ErrUnauthorized)
	}

	kind, idStr, ok := strings.Cut(string(topic), "/")
	if !ok {
		return fmt.Errorf("%w: malformed topic %q", telemetryerr.ErrUnauthorized, topic)
	}

	switch kind {
	case "device":
		owns, err := h.scope.OwnsDevice(principal, idStr)
		if err != nil {
			return fmt.Errorf("%w: resolving device ownership: %v", telemetryerr.ErrStorageUnavailable, err)
		}
		if !owns {
			return fmt.Errorf("%w: principal does not own device %s", telemetryerr.ErrUnauthorized, idStr)
		}
		return nil
	case "user":
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed user id in topic", telemetryerr.ErrUnauthorized)
		}
		if principal.Role == model.RoleUser && principal.UserID == id {
			return nil
		}
		if principal.Role == model.RoleClient {
			owns, err := h.scope.ClientOwnsUser(principal.UserID, id)
			if err == nil && owns {
				return nil
			}
		}
		if principal.Role == model.RoleDealer {
			owns, err := h.scope.DealerOwnsUser(principal.UserID, id)
			if err == nil && owns {
				return nil
			}
		}
		return fmt.Errorf("%w: principal cannot subscribe to user %d", telemetryerr.ErrUnauthorized, id)
	case "client":
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed client id in topic", telemetryerr.ErrUnauthorized)
		}
		if principal.Role == model.RoleClient && principal.UserID == id {
			return nil
		}
		if principal.Role == model.RoleDealer {
			owns, err := h.scope.DealerOwnsClient(principal.UserID, id)
			if err == nil && owns {
				return nil
			}
		}
		return fmt.Errorf("%w: principal cannot subscribe to client %d", telemetryerr.ErrUnauthorized, id)
	case "dealer":
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed dealer id in topic", telemetryerr.ErrUnauthorized)
		}
		if principal.Role == model.RoleDealer && principal.UserID == id {
			return nil
		}
		return fmt.Errorf("%w: principal cannot subscribe to dealer %d", telemetryerr.ErrUnauthorized, id)
	default:
		return fmt.Errorf("%w: unknown topic kind %q", telemetryerr.ErrUnauthorized, kind)
	}
}

// PublishLocation routes evt to every subscriber whose topic intersects
// evt's ownership chain: the device itself, and each non-nil id in
// Owner. Implements ingest.Bus.
func (h *Hub) PublishLocation(evt model.LocationUpdate) {
	topics := []Topic{deviceTopic(evt.DeviceID), fleetTopic}
	if evt.Owner.AdminID != nil {
		topics = append(topics, adminTopic(*evt.Owner.AdminID))
	}
	if evt.Owner.DealerID != nil {
		topics = append(topics, dealerTopic(*evt.Owner.DealerID))
	}
	if evt.Owner.ClientID != nil {
		topics = append(topics, clientTopic(*evt.Owner.ClientID))
	}
	if evt.Owner.UserID != nil {
		topics = append(topics, userTopic(*evt.Owner.UserID))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, topic := range topics {
		for _, sub := range h.byTopic[topic] {
			select {
			case sub.locations <- evt:
				h.locationsRouted.Add(1)
			default:
				// Drop-oldest: make room for the newer update rather than
				// blocking the publisher or keeping a stale value queued.
				select {
				case <-sub.locations:
					h.locationsDropped.Add(1)
				default:
				}
				select {
				case sub.locations <- evt:
					h.locationsRouted.Add(1)
				default:
				}
			}
		}
	}
}

// PublishPanic routes evt the same way as PublishLocation, but never
// drops it: a full queue blocks up to panicSendTimeout, and a subscriber
// still unable to receive it is disconnected with telemetryerr.ErrSubscriberSlow.
func (h *Hub) PublishPanic(evt model.PanicAlert) {
	topics := []Topic{deviceTopic(evt.DeviceID), fleetTopic, alertsTopic}
	if evt.Owner.AdminID != nil {
		topics = append(topics, adminTopic(*evt.Owner.AdminID))
	}
	if evt.Owner.DealerID != nil {
		topics = append(topics, dealerTopic(*evt.Owner.DealerID))
	}
	if evt.Owner.ClientID != nil {
		topics = append(topics, clientTopic(*evt.Owner.ClientID))
	}
	if evt.Owner.UserID != nil {
		topics = append(topics, userTopic(*evt.Owner.UserID))
	}

	h.mu.RLock()
	seen := make(map[uint64]bool)
	var targets []*Subscriber
	for _, topic := range topics {
		for id, sub := range h.byTopic[topic] {
			// seen skips a Subscriber already targeted. Each Subscriber
			// holds a single topic, so a connection subscribed to e.g.
			// both "fleet" and "alerts" holds two Subscribers and is sent
			// the panic once per Subscriber.
			if seen[id] {
				continue
			}
			seen[id] = true
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.panics <- evt:
			h.panicsRouted.Add(1)
		case <-time.After(h.panicSendTimeout()):
			h.panicsDisconnected.Add(1)
			h.logger.Error("disconnecting slow panic subscriber", telemetryerr.ErrSubscriberSlow,
				logging.Component("fanout"), logging.DeviceID(evt.DeviceID))
			h.Unsubscribe(sub)
		}
	}
}

// Close tears down every subscriber, used at shutdown.
func (h *Hub) Close(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.bySubscriber {
		h.removeLocked(sub)
	}
}
