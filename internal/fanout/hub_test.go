package fanout

import (
	"testing"
	"time"

	"github.com/fleetwatch/telemetry/internal/model"
)

// permissiveScope answers every ownership question with the same fixed
// owns value, so a test controls the scope lookups with one switch.
type permissiveScope struct{ owns bool }

func (s permissiveScope) DealerOwnsClient(int64, int64) (bool, error) { return s.owns, nil }
func (s permissiveScope) DealerOwnsUser(int64, int64) (bool, error)   { return s.owns, nil }
func (s permissiveScope) ClientOwnsUser(int64, int64) (bool, error)   { return s.owns, nil }
func (s permissiveScope) OwnsDevice(model.Principal, string) (bool, error) {
	return s.owns, nil
}
func (s permissiveScope) FleetCounts(model.Principal) (int, int, error) { return 3, 2, nil }

func TestSubscribeAuthorizationMonotonicity(t *testing.T) {
	scope := permissiveScope{owns: true}
	hub := New(scope, nil)

	topic := Topic("client/7")
	roles := []model.Role{model.RoleUser, model.RoleClient, model.RoleDealer, model.RoleAdmin, model.RoleSuperadmin}

	var accepted []bool
	for _, r := range roles {
		p := model.Principal{UserID: 7, Role: r}
		_, err := hub.Subscribe(p, topic)
		accepted = append(accepted, err == nil)
	}

	// Once a role is accepted, every more-privileged role must also be
	// accepted: escalation never narrows the accepted topic set.
	seenAccept := false
	for i, ok := range accepted {
		if seenAccept && !ok {
			t.Errorf("role %v rejected after a less-privileged role was accepted", roles[i])
		}
		if ok {
			seenAccept = true
		}
	}
	if !accepted[len(accepted)-1] {
		t.Errorf("SUPERADMIN must be accepted for any topic")
	}
}

func TestSubscribeUserTopicOwnUserOnly(t *testing.T) {
	hub := New(permissiveScope{owns: false}, nil)

	if _, err := hub.Subscribe(model.Principal{UserID: 7, Role: model.RoleUser}, Topic("user/8")); err == nil {
		t.Errorf("user 7 subscribing to user/8 should be Unauthorized")
	}
	if _, err := hub.Subscribe(model.Principal{UserID: 7, Role: model.RoleUser}, Topic("user/7")); err != nil {
		t.Errorf("user 7 subscribing to user/7 should be accepted, got %v", err)
	}
}

func TestPublishLocationDropsOldestOnOverflow(t *testing.T) {
	hub := New(permissiveScope{owns: true}, nil, RealtimeConfig{SubscriberQueueMax: 16})
	sub, err := hub.Subscribe(model.Principal{Role: model.RoleAdmin}, Topic("device/A"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cap := hub.locationQueueSize()
	for i := 0; i < cap+5; i++ {
		hub.PublishLocation(model.LocationUpdate{DeviceID: "A"})
	}

	stats := hub.Stats()
	if stats.LocationsDropped == 0 {
		t.Errorf("expected some locations to be dropped once the queue overflowed")
	}
	if len(sub.locations) != cap {
		t.Errorf("queue length = %d, want full at %d", len(sub.locations), cap)
	}
}

func TestPublishPanicDisconnectsSlowSubscriber(t *testing.T) {
	hub := New(permissiveScope{owns: true}, nil, RealtimeConfig{SendTimeoutMS: 20, SubscriberQueueMax: 16})
	sub, err := hub.Subscribe(model.Principal{Role: model.RoleAdmin}, Topic("device/A"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Fill the panic queue so the next publish must block past the timeout.
	cap := hub.panicQueueSize()
	for i := 0; i < cap; i++ {
		hub.PublishPanic(model.PanicAlert{DeviceID: "A"})
	}

	hub.PublishPanic(model.PanicAlert{DeviceID: "A"})

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Errorf("expected the slow subscriber to be disconnected after the panic send timeout")
	}
}

func TestPublishPanicReachesOtherSubscribersDuringSlowOne(t *testing.T) {
	hub := New(permissiveScope{owns: true}, nil, RealtimeConfig{SendTimeoutMS: 20, SubscriberQueueMax: 16})
	slow, err := hub.Subscribe(model.Principal{Role: model.RoleAdmin}, Topic("device/A"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fast, err := hub.Subscribe(model.Principal{Role: model.RoleAdmin}, Topic("device/A"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cap := hub.panicQueueSize()
	for i := 0; i < cap; i++ {
		// Drain fast's queue so it doesn't also overflow.
		hub.PublishPanic(model.PanicAlert{DeviceID: "A"})
		<-fast.Panics()
	}

	hub.PublishPanic(model.PanicAlert{DeviceID: "A"})

	select {
	case <-fast.Panics():
	case <-time.After(time.Second):
		t.Errorf("fast subscriber should still receive the panic alert even while slow is being disconnected")
	}
	_ = slow
}
