package targets

import (
	"os"
	"path/filepath"
	"testing"

	"tablebook/shared/events"
)

func TestDefaultRoutes(t *testing.T) {
	router := Default()
	routes := router.Routes(events.EventBookingCreated)
	if len(routes) != 3 {
		t.Fatalf("expected 3 routes for booking_created, got %d", len(routes))
	}
	byTarget := map[string]string{}
	for _, r := range routes {
		byTarget[r.Target] = r.Topic
	}
	if byTarget[events.TargetPayments] != events.TopicPaymentRequests {
		t.Fatalf("payments topic = %q", byTarget[events.TargetPayments])
	}
	if byTarget[events.TargetAnalytics] != events.TopicBookingEvents {
		t.Fatalf("analytics topic = %q", byTarget[events.TargetAnalytics])
	}
	if routes := router.Routes("unknown_event"); routes != nil {
		t.Fatalf("unknown event must route nowhere, got %v", routes)
	}
}

func TestLoadOverridesSubscriptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.json")
	data := `{
  "subscriptions": {
    "booking_created": ["email"]
  },
  "topics": {
    "email": "notifications.email"
  }
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write targets file: %v", err)
	}
	router, err := Load(path)
	if err != nil {
		t.Fatalf("load targets: %v", err)
	}
	routes := router.Routes(events.EventBookingCreated)
	if len(routes) != 1 || routes[0].Target != "email" || routes[0].Topic != "notifications.email" {
		t.Fatalf("unexpected routes: %v", routes)
	}
	if routes := router.Routes(events.EventBookingConfirmed); len(routes) != 0 {
		t.Fatalf("unsubscribed event must route nowhere, got %v", routes)
	}
}

func TestLoadRejectsUnmappedTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.json")
	data := `{
  "subscriptions": {"booking_created": ["payments"]},
  "topics": {"email": "notifications.email"}
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write targets file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for target with no topic")
	}
}

func TestLoadEmptyPathUsesDefault(t *testing.T) {
	router, err := Load("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if len(router.Targets()) != 4 {
		t.Fatalf("expected 4 default targets, got %v", router.Targets())
	}
}
