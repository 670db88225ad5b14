// Package targets decides which downstream consumers receive each domain
// event. The outbox fan-out asks the router at write time, so a delivery row
// exists per event per interested target before the transaction commits.
package targets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"tablebook/shared/events"
)

// Route is one delivery obligation: publish the event envelope to Topic on
// behalf of Target.
type Route struct {
	Target string `json:"target"`
	Topic  string `json:"topic"`
}

type Config struct {
	// Subscriptions maps an event type to the targets that want it.
	Subscriptions map[string][]string `json:"subscriptions"`
	// Topics maps a target to the topic its gateway consumes.
	Topics map[string]string `json:"topics"`
}

type Router struct {
	cfg Config
}

// Default wires the built-in subscription table: payments and email see the
// whole booking lifecycle, messaging sees confirmations and cancellations,
// analytics sees everything.
func Default() Router {
	return Router{cfg: Config{
		Subscriptions: map[string][]string{
			events.EventBookingCreated:   {events.TargetPayments, events.TargetEmail, events.TargetAnalytics},
			events.EventBookingConfirmed: {events.TargetPayments, events.TargetEmail, events.TargetMessaging, events.TargetAnalytics},
			events.EventBookingCancelled: {events.TargetPayments, events.TargetEmail, events.TargetMessaging, events.TargetAnalytics},
			events.EventBookingCompleted: {events.TargetEmail, events.TargetAnalytics},
		},
		Topics: map[string]string{
			events.TargetPayments:  events.TopicPaymentRequests,
			events.TargetEmail:     events.TopicEmailNotices,
			events.TargetMessaging: events.TopicMessagingNotices,
			events.TargetAnalytics: events.TopicBookingEvents,
		},
	}}
}

// Load reads a subscription table from a JSON file. An empty path falls back
// to Default; a present but unreadable or inconsistent file is an error, not
// a silent fallback.
func Load(path string) (Router, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Router{}, fmt.Errorf("read targets config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Router{}, fmt.Errorf("parse targets config: %w", err)
	}
	if len(cfg.Subscriptions) == 0 {
		return Router{}, errors.New("targets config must define subscriptions")
	}
	if len(cfg.Topics) == 0 {
		return Router{}, errors.New("targets config must define topics")
	}
	for eventType, subscribers := range cfg.Subscriptions {
		if strings.TrimSpace(eventType) == "" {
			return Router{}, errors.New("subscription event type must not be empty")
		}
		for _, target := range subscribers {
			if _, ok := cfg.Topics[target]; !ok {
				return Router{}, fmt.Errorf("subscription %q references target %q with no topic", eventType, target)
			}
		}
	}
	return Router{cfg: cfg}, nil
}

// Routes returns the delivery obligations for an event type in stable target
// order. Unknown event types route nowhere.
func (r Router) Routes(eventType string) []Route {
	subscribers := r.cfg.Subscriptions[strings.TrimSpace(eventType)]
	if len(subscribers) == 0 {
		return nil
	}
	out := make([]Route, 0, len(subscribers))
	for _, target := range subscribers {
		topic, ok := r.cfg.Topics[target]
		if !ok {
			continue
		}
		out = append(out, Route{Target: target, Topic: topic})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Targets lists every configured target in stable order.
func (r Router) Targets() []string {
	out := make([]string, 0, len(r.cfg.Topics))
	for target := range r.cfg.Topics {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}
