// Package ingress validates inbound webhook deliveries and normalizes
// them into dqs.WorkItem enqueue calls.
package ingress

import "go.uber.org/zap"

// Event is a validated, parsed webhook delivery handed from the HTTP
// transport to the Normalizer.
type Event struct {
	DeliveryID string
	EventType  string
	// Payload is the go-github typed event (*github.PullRequestEvent,
	// *github.CheckSuiteEvent, *github.StatusEvent, ...), as returned by
	// github.ParseWebHook. It is never logged directly.
	Payload any
}

func (e *Event) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("github.delivery_id", e.DeliveryID),
		zap.String("github.event_type", e.EventType),
	}
}
