// Package events publishes auth lifecycle events for downstream consumers
// (profile service, notification fan-out, analytics). Publishing is
// fire-and-forget: a broker outage never fails the request that produced
// the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"carpool-auth/internal/client"
	"carpool-auth/internal/util"
)

const (
	TypeUserRegistered  = "user.registered"
	TypeUserActivated   = "user.activated"
	TypeUserLoggedIn    = "user.logged_in"
	TypeUserLoggedOut   = "user.logged_out"
	TypePasswordChanged = "user.password_changed"
	TypeProfileUpdated  = "user.profile_updated"
	TypePhoneVerified   = "user.phone_verified"
)

// AuthEvent is the wire shape of a published event. Phone is included so
// consumers without access to the credential store can still key on it.
type AuthEvent struct {
	Type       string            `json:"type"`
	UserID     string            `json:"userId"`
	Phone      string            `json:"phone,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event AuthEvent)
}

// KafkaPublisher writes events keyed by user id so one user's events stay
// ordered within a partition.
type KafkaPublisher struct {
	producer *client.KafkaProducer
}

func NewKafkaPublisher(producer *client.KafkaProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event AuthEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to encode auth event",
			util.String("type", event.Type),
			util.ErrorField(err))
		return
	}

	if err := p.producer.Publish(ctx, event.UserID, payload); err != nil {
		util.Warn("Failed to publish auth event",
			util.String("type", event.Type),
			util.String("user_id", event.UserID),
			util.ErrorField(err))
	}
}

// NoopPublisher stands in when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, AuthEvent) {}
