package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
)

// Type names a user lifecycle event.
type Type string

const (
	UserCreated Type = "user.created"
	UserUpdated Type = "user.updated"
	UserDeleted Type = "user.deleted"
)

// UserEvent is the JSON payload published for every lifecycle change.
type UserEvent struct {
	Type       Type           `json:"type"`
	UserID     uuid.UUID      `json:"userId"`
	UserName   string         `json:"userName"`
	UserType   types.UserType `json:"userType"`
	ActorID    *uuid.UUID     `json:"actorId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewUserEvent builds an event for user. actor is nil for self-service changes.
func NewUserEvent(eventType Type, user types.User, actor *types.User) UserEvent {
	event := UserEvent{
		Type:       eventType,
		UserID:     user.ID,
		UserName:   user.UserName,
		UserType:   user.UserType,
		OccurredAt: time.Now().UTC(),
	}
	if actor != nil {
		actorID := actor.ID
		event.ActorID = &actorID
	}
	return event
}

// Backend is a broker that can publish to a named channel.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Close() error
}

// Publisher sends user events to a backend. Failures are logged and never
// returned, so a broker outage does not fail the user operation.
type Publisher struct {
	backend Backend
	channel string
	logger  *zap.Logger
}

// NewPublisher wraps backend. A nil backend publishes nothing.
func NewPublisher(backend Backend, channel string, logger *zap.Logger) *Publisher {
	if backend == nil {
		backend = NoopBackend{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{backend: backend, channel: channel, logger: logger}
}

// New selects the backend named in cfg.Backend.
func New(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (*Publisher, error) {
	var backend Backend
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		backend = NoopBackend{}
	case "rabbitmq":
		client, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		backend = client
	case "pubsub":
		client, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		backend = client
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
	return NewPublisher(backend, cfg.Channel, logger), nil
}

// Publish sends event on the configured channel.
func (p *Publisher) Publish(ctx context.Context, event UserEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("encode user event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	attrs := map[string]string{
		"type":   string(event.Type),
		"userId": event.UserID.String(),
	}
	id, err := p.backend.Publish(ctx, p.channel, data, attrs)
	if err != nil {
		p.logger.Warn("publish user event",
			zap.String("type", string(event.Type)),
			zap.String("user_id", event.UserID.String()),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("published user event", zap.String("type", string(event.Type)), zap.String("message_id", id))
}

// Close closes the underlying backend.
func (p *Publisher) Close() error {
	return p.backend.Close()
}

// NoopBackend discards every message.
type NoopBackend struct{}

func (NoopBackend) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	return "", nil
}

func (NoopBackend) Close() error { return nil }
