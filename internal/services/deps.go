package services

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/internal/events"
	"github.com/usermgmt/apiserver/internal/storage"
	"github.com/usermgmt/apiserver/internal/store"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	FindByEmailOrUserName(ctx context.Context, email, userName string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
	SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter store.ListFilter) ([]types.User, int, error)
}

// EventPublisher receives user lifecycle events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event events.UserEvent)
}

// IdentityCache fronts user lookups made on every authenticated request.
type IdentityCache interface {
	Load(ctx context.Context, id uuid.UUID, loader func(context.Context) (types.User, error)) (types.User, error)
	Invalidate(ctx context.Context, id uuid.UUID) error
}

// AvatarStore persists avatar images.
type AvatarStore interface {
	PutAvatar(ctx context.Context, userID uuid.UUID, r io.Reader, size int64, contentType string) (string, error)
	GetAvatar(ctx context.Context, key string) (storage.Object, error)
	DeleteAvatar(ctx context.Context, key string) error
}

// AuthRecorder counts authentication outcomes.
type AuthRecorder interface {
	RecordAuth(operation, outcome string)
}

type deps struct {
	events  EventPublisher
	cache   IdentityCache
	avatars AvatarStore
	metrics AuthRecorder
	logger  *zap.Logger
}

func newDeps(opts []Option) deps {
	d := deps{
		events:  noopPublisher{},
		cache:   passthroughCache{},
		metrics: noopRecorder{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Option configures the optional collaborators of a service.
type Option func(*deps)

func WithEvents(publisher EventPublisher) Option {
	return func(d *deps) {
		if publisher != nil {
			d.events = publisher
		}
	}
}

func WithIdentityCache(cache IdentityCache) Option {
	return func(d *deps) {
		if cache != nil {
			d.cache = cache
		}
	}
}

// WithAvatarStore enables avatar upload and download.
func WithAvatarStore(avatars AvatarStore) Option {
	return func(d *deps) {
		d.avatars = avatars
	}
}

func WithMetrics(metrics AuthRecorder) Option {
	return func(d *deps) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *deps) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func (d deps) invalidate(ctx context.Context, id uuid.UUID) {
	if err := d.cache.Invalidate(ctx, id); err != nil {
		d.logger.Warn("invalidate identity cache", zap.String("user_id", id.String()), zap.Error(err))
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, events.UserEvent) {}

type passthroughCache struct{}

func (passthroughCache) Load(ctx context.Context, _ uuid.UUID, loader func(context.Context) (types.User, error)) (types.User, error) {
	return loader(ctx)
}

func (passthroughCache) Invalidate(context.Context, uuid.UUID) error { return nil }

type noopRecorder struct{}

func (noopRecorder) RecordAuth(string, string) {}
