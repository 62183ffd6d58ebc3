package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/config"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// Object is a readable stored object. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// AvatarStore keeps one avatar image per user.
type AvatarStore struct {
	backend ObjectStorage
}

// NewAvatarStore constructs an AvatarStore for the provided backend.
func NewAvatarStore(backend ObjectStorage) *AvatarStore {
	return &AvatarStore{backend: backend}
}

// New builds the backend named in cfg.Backend and ensures its bucket exists.
// It returns nil when avatar storage is disabled.
func New(ctx context.Context, cfg config.StorageConfig) (*AvatarStore, error) {
	var backend ObjectStorage
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return nil, nil
	case "minio":
		client, err := NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		backend = client
	case "gcs":
		client, err := NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		backend = client
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if err := backend.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", backend.Bucket(), err)
	}
	return NewAvatarStore(backend), nil
}

// AvatarKey is the object key holding the avatar of userID.
func AvatarKey(userID uuid.UUID) string {
	return "avatars/" + userID.String()
}

// PutAvatar stores the avatar of userID and returns its key.
func (s *AvatarStore) PutAvatar(ctx context.Context, userID uuid.UUID, r io.Reader, size int64, contentType string) (string, error) {
	key := AvatarKey(userID)
	if err := s.backend.Put(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("put avatar: %w", err)
	}
	return key, nil
}

// GetAvatar opens the object stored under key.
func (s *AvatarStore) GetAvatar(ctx context.Context, key string) (Object, error) {
	return s.backend.Get(ctx, key)
}

// DeleteAvatar removes the object stored under key. Missing objects are ignored.
func (s *AvatarStore) DeleteAvatar(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return err
	}
	return nil
}

// Bucket returns the configured bucket name.
func (s *AvatarStore) Bucket() string {
	return s.backend.Bucket()
}
