package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/internal/events"
	"github.com/usermgmt/apiserver/internal/store"
	"github.com/usermgmt/apiserver/types"
)

type memRepo struct {
	mu      sync.Mutex
	users   map[uuid.UUID]types.User
	clock   time.Time
	calls   int
	updates int
}

func newMemRepo() *memRepo {
	return &memRepo{
		users: make(map[uuid.UUID]types.User),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *memRepo) GetByEmail(_ context.Context, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, user := range r.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *memRepo) FindByEmailOrUserName(_ context.Context, email, userName string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, user := range r.users {
		if strings.EqualFold(user.Email, email) || user.UserName == userName {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *memRepo) Create(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return types.User{}, &store.ConflictError{Field: "email"}
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := r.tick()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = user
	return user, nil
}

func (r *memRepo) Update(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.updates++
	existing, ok := r.users[user.ID]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	user.RefreshToken = existing.RefreshToken
	user.UpdatedAt = r.tick()
	r.users[user.ID] = user
	return user, nil
}

func (r *memRepo) SetRefreshToken(_ context.Context, id uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	user, ok := r.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.RefreshToken = token
	r.users[id] = user
	return nil
}

func (r *memRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if _, ok := r.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *memRepo) List(_ context.Context, filter store.ListFilter) ([]types.User, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	var matched []types.User
	for _, user := range r.users {
		if user.ID == filter.ExcludeID {
			continue
		}
		if len(filter.UserTypes) > 0 && !user.UserType.In(filter.UserTypes...) {
			continue
		}
		if filter.UserNameContains != "" && !strings.Contains(strings.ToLower(user.UserName), strings.ToLower(filter.UserNameContains)) {
			continue
		}
		matched = append(matched, user)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// seed stores user directly, bypassing validation.
func (r *memRepo) seed(user types.User) types.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Status == "" {
		user.Status = types.StatusEnabled
	}
	now := r.tick()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = user
	return user
}

func (r *memRepo) get(id uuid.UUID) types.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id]
}

func (r *memRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.UserEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event events.UserEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) eventTypes() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingCache struct {
	passthroughCache
	invalidated []uuid.UUID
}

func (c *recordingCache) Invalidate(_ context.Context, id uuid.UUID) error {
	c.invalidated = append(c.invalidated, id)
	return nil
}
