// Package identity maps gateway user and model ids to human labels. The
// gateway database is read-only from here; lookups are cached in redis
// because dimension breakdowns resolve the same handful of ids on every
// request.
package identity

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("identity not found")

type User struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
}

type Model struct {
	ModelID   string `json:"model_id"`
	ModelName string `json:"model_name"`
}

type Store interface {
	UserEmail(ctx context.Context, userID string) (string, error)
	ModelName(ctx context.Context, modelID string) (string, error)
	ListUsers(ctx context.Context) ([]User, error)
	ListModels(ctx context.Context) ([]Model, error)
}

const cacheTTL = 10 * time.Minute

// Resolver answers label lookups, degrading to "" (caller shows the raw
// id) on any failure. cache may be nil.
type Resolver struct {
	store Store
	cache *redis.Client
}

func NewResolver(store Store, cache *redis.Client) *Resolver {
	return &Resolver{store: store, cache: cache}
}

func (r *Resolver) UserEmail(ctx context.Context, userID string) string {
	return r.lookup(ctx, "identity:user:"+userID, userID, r.store.UserEmail)
}

func (r *Resolver) ModelName(ctx context.Context, modelID string) string {
	return r.lookup(ctx, "identity:model:"+modelID, modelID, r.store.ModelName)
}

func (r *Resolver) lookup(ctx context.Context, cacheKey, id string, fetch func(context.Context, string) (string, error)) string {
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}

	if r.cache != nil {
		label, err := r.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			return label
		}
		if err != redis.Nil {
			log.Printf("identity: redis error: %v", err)
		}
	}

	label, err := fetch(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("identity: lookup failed id=%s: %v", id, err)
		}
		return ""
	}

	if r.cache != nil {
		_ = r.cache.Set(ctx, cacheKey, label, cacheTTL).Err()
	}
	return label
}

// ListUsers and ListModels feed the directory endpoints; they bypass the
// redis cache and read the store directly.

func (r *Resolver) ListUsers(ctx context.Context) ([]User, error) {
	return r.store.ListUsers(ctx)
}

func (r *Resolver) ListModels(ctx context.Context) ([]Model, error) {
	return r.store.ListModels(ctx)
}
