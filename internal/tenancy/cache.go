package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "tenancy"

// CachedReader serves membership and module lookups from Redis, falling back
// to the wrapped Reader. Divisions and Financers are always read through.
type CachedReader struct {
	Reader
	client *redis.Client
	ttl    time.Duration
}

// NewCachedReader wraps reader. A nil client or non-positive ttl disables
// caching.
func NewCachedReader(reader Reader, client *redis.Client, ttl time.Duration) *CachedReader {
	return &CachedReader{Reader: reader, client: client, ttl: ttl}
}

// ListMemberships returns cached memberships for the Financer.
func (c *CachedReader) ListMemberships(ctx context.Context, financerID uuid.UUID) ([]Membership, error) {
	var out []Membership
	err := c.fetch(ctx, cacheKey("memberships", financerID), &out, func(ctx context.Context) (any, error) {
		return c.Reader.ListMemberships(ctx, financerID)
	})
	return out, err
}

// ListFinancerModules returns cached Financer module attachments.
func (c *CachedReader) ListFinancerModules(ctx context.Context, financerID uuid.UUID) ([]ModuleActivation, error) {
	var out []ModuleActivation
	err := c.fetch(ctx, cacheKey("financer_modules", financerID), &out, func(ctx context.Context) (any, error) {
		return c.Reader.ListFinancerModules(ctx, financerID)
	})
	return out, err
}

// ListDivisionModules returns cached Division module attachments.
func (c *CachedReader) ListDivisionModules(ctx context.Context, divisionID uuid.UUID) ([]ModuleActivation, error) {
	var out []ModuleActivation
	err := c.fetch(ctx, cacheKey("division_modules", divisionID), &out, func(ctx context.Context) (any, error) {
		return c.Reader.ListDivisionModules(ctx, divisionID)
	})
	return out, err
}

// Invalidate drops every cached entry for the tenant.
func (c *CachedReader) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Del(ctx,
		cacheKey("memberships", tenantID),
		cacheKey("financer_modules", tenantID),
		cacheKey("division_modules", tenantID),
	).Err()
}

func (c *CachedReader) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

func (c *CachedReader) fetch(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if !c.enabled() {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return roundTrip(value, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("tenancy: cache get %s: %w", key, err)
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("tenancy: cache set %s: %w", key, err)
	}
	return json.Unmarshal(raw, dest)
}

func roundTrip(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func cacheKey(kind string, id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, kind, id)
}
