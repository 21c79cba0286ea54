// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup provides short-lived claims in Redis (SET NX with TTL) so that
// only one worker reconciles a given message at a time, even when the inbound
// endpoint is hit repeatedly for the same message.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a claim is held if it is never released.
	DefaultTTL = 10 * time.Minute

	// keyPrefix namespaces claim keys in Redis.
	keyPrefix = "ordermail:reconcile:"
)

// redisClient is the subset of the go-redis client used by Claims.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Claims hands out exclusive, expiring claims on reconciliation keys.
type Claims struct {
	rdb redisClient
	ttl time.Duration
}

// NewClaims creates a claim set backed by Redis. ttl <= 0 selects DefaultTTL.
func NewClaims(rdb redisClient, ttl time.Duration) *Claims {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Claims{rdb: rdb, ttl: ttl}
}

// TTL returns how long a claim lives before Redis expires it.
func (c *Claims) TTL() time.Duration {
	return c.ttl
}

// Key builds the claim key for one tenant's message.
func Key(tenantID, messageID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, tenantID, messageID)
}

// Claim returns true if the caller now holds the claim for key. A false
// result means another worker holds it and the caller should skip the work.
func (c *Claims) Claim(ctx context.Context, key string) (bool, error) {
	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := c.rdb.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release drops the claim so later requests may reconcile again.
func (c *Claims) Release(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
