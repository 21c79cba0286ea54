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

// Package notify publishes UI notifications to Redis pub/sub. Subscribers
// (the web tier's socket fan-out) forward them to connected browsers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of the go-redis client used by Publisher.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Publisher sends notification envelopes to Redis channels.
type Publisher struct {
	rdb redisClient
	now func() time.Time
}

// NewPublisher creates a Publisher on rdb.
func NewPublisher(rdb redisClient) *Publisher {
	return &Publisher{rdb: rdb, now: time.Now}
}

// Envelope is the JSON document published on a channel.
type Envelope struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// TenantChannel is the channel carrying notifications for one tenant.
func TenantChannel(tenantID string) string {
	return "tenant:" + tenantID
}

// Broadcast publishes payload as event on channel. The number of receivers
// is not reported; delivery is fire-and-forget.
func (p *Publisher) Broadcast(ctx context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	env := Envelope{
		ID:      uuid.New().String(),
		Event:   event,
		SentAt:  p.now().UTC(),
		Payload: body,
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := p.rdb.Publish(ctx, channel, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH: %w", err)
	}

	slog.Debug("published notification",
		"id", env.ID,
		"event", event,
		"channel", channel,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
