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

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type published struct {
	channel string
	message string
}

type fakeRedis struct {
	sent []published
	err  error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.sent = append(f.sent, published{channel: channel, message: message.(string)})
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func TestBroadcastEnvelope(t *testing.T) {
	rdb := &fakeRedis{}
	p := NewPublisher(rdb)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	payload := map[string]string{"messageId": "m1"}
	if err := p.Broadcast(context.Background(), TenantChannel("7"), "inbound_email", payload); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if len(rdb.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(rdb.sent))
	}
	if rdb.sent[0].channel != "tenant:7" {
		t.Errorf("channel = %q, want tenant:7", rdb.sent[0].channel)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(rdb.sent[0].message), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.ID == "" {
		t.Error("envelope id should be set")
	}
	if env.Event != "inbound_email" || !env.SentAt.Equal(fixed) {
		t.Errorf("envelope = %+v", env)
	}
	if string(env.Payload) != `{"messageId":"m1"}` {
		t.Errorf("payload = %s", env.Payload)
	}
}

func TestBroadcastWrapsError(t *testing.T) {
	boom := errors.New("down")
	p := NewPublisher(&fakeRedis{err: boom})
	if err := p.Broadcast(context.Background(), "c", "e", nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}
