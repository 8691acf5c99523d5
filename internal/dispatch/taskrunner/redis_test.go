// Copyright 2026 fanjia1024
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

package taskrunner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRunner(t *testing.T, handler HandlerFunc) *RedisRunner {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis runner tests")
	}
	r, err := NewRedisRunner(context.Background(), RedisConfig{Addr: addr, Queue: "test-" + uuid.NewString()},
		handler, Options{JobTypes: testTypes, Concurrency: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = r.client.Del(ctx, r.tasksKey, r.revokedKey).Err()
		_ = r.Close()
	})
	return r
}

func TestRedisRunner_EnqueueConsumeRevoke(t *testing.T) {
	ran := make(chan Task, 4)
	r := newTestRedisRunner(t, func(ctx context.Context, task Task) error {
		ran <- task
		return nil
	})
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, Task{JobID: "revoked", JobType: "Face Swap"}))
	require.NoError(t, r.Enqueue(ctx, Task{JobID: "kept", JobType: "Face Swap", UserID: "u1", Worker: "gpu-1",
		Params: map[string]any{"prompt": "p"}}))
	require.NoError(t, r.Revoke(ctx, "revoked"))
	n, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	r.Start(ctx)
	defer r.Stop()

	select {
	case task := <-ran:
		assert.Equal(t, "kept", task.JobID)
		assert.Equal(t, "gpu-1", task.Worker)
		assert.Equal(t, "p", task.Params["prompt"])
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for task")
	}
	select {
	case task := <-ran:
		t.Fatalf("revoked task ran: %s", task.JobID)
	case <-time.After(200 * time.Millisecond):
	}
}
