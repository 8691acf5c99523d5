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

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimer_EveryRunsUntilStop(t *testing.T) {
	var calls atomic.Int32
	var errs atomic.Int32
	timer := NewTimer(func(name string, err error) {
		if name == "sweep" {
			errs.Add(1)
		}
	})
	timer.Every(context.Background(), "sweep", 10*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	timer.Stop()
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls.Load())
	}
	if errs.Load() == 0 {
		t.Error("onError not called")
	}

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("timer kept running after Stop: %d -> %d", after, calls.Load())
	}
}

func TestTimer_ContextCancelAndZeroInterval(t *testing.T) {
	var calls atomic.Int32
	timer := NewTimer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	timer.Every(ctx, "never", 0, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	timer.Every(ctx, "cancelled", time.Hour, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	cancel()
	timer.Stop()
	if calls.Load() != 0 {
		t.Errorf("expected no calls, got %d", calls.Load())
	}
}
