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
	"sync"
	"time"
)

// Task 周期任务回调
type Task func(ctx context.Context) error

// Timer 以独立 ticker 运行多个周期任务；各任务之间互不阻塞，同一任务不会重叠执行
type Timer struct {
	onError func(name string, err error)
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewTimer 创建定时器；onError 可选（如打日志）
func NewTimer(onError func(name string, err error)) *Timer {
	return &Timer{
		onError: onError,
		stopCh:  make(chan struct{}),
	}
}

// Every 在 goroutine 中每隔 interval 调用一次 fn，直到 ctx 取消或 Stop；interval<=0 时不启动
func (t *Timer) Every(ctx context.Context, name string, interval time.Duration, fn Task) {
	if interval <= 0 {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && t.onError != nil {
					t.onError(name, err)
				}
			}
		}
	}()
}

// Stop 停止所有周期任务并等待当前一轮执行结束
func (t *Timer) Stop() {
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
