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
	"sync"
)

// MemoryRunner 进程内实现：FIFO 切片 + 通知 channel，单进程部署（API 内嵌消费）与测试使用
type MemoryRunner struct {
	*pool
	mu      sync.Mutex
	queue   []Task
	revoked map[string]struct{}
	notify  chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	loop    sync.WaitGroup
}

// NewMemoryRunner 创建进程内 Runner
func NewMemoryRunner(handler HandlerFunc, opts Options) *MemoryRunner {
	return &MemoryRunner{
		pool:    newPool(handler, opts),
		revoked: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

func (r *MemoryRunner) Supports(jobType string) bool {
	return r.supports(jobType)
}

func (r *MemoryRunner) Enqueue(ctx context.Context, t Task) error {
	if err := r.checkType(t.JobType); err != nil {
		return err
	}
	r.mu.Lock()
	r.queue = append(r.queue, t)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *MemoryRunner) Revoke(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jobID] = struct{}{}
	return nil
}

// Pending 队列中尚未取出的任务数
func (r *MemoryRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// next 取队首；被撤销的任务直接丢弃
func (r *MemoryRunner) next() (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) > 0 {
		t := r.queue[0]
		r.queue = r.queue[1:]
		if _, ok := r.revoked[t.JobID]; ok {
			delete(r.revoked, t.JobID)
			r.logger.Info("skip revoked task", "job_id", t.JobID)
			continue
		}
		return t, true
	}
	return Task{}, false
}

func (r *MemoryRunner) Start(ctx context.Context) {
	r.loop.Add(1)
	go func() {
		defer r.loop.Done()
		for {
			if !r.acquire(ctx, r.stopCh) {
				return
			}
			t, ok := r.next()
			if !ok {
				r.release()
				select {
				case <-r.notify:
					continue
				case <-ctx.Done():
					return
				case <-r.stopCh:
					return
				}
			}
			r.run(t)
		}
	}()
}

func (r *MemoryRunner) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.loop.Wait()
	r.wait()
}
