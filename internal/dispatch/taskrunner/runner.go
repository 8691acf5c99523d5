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

// Package taskrunner 异步执行底座：Enqueue 投递任务，消费端按并发上限调用 handler
package taskrunner

import (
	"context"
	"sync"
	"time"

	apperrors "gen-dispatch/pkg/errors"
	"gen-dispatch/pkg/log"
	"gen-dispatch/pkg/metrics"
)

// Task 一条投递消息；JobID 即任务 ID，重复投递同一 JobID 由 handler 的状态前置条件去重
type Task struct {
	JobID   string         `json:"job_id"`
	JobType string         `json:"job_type"`
	UserID  string         `json:"user_id"`
	Worker  string         `json:"serv_name"`
	Params  map[string]any `json:"params"`
}

// HandlerFunc 消费端对每条任务的回调
type HandlerFunc func(ctx context.Context, t Task) error

// Runner 任务执行底座
type Runner interface {
	// Supports 是否注册了该任务类型
	Supports(jobType string) bool
	// Enqueue 投递任务；未注册的类型返回 ErrUnknownJobType
	Enqueue(ctx context.Context, t Task) error
	// Revoke 撤销尚未开始执行的任务（尽力而为）
	Revoke(ctx context.Context, jobID string) error
	// Start 启动消费循环（非阻塞）；ctx 取消或 Stop 后退出
	Start(ctx context.Context)
	// Stop 停止拉取并等待执行中的任务结束
	Stop()
}

// Options 消费端配置
type Options struct {
	JobTypes    []string      // 注册的任务类型
	Concurrency int           // 最大并发执行数，<=0 表示 1
	TimeLimit   time.Duration // 单条任务 handler 的时间上限，<=0 不限
	Logger      *log.Logger
}

// pool 并发受限的执行池：limiter 为信号量，每条任务一个 goroutine
type pool struct {
	handler   HandlerFunc
	types     map[string]struct{}
	limiter   chan struct{}
	timeLimit time.Duration
	logger    *log.Logger
	wg        sync.WaitGroup
}

func newPool(handler HandlerFunc, opts Options) *pool {
	max := opts.Concurrency
	if max <= 0 {
		max = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	types := make(map[string]struct{}, len(opts.JobTypes))
	for _, t := range opts.JobTypes {
		types[t] = struct{}{}
	}
	return &pool{
		handler:   handler,
		types:     types,
		limiter:   make(chan struct{}, max),
		timeLimit: opts.TimeLimit,
		logger:    logger,
	}
}

func (p *pool) supports(jobType string) bool {
	_, ok := p.types[jobType]
	return ok
}

func (p *pool) checkType(jobType string) error {
	if !p.supports(jobType) {
		return apperrors.Wrapf(apperrors.ErrUnknownJobType, "%q", jobType)
	}
	return nil
}

// acquire 占一个执行槽位；ctx 结束或 stop 关闭时返回 false
func (p *pool) acquire(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case p.limiter <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

func (p *pool) release() {
	<-p.limiter
}

// run 在已占槽位上异步执行；结束时释放槽位
func (p *pool) run(t Task) {
	p.wg.Add(1)
	metrics.TaskRunnerBusy.Inc()
	go func() {
		defer p.wg.Done()
		defer metrics.TaskRunnerBusy.Dec()
		defer p.release()

		ctx := context.Background()
		if p.timeLimit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeLimit)
			defer cancel()
		}
		if err := p.handler(ctx, t); err != nil {
			p.logger.Warn("task handler failed", "job_id", t.JobID, "job_type", t.JobType, "error", err)
		}
	}()
}

func (p *pool) wait() {
	p.wg.Wait()
}
