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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig Redis 连接与 key 前缀
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Queue    string // key 前缀：<queue>:tasks 为任务 list，<queue>:revoked 为撤销集合
}

// RedisRunner 基于 Redis list 的分布式实现：API 进程 LPUSH，Worker 进程 BRPOP 消费
type RedisRunner struct {
	*pool
	client     *redis.Client
	tasksKey   string
	revokedKey string
	popTimeout time.Duration
	stopCh     chan struct{}
	stopped    sync.Once
	loop       sync.WaitGroup
}

// NewRedisRunner 创建 Redis Runner 并 PING 校验连接；handler 为 nil 时只用于投递（API 进程）
func NewRedisRunner(ctx context.Context, cfg RedisConfig, handler HandlerFunc, opts Options) (*RedisRunner, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "dispatch"
	}
	return &RedisRunner{
		pool:       newPool(handler, opts),
		client:     client,
		tasksKey:   queue + ":tasks",
		revokedKey: queue + ":revoked",
		popTimeout: time.Second,
		stopCh:     make(chan struct{}),
	}, nil
}

func (r *RedisRunner) Supports(jobType string) bool {
	return r.supports(jobType)
}

func (r *RedisRunner) Enqueue(ctx context.Context, t Task) error {
	if err := r.checkType(t.JobType); err != nil {
		return err
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return r.client.LPush(ctx, r.tasksKey, b).Err()
}

func (r *RedisRunner) Revoke(ctx context.Context, jobID string) error {
	return r.client.SAdd(ctx, r.revokedKey, jobID).Err()
}

// Pending list 中尚未取出的任务数
func (r *RedisRunner) Pending(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.tasksKey).Result()
}

// pop 阻塞取一条；超时返回 ok=false；被撤销的任务移出撤销集合后丢弃
func (r *RedisRunner) pop(ctx context.Context) (Task, bool, error) {
	res, err := r.client.BRPop(ctx, r.popTimeout, r.tasksKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Task{}, false, nil
		}
		return Task{}, false, err
	}
	if len(res) != 2 {
		return Task{}, false, nil
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		r.logger.Error("drop undecodable task", "error", err)
		return Task{}, false, nil
	}
	removed, err := r.client.SRem(ctx, r.revokedKey, t.JobID).Result()
	if err != nil {
		return Task{}, false, err
	}
	if removed > 0 {
		r.logger.Info("skip revoked task", "job_id", t.JobID)
		return Task{}, false, nil
	}
	return t, true, nil
}

func (r *RedisRunner) Start(ctx context.Context) {
	r.loop.Add(1)
	go func() {
		defer r.loop.Done()
		for {
			if !r.acquire(ctx, r.stopCh) {
				return
			}
			select {
			case <-r.stopCh:
				r.release()
				return
			default:
			}
			t, ok, err := r.pop(ctx)
			if err != nil {
				r.release()
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("redis pop failed", "error", err)
				time.Sleep(200 * time.Millisecond)
				continue
			}
			if !ok {
				r.release()
				continue
			}
			r.run(t)
		}
	}()
}

func (r *RedisRunner) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.loop.Wait()
	r.wait()
}

// Close 关闭 Redis 连接
func (r *RedisRunner) Close() error {
	return r.client.Close()
}
