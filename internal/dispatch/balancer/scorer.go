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

// Package balancer 按队列深度在在线 worker 之间选择目标
package balancer

import (
	"context"
	"errors"
	"time"

	"gen-dispatch/internal/dispatch/backend"
	"gen-dispatch/internal/dispatch/job"
	apperrors "gen-dispatch/pkg/errors"
)

// ErrNoWorkerAvailable 没有在线且未被排除的 worker
var ErrNoWorkerAvailable = apperrors.Wrap(apperrors.ErrNoCapacity, "no worker available")

// Pick 在 online 中选 load = Active - Stuck 最小者；相同负载取 online 中靠前的。
// 不出现在 loads 中的 worker 负载为 0
func Pick(online []string, loads map[string]job.Load, excluding ...string) (string, error) {
	best := ""
	bestLoad := 0
	for _, name := range online {
		if contains(excluding, name) {
			continue
		}
		l := loads[name]
		score := l.Active - l.Stuck
		if best == "" || score < bestLoad {
			best, bestLoad = name, score
		}
	}
	if best == "" {
		return "", ErrNoWorkerAvailable
	}
	return best, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Health 在线 worker 来源（backend.HealthIndex 实现）
type Health interface {
	Snapshot(ctx context.Context) (backend.Snapshot, error)
}

// Scorer 负载评分：一次状态查询 + 一次仓库聚合，选择不加全局锁
type Scorer struct {
	health         Health
	repo           job.Repository
	staleThreshold time.Duration
	busyThreshold  int
	now            func() time.Time
}

// NewScorer 创建负载评分器；staleThreshold 用于扣除卡住任务，busyThreshold 用于 IsBusy
func NewScorer(health Health, repo job.Repository, staleThreshold time.Duration, busyThreshold int) *Scorer {
	return &Scorer{
		health:         health,
		repo:           repo,
		staleThreshold: staleThreshold,
		busyThreshold:  busyThreshold,
		now:            time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Loads 当前各 worker 的负载
func (s *Scorer) Loads(ctx context.Context) (map[string]job.Load, error) {
	return s.repo.AggregateLoad(ctx, s.now().Add(-s.staleThreshold))
}

// SelectWorker 选择负载最小的在线 worker；状态接口不可达时按无在线 worker 处理
func (s *Scorer) SelectWorker(ctx context.Context, excluding ...string) (string, error) {
	snap, err := s.health.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrBackendUnreachable) {
			return "", apperrors.Wrap(ErrNoWorkerAvailable, err.Error())
		}
		return "", err
	}
	online := snap.Online()
	if len(online) == 0 {
		return "", ErrNoWorkerAvailable
	}
	loads, err := s.Loads(ctx)
	if err != nil {
		return "", err
	}
	return Pick(online, loads, excluding...)
}

// IsBusy worker 的活跃任务数是否超过繁忙阈值
func (s *Scorer) IsBusy(ctx context.Context, worker string) (bool, error) {
	loads, err := s.Loads(ctx)
	if err != nil {
		return false, err
	}
	return loads[worker].Active > s.busyThreshold, nil
}

// BusyThreshold 繁忙阈值
func (s *Scorer) BusyThreshold() int {
	return s.busyThreshold
}
