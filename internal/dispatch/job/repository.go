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

package job

import (
	"context"
	"time"
)

// UpdateFunc 在行锁内修改 Job；返回错误时不写回
type UpdateFunc func(j *Job) error

// Repository 任务持久化；API 与 Worker 共享同一实现时（Postgres）即可跨进程调度
type Repository interface {
	Insert(ctx context.Context, j *Job) error
	// Get 不存在时返回 ErrNotFound
	Get(ctx context.Context, id string) (*Job, error)
	// Update 对单行做原子的 读-改-写；fn 收到的是副本，返回 nil 才会落库，返回最新副本
	Update(ctx context.Context, id string, fn UpdateFunc) (*Job, error)
	Delete(ctx context.Context, id string) error
	// AggregateLoad 按 assigned worker 汇总活跃数与卡住数；卡住 = In Progress 且 AttemptStartedAt 早于 staleBefore
	AggregateLoad(ctx context.Context, staleBefore time.Time) (map[string]Load, error)
	// ListByStatus 按 (CreatedAt, ID) 升序返回该状态的全部任务
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)
}
