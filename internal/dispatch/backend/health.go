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

package backend

import (
	"context"
)

// StatusOnline 状态接口中表示在线的取值；其余任何值均视为离线
const StatusOnline = "online"

// StatusSource 提供 worker 状态列表（Client 实现；测试可替换）
type StatusSource interface {
	Status(ctx context.Context) ([]WorkerStatus, error)
}

// Snapshot 一次状态查询的结果；不跨调用缓存，调用方显式传给纯函数
type Snapshot struct {
	Workers []WorkerStatus
}

// Online 在线 worker 名称，保持状态接口返回的顺序
func (s Snapshot) Online() []string {
	var out []string
	for _, w := range s.Workers {
		if w.Status == StatusOnline {
			out = append(out, w.Name)
		}
	}
	return out
}

// IsOnline name 是否在线；不在列表中视为离线
func (s Snapshot) IsOnline(name string) bool {
	for _, w := range s.Workers {
		if w.Name == name {
			return w.Status == StatusOnline
		}
	}
	return false
}

// HealthIndex worker 健康视图：每次调用都实时查询状态接口
type HealthIndex struct {
	source StatusSource
}

// NewHealthIndex 创建健康视图
func NewHealthIndex(source StatusSource) *HealthIndex {
	return &HealthIndex{source: source}
}

// Snapshot 查询一次状态；失败时返回 ErrBackendUnreachable（调用方按“无在线 worker”处理）
func (h *HealthIndex) Snapshot(ctx context.Context) (Snapshot, error) {
	workers, err := h.source.Status(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Workers: workers}, nil
}

// ListOnlineWorkers 在线 worker 列表
func (h *HealthIndex) ListOnlineWorkers(ctx context.Context) ([]string, error) {
	snap, err := h.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Online(), nil
}

// IsOnline 单个 worker 是否在线
func (h *HealthIndex) IsOnline(ctx context.Context, name string) (bool, error) {
	snap, err := h.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return snap.IsOnline(name), nil
}
