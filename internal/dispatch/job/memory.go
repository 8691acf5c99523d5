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
	"sort"
	"sync"
	"time"

	apperrors "gen-dispatch/pkg/errors"
)

// MemoryRepository 内存实现：单把互斥锁保护 map，单进程部署与测试使用
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*Job
}

// NewMemoryRepository 创建内存仓库
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*Job)}
}

func (r *MemoryRepository) Insert(ctx context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidArg, "job id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[j.ID]; ok {
		return apperrors.Wrapf(apperrors.ErrInvalidArg, "job %s already exists", j.ID)
	}
	r.byID[j.ID] = j.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "job %s", id)
	}
	return j.Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, fn UpdateFunc) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "job %s", id)
	}
	cp := j.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	r.byID[id] = cp
	return cp.Clone(), nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "job %s", id)
	}
	delete(r.byID, id)
	return nil
}

func (r *MemoryRepository) AggregateLoad(ctx context.Context, staleBefore time.Time) (map[string]Load, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Load)
	for _, j := range r.byID {
		if !j.Status.Active() {
			continue
		}
		l := out[j.AssignedWorker]
		l.Active++
		if j.Status == StatusInProgress && j.AttemptStartedAt != nil && j.AttemptStartedAt.Before(staleBefore) {
			l.Stuck++
		}
		out[j.AssignedWorker] = l
	}
	return out, nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	r.mu.Lock()
	var list []*Job
	for _, j := range r.byID {
		if j.Status == status {
			list = append(list, j.Clone())
		}
	}
	r.mu.Unlock()
	sortByCreation(list)
	return list, nil
}

func sortByCreation(list []*Job) {
	sort.Slice(list, func(a, b int) bool {
		if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].CreatedAt.Before(list[b].CreatedAt)
		}
		return list[a].ID < list[b].ID
	})
}
