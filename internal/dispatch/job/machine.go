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

	"github.com/google/uuid"

	apperrors "gen-dispatch/pkg/errors"
	"gen-dispatch/pkg/metrics"
)

// Machine 任务状态机：所有状态变更都经由这里，每个操作是仓库上的一次原子 读-改-写
//
//	Queueing -> In Progress -> Completed | System Error
//	Queueing -> Cancelled | System Error | Queueing (requeue)
//	In Progress -> Queueing (requeue)
type Machine struct {
	repo Repository
	now  func() time.Time
}

// NewMachine 创建状态机
func NewMachine(repo Repository) *Machine {
	return &Machine{repo: repo, now: time.Now}
}

// WithClock 替换时钟（测试用）
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Repository 返回底层仓库，供只读查询
func (m *Machine) Repository() Repository {
	return m.repo
}

func invalid(j *Job, op string) error {
	return apperrors.Wrapf(apperrors.ErrInvalidTransition, "%s: job %s is %s", op, j.ID, j.Status)
}

// Create 以 Queueing 创建任务并分配给 worker
func (m *Machine) Create(ctx context.Context, userID, jobType string, params map[string]any, worker string) (*Job, error) {
	if worker == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidArg, "assigned worker is empty")
	}
	now := m.now()
	j := &Job{
		ID:             uuid.New().String(),
		UserID:         userID,
		Type:           jobType,
		Params:         cloneMap(params),
		AssignedWorker: worker,
		Status:         StatusQueueing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.repo.Insert(ctx, j); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(StatusQueueing)).Inc()
	return j.Clone(), nil
}

// transition 执行一次带前置条件的变更；to 为空时不计入状态迁移指标
func (m *Machine) transition(ctx context.Context, id string, to Status, fn UpdateFunc) (*Job, error) {
	j, err := m.repo.Update(ctx, id, func(j *Job) error {
		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if to != "" {
		metrics.JobTransitionsTotal.WithLabelValues(string(to)).Inc()
	}
	return j, nil
}

// MarkInProgress Queueing -> In Progress；StartedAt 只在首次设置，AttemptStartedAt 每次刷新
func (m *Machine) MarkInProgress(ctx context.Context, id string) (*Job, error) {
	return m.transition(ctx, id, StatusInProgress, func(j *Job) error {
		if j.Status != StatusQueueing {
			return invalid(j, "mark in progress")
		}
		now := m.now()
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.AttemptStartedAt = &now
		j.Status = StatusInProgress
		return nil
	})
}

// MarkCompleted In Progress -> Completed
func (m *Machine) MarkCompleted(ctx context.Context, id string, result map[string]any) (*Job, error) {
	j, err := m.transition(ctx, id, StatusCompleted, func(j *Job) error {
		if j.Status != StatusInProgress {
			return invalid(j, "mark completed")
		}
		now := m.now()
		j.Status = StatusCompleted
		j.CompletedAt = &now
		j.ResultInfo = cloneMap(result)
		return nil
	})
	if err == nil && j.StartedAt != nil {
		metrics.JobDuration.WithLabelValues(j.Type).Observe(j.CompletedAt.Sub(*j.StartedAt).Seconds())
	}
	return j, err
}

// Precondition 在原子更新内再次校验的条件，用于基于旧快照做决定的调用方；零值不做限制
type Precondition struct {
	Status      Status    // 非空时要求当前状态等于它
	Worker      string    // 非空时要求当前分配的 worker 等于它
	StaleBefore time.Time // 非零时要求本次执行开始早于它
}

func (p Precondition) check(j *Job, op string) error {
	if p.Status != "" && j.Status != p.Status {
		return invalid(j, op)
	}
	if p.Worker != "" && j.AssignedWorker != p.Worker {
		return apperrors.Wrapf(apperrors.ErrInvalidTransition, "%s: job %s moved from %s to %s", op, j.ID, p.Worker, j.AssignedWorker)
	}
	if !p.StaleBefore.IsZero() && (j.AttemptStartedAt == nil || !j.AttemptStartedAt.Before(p.StaleBefore)) {
		return apperrors.Wrapf(apperrors.ErrInvalidTransition, "%s: job %s attempt is no longer stale", op, j.ID)
	}
	return nil
}

// MarkSystemError Queueing | In Progress -> System Error
func (m *Machine) MarkSystemError(ctx context.Context, id string, errorInfo string) (*Job, error) {
	return m.MarkSystemErrorIf(ctx, id, errorInfo, Precondition{})
}

// MarkSystemErrorIf 同 MarkSystemError，另外要求 pre 在更新时仍成立
func (m *Machine) MarkSystemErrorIf(ctx context.Context, id string, errorInfo string, pre Precondition) (*Job, error) {
	return m.transition(ctx, id, StatusSystemError, func(j *Job) error {
		if !j.Status.Active() {
			return invalid(j, "mark system error")
		}
		if err := pre.check(j, "mark system error"); err != nil {
			return err
		}
		now := m.now()
		j.Status = StatusSystemError
		j.CompletedAt = &now
		j.ErrorInfo = errorInfo
		return nil
	})
}

// MarkCancelled Queueing -> Cancelled，并记录 CompletedAt；执行中的任务不可取消
func (m *Machine) MarkCancelled(ctx context.Context, id string) (*Job, error) {
	return m.transition(ctx, id, StatusCancelled, func(j *Job) error {
		if j.Status != StatusQueueing {
			return invalid(j, "cancel")
		}
		now := m.now()
		j.Status = StatusCancelled
		j.CompletedAt = &now
		return nil
	})
}

// ReassignOptions Reassign 的可选项
type ReassignOptions struct {
	Requeue   bool   // 置回 Queueing
	ErrorInfo string // 非空时写入 ErrorInfo（卡住回收时记录原因）
	Require   Precondition
}

// Reassign 把任务切到 newWorker 并追加切换记录；Queueing | In Progress 可用
func (m *Machine) Reassign(ctx context.Context, id, newWorker, reason string, opts ReassignOptions) (*Job, error) {
	if newWorker == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidArg, "new worker is empty")
	}
	var to Status
	if opts.Requeue {
		to = StatusQueueing
	}
	return m.transition(ctx, id, to, func(j *Job) error {
		if !j.Status.Active() {
			return invalid(j, "reassign")
		}
		if err := opts.Require.check(j, "reassign"); err != nil {
			return err
		}
		j.SwitchInfo = append(j.SwitchInfo, SwitchRecord{
			Time:       m.now(),
			FromWorker: j.AssignedWorker,
			ToWorker:   newWorker,
			Reason:     reason,
		})
		j.AssignedWorker = newWorker
		if opts.Requeue {
			j.Status = StatusQueueing
		}
		if opts.ErrorInfo != "" {
			j.ErrorInfo = opts.ErrorInfo
		}
		return nil
	})
}
