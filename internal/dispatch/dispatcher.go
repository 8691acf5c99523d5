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

// Package dispatch 提交、查询与取消生成任务：选择 worker、建任务、投递到 Task Runner
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"gen-dispatch/internal/dispatch/job"
	"gen-dispatch/internal/dispatch/taskrunner"
	apperrors "gen-dispatch/pkg/errors"
	"gen-dispatch/pkg/log"
	"gen-dispatch/pkg/metrics"
)

// Selector 选择目标 worker（balancer.Scorer 实现）
type Selector interface {
	SelectWorker(ctx context.Context, excluding ...string) (string, error)
}

// Snapshot 任务查询结果
type Snapshot struct {
	ID            string
	Status        job.Status
	Worker        string
	ResultInfo    map[string]any
	ErrorInfo     string
	QueuePosition *int // 仅 Queueing 时有值：在全部 Queueing 任务中按 (CreatedAt, ID) 的 0 起排名
	SwitchInfo    []job.SwitchRecord
}

// Dispatcher 调度入口
type Dispatcher struct {
	machine  *job.Machine
	selector Selector
	runner   taskrunner.Runner
	logger   *log.Logger
}

// New 创建 Dispatcher
func New(machine *job.Machine, selector Selector, runner taskrunner.Runner, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{machine: machine, selector: selector, runner: runner, logger: logger}
}

// Submit 提交任务，返回任务 ID 与分配的 worker。
// 未知类型不落库；没有可用 worker 返回 ErrNoCapacity；投递失败时任务置为 System Error
func (d *Dispatcher) Submit(ctx context.Context, jobType string, params map[string]any, userID string) (string, string, error) {
	if !d.runner.Supports(jobType) {
		return "", "", apperrors.Wrapf(apperrors.ErrUnknownJobType, "%q", jobType)
	}
	worker, err := d.selector.SelectWorker(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoCapacity) {
			return "", "", err
		}
		return "", "", fmt.Errorf("select worker: %w", err)
	}
	j, err := d.machine.Create(ctx, userID, jobType, params, worker)
	if err != nil {
		return "", "", fmt.Errorf("create job: %w", err)
	}

	err = d.runner.Enqueue(ctx, taskrunner.Task{
		JobID:   j.ID,
		JobType: j.Type,
		UserID:  j.UserID,
		Worker:  worker,
		Params:  j.Params,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrUnknownJobType) {
			if delErr := d.machine.Repository().Delete(ctx, j.ID); delErr != nil {
				d.logger.Error("delete rejected job failed", "job_id", j.ID, "error", delErr)
			}
			return "", "", err
		}
		if _, markErr := d.machine.MarkSystemError(ctx, j.ID, "enqueue failed: "+err.Error()); markErr != nil {
			d.logger.Error("mark enqueue failure failed", "job_id", j.ID, "error", markErr)
		}
		return "", "", fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}

	metrics.JobsSubmittedTotal.WithLabelValues(jobType).Inc()
	d.logger.Info("job submitted", "job_id", j.ID, "job_type", jobType, "worker", worker, "user_id", userID)
	return j.ID, worker, nil
}

// Query 查询任务；Queueing 时附带排队位置
func (d *Dispatcher) Query(ctx context.Context, jobID string) (*Snapshot, error) {
	j, err := d.machine.Repository().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ID:         j.ID,
		Status:     j.Status,
		Worker:     j.AssignedWorker,
		ResultInfo: j.ResultInfo,
		ErrorInfo:  j.ErrorInfo,
		SwitchInfo: j.SwitchInfo,
	}
	if j.Status != job.StatusQueueing {
		return snap, nil
	}
	queued, err := d.machine.Repository().ListByStatus(ctx, job.StatusQueueing)
	if err != nil {
		return nil, err
	}
	for i, q := range queued {
		if q.ID == j.ID {
			pos := i
			snap.QueuePosition = &pos
			break
		}
	}
	return snap, nil
}

// Cancel 取消 Queueing 任务并尽力撤销已投递的消息
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	if _, err := d.machine.MarkCancelled(ctx, jobID); err != nil {
		return err
	}
	if err := d.runner.Revoke(ctx, jobID); err != nil {
		d.logger.Warn("revoke task failed", "job_id", jobID, "error", err)
	}
	d.logger.Info("job cancelled", "job_id", jobID)
	return nil
}
