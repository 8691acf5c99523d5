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

// Package handler Task Runner 消费端对单条任务的执行流程
package handler

import (
	"context"
	"errors"
	"time"

	"gen-dispatch/internal/dispatch/backend"
	"gen-dispatch/internal/dispatch/job"
	"gen-dispatch/internal/dispatch/recovery"
	"gen-dispatch/internal/dispatch/taskrunner"
	apperrors "gen-dispatch/pkg/errors"
	"gen-dispatch/pkg/log"
	"gen-dispatch/pkg/tracing"
)

// Executor worker 后端执行接口（backend.Client 实现）
type Executor interface {
	Execute(ctx context.Context, jobType string, params map[string]any) (map[string]any, error)
}

// Failover 执行前 worker 检查（recovery.Monitor 实现）
type Failover interface {
	PreExecutionFailover(ctx context.Context, jobID, assigned string) (string, recovery.Outcome, error)
}

// JobHandler 执行流程：状态检查 -> 执行前切换 -> In Progress -> 调用后端 -> Completed / System Error
type JobHandler struct {
	machine     *job.Machine
	failover    Failover
	executor    Executor
	execTimeout time.Duration
	logger      *log.Logger
}

// New 创建 JobHandler；execTimeout 为后端执行调用的超时
func New(machine *job.Machine, failover Failover, executor Executor, execTimeout time.Duration, logger *log.Logger) *JobHandler {
	if logger == nil {
		logger = log.Nop()
	}
	return &JobHandler{
		machine:     machine,
		failover:    failover,
		executor:    executor,
		execTimeout: execTimeout,
		logger:      logger,
	}
}

// Handle 实现 taskrunner.HandlerFunc；任务级失败写入 ErrorInfo，不向 Runner 返回，Runner 不做重试
func (h *JobHandler) Handle(ctx context.Context, t taskrunner.Task) error {
	logger := h.logger.With("job_id", t.JobID, "job_type", t.JobType)

	current, err := h.machine.Repository().Get(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("task for unknown job dropped")
			return nil
		}
		return err
	}
	if current.Status != job.StatusQueueing {
		logger.Debug("job no longer queueing, skip", "status", current.Status)
		return nil
	}

	worker, outcome, err := h.failover.PreExecutionFailover(ctx, t.JobID, current.AssignedWorker)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoCapacity) {
			logger.Error("no worker available, job failed", "worker", current.AssignedWorker)
			return nil
		}
		return h.fail(ctx, logger, t.JobID, err.Error())
	}
	switch outcome {
	case recovery.Requeued:
		logger.Info("job requeued before execution", "worker", worker)
		return nil
	case recovery.Skipped:
		logger.Debug("job changed before execution, skip")
		return nil
	}

	started, err := h.machine.MarkInProgress(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			// 重复投递：另一份已开始执行或任务已被取消
			logger.Debug("lost start race, skip", "error", err)
			return nil
		}
		return err
	}
	logger.Info("job in progress", "worker", worker)

	spanCtx, span := tracing.StartJobSpan(ctx, t.JobID, started.Type, worker)
	params := forwardParams(started, worker)
	execCtx, cancel := context.WithTimeout(spanCtx, h.execTimeout)
	result, execErr := h.executor.Execute(execCtx, started.Type, params)
	cancel()
	tracing.EndSpan(span, execErr)

	if execErr != nil {
		return h.fail(ctx, logger, t.JobID, backend.ErrorInfo(execErr))
	}
	if _, err := h.machine.MarkCompleted(ctx, t.JobID, result); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			// 执行期间被卡住扫描回收
			logger.Warn("job left In Progress during execution, result dropped", "error", err)
			return nil
		}
		return err
	}
	logger.Info("job completed", "worker", worker)
	return nil
}

func (h *JobHandler) fail(ctx context.Context, logger *log.Logger, jobID, info string) error {
	logger.Error("job failed", "error_info", info)
	if _, err := h.machine.MarkSystemError(ctx, jobID, info); err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
		return err
	}
	return nil
}

// forwardParams 转发给后端的参数：原参数加 user_id 与 serv_name
func forwardParams(j *job.Job, worker string) map[string]any {
	params := make(map[string]any, len(j.Params)+2)
	for k, v := range j.Params {
		params[k] = v
	}
	params["user_id"] = j.UserID
	params["serv_name"] = worker
	return params
}
