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

// Package recovery 卡住任务回收、执行前 worker 切换与排队任务重投
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"gen-dispatch/internal/dispatch/backend"
	"gen-dispatch/internal/dispatch/balancer"
	"gen-dispatch/internal/dispatch/job"
	"gen-dispatch/internal/dispatch/taskrunner"
	apperrors "gen-dispatch/pkg/errors"
	"gen-dispatch/pkg/log"
	"gen-dispatch/pkg/metrics"
	"gen-dispatch/pkg/tracing"
)

// 写入任务的原因文本
const (
	ReasonOfflineRequeued = "worker offline, requeued"
	ReasonOfflineSwitched = "assigned worker offline, switched to another worker"
	ReasonSwitchBusy      = "assigned worker offline, new worker busy, requeued"
	ErrorInfoTimedOut     = "execution timed out"
	ErrorInfoNoWorker     = "no worker available"
)

// Outcome 执行前检查的结果
type Outcome int

const (
	// Ready 可以在返回的 worker 上执行
	Ready Outcome = iota
	// Requeued 已重新排队，本次 handler 不执行
	Requeued
	// Skipped 检查期间任务已被其他消费者或扫描迁移，本次 handler 不执行
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Requeued:
		return "requeued"
	case Skipped:
		return "skipped"
	default:
		return "ready"
	}
}

// Health worker 在线状态来源
type Health interface {
	Snapshot(ctx context.Context) (backend.Snapshot, error)
}

// Scorer 负载评分（balancer.Scorer 实现）
type Scorer interface {
	SelectWorker(ctx context.Context, excluding ...string) (string, error)
	IsBusy(ctx context.Context, worker string) (bool, error)
	Loads(ctx context.Context) (map[string]job.Load, error)
	BusyThreshold() int
}

// Enqueuer 重投排队任务的目标
type Enqueuer interface {
	Enqueue(ctx context.Context, t taskrunner.Task) error
}

// Config 恢复监控配置
type Config struct {
	StaleThreshold time.Duration // In Progress 超过该时长视为卡住
	RetryRate      float64       // 重投速率（每秒），<=0 不限速
	RetryBurst     int
}

// SweepReport 一轮扫描的统计
type SweepReport struct {
	Examined    int // 检查的任务数
	Requeued    int // 卡住且 worker 离线，已重新排队
	TimedOut    int // 卡住且 worker 在线，已标记 System Error
	Resubmitted int // 排队任务重新投递
	Busy        int // worker 繁忙，本轮跳过
	Skipped     int // 状态已变化（并发迁移），视为 no-op
	Errors      int
}

// Monitor 恢复监控
type Monitor struct {
	machine  *job.Machine
	health   Health
	scorer   Scorer
	enqueuer Enqueuer
	limiter  *rate.Limiter
	stale    time.Duration
	logger   *log.Logger
	now      func() time.Time
}

// NewMonitor 创建恢复监控
func NewMonitor(machine *job.Machine, health Health, scorer Scorer, enqueuer Enqueuer, cfg Config, logger *log.Logger) *Monitor {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 300 * time.Second
	}
	limit := rate.Inf
	if cfg.RetryRate > 0 {
		limit = rate.Limit(cfg.RetryRate)
	}
	burst := cfg.RetryBurst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		machine:  machine,
		health:   health,
		scorer:   scorer,
		enqueuer: enqueuer,
		limiter:  rate.NewLimiter(limit, burst),
		stale:    cfg.StaleThreshold,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// snapshot 状态接口不可达时按无在线 worker 处理
func (m *Monitor) snapshot(ctx context.Context) (backend.Snapshot, error) {
	snap, err := m.health.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrBackendUnreachable) {
			m.logger.Warn("worker status unreachable, treating all workers as offline", "error", err)
			return backend.Snapshot{}, nil
		}
		return backend.Snapshot{}, err
	}
	return snap, nil
}

func (m *Monitor) count(report *SweepReport, sweep, action string, err error, jobID string) {
	switch {
	case err == nil:
		metrics.SweepActionsTotal.WithLabelValues(sweep, action).Inc()
		return
	case errors.Is(err, apperrors.ErrInvalidTransition), errors.Is(err, apperrors.ErrNotFound):
		report.Skipped++
		metrics.SweepActionsTotal.WithLabelValues(sweep, "skipped").Inc()
	default:
		report.Errors++
		metrics.SweepActionsTotal.WithLabelValues(sweep, "error").Inc()
		m.logger.Error("sweep action failed", "sweep", sweep, "action", action, "job_id", jobID, "error", err)
	}
}

// refreshGauges 刷新 worker 负载与在线指标
func refreshGauges(snap backend.Snapshot, loads map[string]job.Load) {
	for _, w := range snap.Workers {
		online := 0.0
		if w.Status == backend.StatusOnline {
			online = 1
		}
		metrics.WorkerOnline.WithLabelValues(w.Name).Set(online)
	}
	for name, l := range loads {
		metrics.WorkerLoad.WithLabelValues(name).Set(float64(l.Active - l.Stuck))
	}
}

// SweepStuck 处理本次执行开始早于阈值的 In Progress 任务：
// worker 离线则重新排队到负载最小的其他在线 worker（没有则留在原 worker），在线则标记超时失败
func (m *Monitor) SweepStuck(ctx context.Context) (report SweepReport, err error) {
	ctx, span := tracing.StartSweepSpan(ctx, "stuck")
	defer func() { tracing.EndSpan(span, err) }()

	snap, err := m.snapshot(ctx)
	if err != nil {
		return report, err
	}
	loads, err := m.scorer.Loads(ctx)
	if err != nil {
		return report, err
	}
	refreshGauges(snap, loads)

	list, err := m.machine.Repository().ListByStatus(ctx, job.StatusInProgress)
	if err != nil {
		return report, err
	}
	staleBefore := m.now().Add(-m.stale)
	for _, j := range list {
		if j.AttemptStartedAt == nil || !j.AttemptStartedAt.Before(staleBefore) {
			continue
		}
		report.Examined++
		// 列表是旧快照，更新时再确认仍是同一次卡住的执行
		pre := job.Precondition{Status: job.StatusInProgress, Worker: j.AssignedWorker, StaleBefore: staleBefore}
		if snap.IsOnline(j.AssignedWorker) {
			_, err := m.machine.MarkSystemErrorIf(ctx, j.ID, ErrorInfoTimedOut, pre)
			if err == nil {
				report.TimedOut++
				m.logger.Warn("stuck job timed out", "job_id", j.ID, "worker", j.AssignedWorker)
			}
			m.count(&report, "stuck", "timed_out", err, j.ID)
			continue
		}
		target, pickErr := balancer.Pick(snap.Online(), loads, j.AssignedWorker)
		if pickErr != nil {
			target = j.AssignedWorker
		}
		_, err := m.machine.Reassign(ctx, j.ID, target, ReasonOfflineRequeued, job.ReassignOptions{
			Requeue:   true,
			ErrorInfo: fmt.Sprintf("worker %s offline during execution, requeued", j.AssignedWorker),
			Require:   pre,
		})
		if err == nil {
			report.Requeued++
			m.logger.Info("stuck job requeued", "job_id", j.ID, "from", j.AssignedWorker, "to", target)
		}
		m.count(&report, "stuck", "requeued", err, j.ID)
	}
	return report, nil
}

// PreExecutionFailover handler 执行前检查分配的 worker：
// 在线则原样返回；离线则切到其他 worker，新 worker 繁忙时重新排队；没有可用 worker 时任务置为 System Error。
// 所有写入都要求任务仍是分配给 assigned 的 Queueing，否则返回 Skipped
func (m *Monitor) PreExecutionFailover(ctx context.Context, jobID, assigned string) (string, Outcome, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return "", Ready, err
	}
	if snap.IsOnline(assigned) {
		metrics.FailoverTotal.WithLabelValues("ready").Inc()
		return assigned, Ready, nil
	}

	pre := job.Precondition{Status: job.StatusQueueing, Worker: assigned}
	next, err := m.scorer.SelectWorker(ctx, assigned)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNoCapacity) {
			return "", Ready, err
		}
		if _, markErr := m.machine.MarkSystemErrorIf(ctx, jobID, ErrorInfoNoWorker, pre); markErr != nil {
			if m.raced(markErr) {
				return assigned, Skipped, nil
			}
			return "", Ready, markErr
		}
		metrics.FailoverTotal.WithLabelValues("no_capacity").Inc()
		return "", Ready, apperrors.Wrapf(apperrors.ErrNoCapacity, "job %s: worker %s offline", jobID, assigned)
	}

	busy, err := m.scorer.IsBusy(ctx, next)
	if err != nil {
		return "", Ready, err
	}
	if !busy {
		if _, err := m.machine.Reassign(ctx, jobID, next, ReasonOfflineSwitched, job.ReassignOptions{Require: pre}); err != nil {
			if m.raced(err) {
				return assigned, Skipped, nil
			}
			return "", Ready, err
		}
		metrics.FailoverTotal.WithLabelValues("switched").Inc()
		m.logger.Info("job switched to another worker", "job_id", jobID, "from", assigned, "to", next)
		return next, Ready, nil
	}
	if _, err := m.machine.Reassign(ctx, jobID, next, ReasonSwitchBusy, job.ReassignOptions{Requeue: true, Require: pre}); err != nil {
		if m.raced(err) {
			return assigned, Skipped, nil
		}
		return "", Ready, err
	}
	metrics.FailoverTotal.WithLabelValues("requeued").Inc()
	m.logger.Info("job requeued, new worker busy", "job_id", jobID, "from", assigned, "to", next)
	return next, Requeued, nil
}

// raced 任务在检查期间已被迁移或删除
func (m *Monitor) raced(err error) bool {
	if !errors.Is(err, apperrors.ErrInvalidTransition) && !errors.Is(err, apperrors.ErrNotFound) {
		return false
	}
	metrics.FailoverTotal.WithLabelValues("skipped").Inc()
	m.logger.Debug("job changed during failover, skip", "error", err)
	return true
}

// SweepQueue 把 worker 不繁忙的 Queueing 任务重新投递；投递速率受令牌桶限制。
// 每轮都会重投，包括首条消息尚未被消费的任务，重复消息由 MarkInProgress 的状态检查丢弃
func (m *Monitor) SweepQueue(ctx context.Context) (report SweepReport, err error) {
	ctx, span := tracing.StartSweepSpan(ctx, "queue")
	defer func() { tracing.EndSpan(span, err) }()

	list, err := m.machine.Repository().ListByStatus(ctx, job.StatusQueueing)
	if err != nil {
		return report, err
	}
	loads, err := m.scorer.Loads(ctx)
	if err != nil {
		return report, err
	}
	threshold := m.scorer.BusyThreshold()
	for _, j := range list {
		report.Examined++
		if loads[j.AssignedWorker].Active > threshold {
			report.Busy++
			metrics.SweepActionsTotal.WithLabelValues("queue", "busy").Inc()
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return report, err
		}
		err := m.enqueuer.Enqueue(ctx, TaskFor(j))
		if err == nil {
			report.Resubmitted++
		}
		m.count(&report, "queue", "resubmitted", err, j.ID)
	}
	if report.Resubmitted > 0 {
		m.logger.Info("queue sweep resubmitted jobs", "count", report.Resubmitted, "busy", report.Busy)
	}
	return report, nil
}

// TaskFor 由任务记录构造投递消息
func TaskFor(j *job.Job) taskrunner.Task {
	return taskrunner.Task{
		JobID:   j.ID,
		JobType: j.Type,
		UserID:  j.UserID,
		Worker:  j.AssignedWorker,
		Params:  j.Params,
	}
}
