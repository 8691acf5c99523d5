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

package http

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"gen-dispatch/internal/dispatch"
	"gen-dispatch/internal/dispatch/job"
	"gen-dispatch/internal/dispatch/recovery"
	apperrors "gen-dispatch/pkg/errors"
	"gen-dispatch/pkg/metrics"
)

// Dispatcher 调度入口（dispatch.Dispatcher 实现）
type Dispatcher interface {
	Submit(ctx context.Context, jobType string, params map[string]any, userID string) (string, string, error)
	Query(ctx context.Context, jobID string) (*dispatch.Snapshot, error)
	Cancel(ctx context.Context, jobID string) error
}

// QueueSweeper 手动触发排队任务重投（recovery.Monitor 实现）
type QueueSweeper interface {
	SweepQueue(ctx context.Context) (recovery.SweepReport, error)
}

// Handler HTTP 处理器
type Handler struct {
	dispatcher   Dispatcher
	sweeper      QueueSweeper
	sweepTimeout time.Duration
}

// NewHandler 创建 HTTP 处理器；sweeper 可为 nil（/process_queue 返回 503）
func NewHandler(dispatcher Dispatcher, sweeper QueueSweeper) *Handler {
	return &Handler{dispatcher: dispatcher, sweeper: sweeper, sweepTimeout: 5 * time.Minute}
}

// SubmitRequest POST /submit_task 请求体
type SubmitRequest struct {
	TaskType   string         `json:"task_type"`
	TaskParams map[string]any `json:"task_params"`
	UserID     string         `json:"user_id"`
}

// statusFor 错误分类到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrUnknownJobType), apperrors.Is(err, apperrors.ErrInvalidTransition), apperrors.Is(err, apperrors.ErrInvalidArg):
		return consts.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrNoCapacity):
		return consts.StatusServiceUnavailable
	case apperrors.Is(err, apperrors.ErrNotFound):
		return consts.StatusNotFound
	default:
		return consts.StatusInternalServerError
	}
}

func writeError(c *app.RequestContext, err error) {
	status := statusFor(err)
	if status == consts.StatusInternalServerError {
		hlog.Errorf("request failed: %v", err)
	}
	c.JSON(status, map[string]string{
		"error": err.Error(),
		"kind":  apperrors.Kind(err),
	})
}

// HealthCheck 健康检查
// GET /health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "gen-dispatch",
	})
}

// SubmitTask 提交任务
// POST /submit_task
func (h *Handler) SubmitTask(ctx context.Context, c *app.RequestContext) {
	var req SubmitRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.TaskType) == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "task_type is required"})
		return
	}
	if req.TaskParams == nil {
		req.TaskParams = map[string]any{}
	}
	id, worker, err := h.dispatcher.Submit(ctx, req.TaskType, req.TaskParams, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{
		"ticket_id": id,
		"serv_name": worker,
		"status":    string(job.StatusQueueing),
	})
}

// QueryTask 查询任务
// GET /query_task/:id
func (h *Handler) QueryTask(ctx context.Context, c *app.RequestContext) {
	snap, err := h.dispatcher.Query(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := map[string]interface{}{
		"status":      string(snap.Status),
		"result_info": snap.ResultInfo,
		"serv_name":   snap.Worker,
	}
	if snap.ErrorInfo != "" {
		resp["error_info"] = snap.ErrorInfo
	}
	if snap.QueuePosition != nil {
		resp["queue_position"] = *snap.QueuePosition
	}
	if len(snap.SwitchInfo) > 0 {
		resp["switch_info"] = snap.SwitchInfo
	}
	c.JSON(consts.StatusOK, resp)
}

// CancelTask 取消排队中的任务
// POST /cancel_task/:id
func (h *Handler) CancelTask(ctx context.Context, c *app.RequestContext) {
	if err := h.dispatcher.Cancel(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": string(job.StatusCancelled)})
}

// ProcessQueue 异步触发一轮排队任务重投
// POST /process_queue
func (h *Handler) ProcessQueue(ctx context.Context, c *app.RequestContext) {
	if h.sweeper == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "queue sweep not configured"})
		return
	}
	go func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), h.sweepTimeout)
		defer cancel()
		report, err := h.sweeper.SweepQueue(sweepCtx)
		if err != nil {
			hlog.Warnf("manual queue sweep failed: %v", err)
			return
		}
		hlog.Infof("manual queue sweep done: resubmitted=%d busy=%d", report.Resubmitted, report.Busy)
	}()
	c.JSON(consts.StatusAccepted, map[string]string{"message": "queue processing triggered"})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.String(consts.StatusInternalServerError, "%s", err.Error())
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
