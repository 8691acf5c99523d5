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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "gen-dispatch/pkg/errors"
)

// TimeoutMessage 执行接口超时时写入 ErrorInfo 的文本
const TimeoutMessage = "worker backend request timed out"

// WorkerStatus 状态接口返回的单条记录
type WorkerStatus struct {
	Name   string `json:"serv_name"`
	Status string `json:"serv_status"`
}

// Config 后端客户端配置
type Config struct {
	BaseURL        string
	StatusEndpoint string        // 如 /check_status
	StatusTimeout  time.Duration // 状态查询超时
	ExecTimeout    time.Duration // 执行接口超时
}

// Client worker 后端（AI 服务器）HTTP 客户端：状态查询与按任务类型执行
type Client struct {
	status         *resty.Client
	exec           *resty.Client
	statusEndpoint string
}

// NewClient 创建后端客户端；状态查询与执行使用不同超时
func NewClient(cfg Config) *Client {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 300 * time.Second
	}
	if cfg.StatusEndpoint == "" {
		cfg.StatusEndpoint = "/check_status"
	}
	return &Client{
		status: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.StatusTimeout),
		exec: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.ExecTimeout).
			SetHeader("Content-Type", "application/json"),
		statusEndpoint: cfg.StatusEndpoint,
	}
}

// Status 拉取一次全部 worker 状态；传输或解码失败返回 ErrBackendUnreachable
func (c *Client) Status(ctx context.Context) ([]WorkerStatus, error) {
	resp, err := c.status.R().
		SetContext(ctx).
		Get(c.statusEndpoint)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %w", c.statusEndpoint, apperrors.ErrBackendUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apperrors.Wrapf(apperrors.ErrBackendUnreachable, "GET %s: status %d", c.statusEndpoint, resp.StatusCode())
	}
	var out []WorkerStatus
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackendUnreachable, "decode status response: %v", err)
	}
	return out, nil
}

// ExecError 执行接口返回非 2xx
type ExecError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("POST %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Execute 调用任务类型对应的执行接口；params 需已包含 user_id 与 serv_name。
// 成功时返回按路由包裹后的 ResultInfo，如 {"image_urls": <后端响应>}
func (c *Client) Execute(ctx context.Context, jobType string, params map[string]any) (map[string]any, error) {
	route, ok := RouteFor(jobType)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownJobType, "%q", jobType)
	}
	resp, err := c.exec.R().
		SetContext(ctx).
		SetBody(params).
		Post(route.Path)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w: %w", route.Path, apperrors.ErrBackendUnreachable, err)
	}
	if resp.IsError() {
		return nil, &ExecError{Path: route.Path, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	var payload any
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &payload); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", route.Path, err)
		}
	}
	return map[string]any{route.ResultKey: payload}, nil
}

// IsTimeout 是否为请求超时（客户端超时或 ctx 截止）
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrorInfo 将执行错误转为写入任务的 ErrorInfo
func ErrorInfo(err error) string {
	if IsTimeout(err) {
		return TimeoutMessage
	}
	return err.Error()
}
