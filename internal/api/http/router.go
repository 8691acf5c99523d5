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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"gen-dispatch/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	rateLimit  float64
	rateBurst  int
	metrics    bool
}

// NewRouter 创建 HTTP 路由器
func NewRouter(handler *Handler, middleware *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: middleware, metrics: true}
}

// SetRateLimit 设置提交接口的全局限流（每秒请求数）；<=0 不限流
func (r *Router) SetRateLimit(rps float64, burst int) {
	r.rateLimit = rps
	r.rateBurst = burst
}

// SetMetricsEnabled 是否暴露 /metrics
func (r *Router) SetMetricsEnabled(enabled bool) {
	r.metrics = enabled
}

// Build 创建 Hertz 实例并注册路由；extra 用于追加如链路追踪等选项
func (r *Router) Build(addr string, extra ...config.Option) *server.Hertz {
	opts := append([]config.Option{server.WithHostPorts(addr)}, extra...)
	h := server.Default(opts...)
	h.Use(r.middleware.AccessLog(), r.middleware.CORS())

	h.GET("/health", r.handler.HealthCheck)
	if r.metrics {
		h.GET("/metrics", r.handler.Metrics)
	}

	h.POST("/submit_task", r.middleware.RateLimit(r.rateLimit, r.rateBurst), r.handler.SubmitTask)
	h.GET("/query_task/:id", r.handler.QueryTask)
	h.POST("/cancel_task/:id", r.handler.CancelTask)
	h.POST("/process_queue", r.handler.ProcessQueue)
	return h
}
