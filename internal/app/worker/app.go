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

package worker

import (
	"context"
	"fmt"
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"gen-dispatch/internal/app"
	"gen-dispatch/pkg/tracing"
)

// App Worker 应用：消费 Task Runner 队列并执行卡住任务扫描与排队重投
type App struct {
	bootstrap *app.Bootstrap
	tracer    *sdktrace.TracerProvider
}

// NewApp 创建 Worker 应用；队列必须是跨进程可见的（task_runner.type=redis）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	if bootstrap == nil || bootstrap.Runner == nil {
		return nil, fmt.Errorf("bootstrap 未初始化 Task Runner")
	}
	if t := bootstrap.Config.TaskRunner.Type; t == "" || t == "memory" {
		bootstrap.Logger.Warn("task_runner.type=memory 时 Worker 只能消费本进程投递的任务，API 的任务不会到达此处")
	}
	return &App{bootstrap: bootstrap}, nil
}

// Start 启动应用
func (a *App) Start(ctx context.Context) error {
	logger := a.bootstrap.Logger
	logger.Info("启动 worker 应用")

	tcfg := a.bootstrap.Config.Monitoring.Tracing
	endpoint := tcfg.ExportEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if tcfg.Enable && endpoint != "" {
		serviceName := tcfg.ServiceName
		if serviceName == "" {
			serviceName = "gen-dispatch-worker"
		}
		tp, err := tracing.InitTracer(ctx, tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: endpoint,
			Insecure:       tcfg.Insecure,
		})
		if err != nil {
			return fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		a.tracer = tp
		logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
	}

	a.bootstrap.StartBackground(ctx)
	logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用：停止消费与扫描，等待在途任务结束
func (a *App) Shutdown(ctx context.Context) error {
	a.bootstrap.Logger.Info("关闭 worker 应用")
	done := make(chan struct{})
	go func() {
		a.bootstrap.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("等待在途任务结束超时: %w", ctx.Err())
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.bootstrap.Logger.Error("关闭 tracer 失败", "error", err)
		}
	}
	a.bootstrap.Logger.Info("worker 应用关闭成功")
	return nil
}
