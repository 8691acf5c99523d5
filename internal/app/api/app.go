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

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"gen-dispatch/internal/api/http"
	"gen-dispatch/internal/api/http/middleware"
	"gen-dispatch/internal/app"
	"gen-dispatch/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware）
type App struct {
	config       *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	logOutput    io.Closer
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	if bootstrap == nil || bootstrap.Dispatcher == nil {
		return nil, fmt.Errorf("bootstrap 未初始化调度组件")
	}
	cfg := bootstrap.Config

	handler := http.NewHandler(bootstrap.Dispatcher, bootstrap.Monitor)
	mw := middleware.NewMiddleware(bootstrap.Logger.With("component", "http"))
	router := http.NewRouter(handler, mw)
	router.SetRateLimit(cfg.API.RateLimit, cfg.API.RateBurst)
	router.SetMetricsEnabled(cfg.Monitoring.Prometheus.Enable)

	return &App{config: bootstrap, router: router}, nil
}

// Run 启动 HTTP 服务，addr 如 ":4093"
func (a *App) Run(addr string) error {
	cfg := a.config.Config
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	var output io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
		a.logOutput = f
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar(cfg.Log.Level)),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	tracing := cfg.Monitoring.Tracing
	exportEndpoint := tracing.ExportEndpoint
	if exportEndpoint == "" {
		exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if tracing.Enable && exportEndpoint != "" {
		serviceName := tracing.ServiceName
		if serviceName == "" {
			serviceName = "gen-dispatch-api"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(exportEndpoint),
		}
		if tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
		a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}

	// task_runner.type=memory 时队列只在本进程内可见，消费与扫描必须在 API 进程内运行；
	// redis 时由 Worker 进程负责
	if cfg.TaskRunner.Type == "" || cfg.TaskRunner.Type == "memory" {
		a.config.StartBackground(context.Background())
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	a.config.Close()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.logOutput != nil {
		_ = a.logOutput.Close()
	}
	return firstErr
}

func levelVar(level string) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(log.ParseLevel(level))
	return v
}
