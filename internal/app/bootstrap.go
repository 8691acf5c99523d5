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

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gen-dispatch/internal/dispatch"
	"gen-dispatch/internal/dispatch/backend"
	"gen-dispatch/internal/dispatch/balancer"
	"gen-dispatch/internal/dispatch/handler"
	"gen-dispatch/internal/dispatch/job"
	"gen-dispatch/internal/dispatch/recovery"
	"gen-dispatch/internal/dispatch/scheduler"
	"gen-dispatch/internal/dispatch/taskrunner"
	"gen-dispatch/pkg/config"
	"gen-dispatch/pkg/log"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内装配调度组件
type Bootstrap struct {
	Config     *config.Config
	Logger     *log.Logger
	Repo       job.Repository
	Machine    *job.Machine
	Backend    *backend.Client
	Health     *backend.HealthIndex
	Scorer     *balancer.Scorer
	Runner     taskrunner.Runner
	Monitor    *recovery.Monitor
	Handler    *handler.JobHandler
	Dispatcher *dispatch.Dispatcher

	mu      sync.Mutex
	timer   *scheduler.Timer
	cancel  context.CancelFunc
	closers []func()
}

// Settings 由配置解析出的时长与阈值
type Settings struct {
	StaleThreshold     time.Duration
	BusyThreshold      int
	ExecTimeout        time.Duration
	StatusTimeout      time.Duration
	StuckSweepInterval time.Duration
	QueueRetryInterval time.Duration
	TimeLimit          time.Duration
}

// SettingsFrom 解析配置中的时长，无效值回退默认
func SettingsFrom(cfg *config.Config) Settings {
	s := Settings{
		StaleThreshold:     config.ParseDuration(cfg.Dispatch.StaleThreshold, 300*time.Second),
		BusyThreshold:      cfg.Dispatch.BusyThreshold,
		ExecTimeout:        config.ParseDuration(cfg.Dispatch.ExecTimeout, 300*time.Second),
		StatusTimeout:      config.ParseDuration(cfg.Backend.StatusTimeout, 10*time.Second),
		StuckSweepInterval: config.ParseDuration(cfg.Dispatch.StuckSweepInterval, 5*time.Minute),
		QueueRetryInterval: config.ParseDuration(cfg.Dispatch.QueueRetryInterval, time.Minute),
	}
	if s.BusyThreshold <= 0 {
		s.BusyThreshold = 10
	}
	s.TimeLimit = config.ParseDuration(cfg.TaskRunner.TimeLimit, s.ExecTimeout+30*time.Second)
	return s
}

// NewBootstrap 根据配置创建 Bootstrap（日志、secret、任务存储、worker 后端、Task Runner、恢复监控）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空")
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	store, err := config.NewSecretStore(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	if err := config.ResolveSecrets(ctx, cfg, store); err != nil {
		return nil, err
	}

	b := &Bootstrap{Config: cfg, Logger: logger}
	if err := b.initRepository(ctx); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.initDispatch(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bootstrap) initRepository(ctx context.Context) error {
	cfg := b.Config.JobStore
	switch cfg.Type {
	case "", "memory":
		b.Repo = job.NewMemoryRepository()
	case "postgres":
		if cfg.DSN == "" {
			return fmt.Errorf("jobstore.type=postgres 需要 jobstore.dsn")
		}
		pg, err := job.NewPgRepository(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("初始化任务存储(postgres) 失败: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("初始化任务表失败: %w", err)
		}
		b.Repo = pg
	default:
		return fmt.Errorf("未知的 jobstore.type: %q", cfg.Type)
	}
	b.Logger.Info("任务存储已初始化", "type", cfg.Type)
	return nil
}

func (b *Bootstrap) initDispatch(ctx context.Context) error {
	cfg := b.Config
	s := SettingsFrom(cfg)

	b.Machine = job.NewMachine(b.Repo)
	b.Backend = backend.NewClient(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		StatusEndpoint: cfg.Backend.StatusEndpoint,
		StatusTimeout:  s.StatusTimeout,
		ExecTimeout:    s.ExecTimeout,
	})
	b.Health = backend.NewHealthIndex(b.Backend)
	b.Scorer = balancer.NewScorer(b.Health, b.Repo, s.StaleThreshold, s.BusyThreshold)

	// Runner 与 Handler 互相依赖（Handler 经 Monitor 重投），handler 延迟绑定
	handle := func(ctx context.Context, t taskrunner.Task) error {
		return b.Handler.Handle(ctx, t)
	}
	opts := taskrunner.Options{
		JobTypes:    backend.JobTypes(),
		Concurrency: cfg.TaskRunner.Concurrency,
		TimeLimit:   s.TimeLimit,
		Logger:      b.Logger.With("component", "task_runner"),
	}
	switch cfg.TaskRunner.Type {
	case "", "memory":
		b.Runner = taskrunner.NewMemoryRunner(handle, opts)
	case "redis":
		rr, err := taskrunner.NewRedisRunner(ctx, taskrunner.RedisConfig{
			Addr:     cfg.TaskRunner.Addr,
			Password: cfg.TaskRunner.Password,
			DB:       cfg.TaskRunner.DB,
			Queue:    cfg.TaskRunner.Queue,
		}, handle, opts)
		if err != nil {
			return fmt.Errorf("初始化 Task Runner(redis) 失败: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rr.Close() })
		b.Runner = rr
	default:
		return fmt.Errorf("未知的 task_runner.type: %q", cfg.TaskRunner.Type)
	}

	b.Monitor = recovery.NewMonitor(b.Machine, b.Health, b.Scorer, b.Runner, recovery.Config{
		StaleThreshold: s.StaleThreshold,
		RetryRate:      cfg.Dispatch.RetryRate,
		RetryBurst:     cfg.Dispatch.RetryBurst,
	}, b.Logger.With("component", "recovery"))
	b.Handler = handler.New(b.Machine, b.Monitor, b.Backend, s.ExecTimeout, b.Logger.With("component", "handler"))
	b.Dispatcher = dispatch.New(b.Machine, b.Scorer, b.Runner, b.Logger.With("component", "dispatcher"))
	return nil
}

// StartBackground 启动任务消费与两类周期扫描；Close 时停止
func (b *Bootstrap) StartBackground(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	s := SettingsFrom(b.Config)
	ctx, b.cancel = context.WithCancel(ctx)
	b.Runner.Start(ctx)

	b.timer = scheduler.NewTimer(func(name string, err error) {
		b.Logger.Warn("周期任务失败", "task", name, "error", err)
	})
	b.timer.Every(ctx, "stuck_sweep", s.StuckSweepInterval, func(ctx context.Context) error {
		_, err := b.Monitor.SweepStuck(ctx)
		return err
	})
	b.timer.Every(ctx, "queue_retry", s.QueueRetryInterval, func(ctx context.Context) error {
		_, err := b.Monitor.SweepQueue(ctx)
		return err
	})
	b.Logger.Info("后台调度已启动",
		"runner", b.Config.TaskRunner.Type,
		"stuck_sweep_interval", s.StuckSweepInterval.String(),
		"queue_retry_interval", s.QueueRetryInterval.String())
}

// Close 停止后台调度并释放存储与队列连接
func (b *Bootstrap) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.timer.Stop()
		b.Runner.Stop()
		b.cancel = nil
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
