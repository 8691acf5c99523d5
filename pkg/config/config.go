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

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gen-dispatch/pkg/secrets"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Backend    BackendConfig    `mapstructure:"backend"`
	JobStore   JobStoreConfig   `mapstructure:"jobstore"`
	TaskRunner TaskRunnerConfig `mapstructure:"task_runner"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port      int     `mapstructure:"port"`
	Host      string  `mapstructure:"host"`
	Timeout   string  `mapstructure:"timeout"`
	RateLimit float64 `mapstructure:"rate_limit"` // /submit_task 每秒请求上限，<=0 不限
	RateBurst int     `mapstructure:"rate_burst"`
}

// DispatchConfig 调度与恢复相关阈值；时长均为 time.ParseDuration 可解析的字符串
type DispatchConfig struct {
	StaleThreshold     string  `mapstructure:"stale_threshold"`      // InProgress 超过该时长视为卡住，默认 300s
	BusyThreshold      int     `mapstructure:"busy_threshold"`       // 活跃任务数超过该值视为繁忙，默认 10
	ExecTimeout        string  `mapstructure:"exec_timeout"`         // 调用 worker 后端执行接口的超时，默认 300s
	StuckSweepInterval string  `mapstructure:"stuck_sweep_interval"` // 卡住任务扫描间隔，默认 5m
	QueueRetryInterval string  `mapstructure:"queue_retry_interval"` // 排队任务重投间隔，默认 1m
	RetryRate          float64 `mapstructure:"retry_rate"`           // 重投速率上限（每秒），<=0 不限速
	RetryBurst         int     `mapstructure:"retry_burst"`          // 重投令牌桶容量
}

// BackendConfig worker 后端（AI 服务器）配置
type BackendConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	StatusEndpoint string `mapstructure:"status_endpoint"` // 如 /check_status
	StatusTimeout  string `mapstructure:"status_timeout"`  // 状态查询超时，默认 10s
}

// JobStoreConfig 任务存储配置
type JobStoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填；支持 ${ENV} 与 secret:<key>
}

// TaskRunnerConfig 任务执行底座配置
type TaskRunnerConfig struct {
	Type        string `mapstructure:"type"` // memory | redis
	Addr        string `mapstructure:"addr"`
	DB          int    `mapstructure:"db"`
	Password    string `mapstructure:"password"` // 支持 ${ENV} 与 secret:<key>
	Queue       string `mapstructure:"queue"`    // Redis list key 前缀，默认 dispatch
	Concurrency int    `mapstructure:"concurrency"`
	TimeLimit   string `mapstructure:"time_limit"` // 单个任务 handler 的硬时间上限，默认 exec_timeout + 30s
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// SecretsConfig secret: 引用的解析来源
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | memory | vault，空表示不解析 secret: 引用
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// SecretPrefix 配置值以此前缀开头时从 secrets.Store 读取
const SecretPrefix = "secret:"

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 4093)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("dispatch.stale_threshold", "300s")
	v.SetDefault("dispatch.busy_threshold", 10)
	v.SetDefault("dispatch.exec_timeout", "300s")
	v.SetDefault("dispatch.stuck_sweep_interval", "5m")
	v.SetDefault("dispatch.queue_retry_interval", "1m")
	v.SetDefault("dispatch.retry_rate", 20.0)
	v.SetDefault("dispatch.retry_burst", 20)
	v.SetDefault("backend.status_endpoint", "/check_status")
	v.SetDefault("backend.status_timeout", "10s")
	v.SetDefault("jobstore.type", "memory")
	v.SetDefault("task_runner.type", "memory")
	v.SetDefault("task_runner.addr", "localhost:6379")
	v.SetDefault("task_runner.queue", "dispatch")
	v.SetDefault("task_runner.concurrency", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig 加载配置文件；环境变量可覆盖（如 DISPATCH_BUSY_THRESHOLD）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// expandEnv 将 ${VAR} 形式的值替换为环境变量；变量为空时保留原值
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	envVar := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config *Config) {
	config.JobStore.DSN = expandEnv(config.JobStore.DSN)
	config.TaskRunner.Password = expandEnv(config.TaskRunner.Password)
	config.Backend.BaseURL = expandEnv(config.Backend.BaseURL)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
}

// ResolveSecrets 将 secret:<key> 形式的敏感字段替换为 store 中的值
func ResolveSecrets(ctx context.Context, config *Config, store secrets.Store) error {
	if store == nil {
		return nil
	}
	fields := []*string{&config.JobStore.DSN, &config.TaskRunner.Password}
	for _, f := range fields {
		if !strings.HasPrefix(*f, SecretPrefix) {
			continue
		}
		key := strings.TrimPrefix(*f, SecretPrefix)
		val, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("解析 secret %q 失败: %w", key, err)
		}
		*f = val
	}
	return nil
}

// NewSecretStore 按 secrets 配置创建 Store；provider 为空时返回 nil
func NewSecretStore(cfg SecretsConfig) (secrets.Store, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	return secrets.NewStore(secrets.Config{
		Provider: cfg.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			PathPrefix: cfg.Vault.PathPrefix,
		},
	})
}

// ParseDuration 解析时长字符串，无效、非正或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
