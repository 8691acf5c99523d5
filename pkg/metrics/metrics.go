package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobsSubmittedTotal, JobTransitionsTotal, JobDuration,
		FailoverTotal, SweepActionsTotal,
		WorkerLoad, WorkerOnline, TaskRunnerBusy,
	)
}

// JobsSubmittedTotal 提交成功的任务数（按任务类型）
var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_jobs_submitted_total",
		Help: "提交成功的任务数",
	},
	[]string{"job_type"},
)

// JobTransitionsTotal 状态迁移次数（按目标状态）
var JobTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_job_transitions_total",
		Help: "任务状态迁移次数",
	},
	[]string{"status"}, // Queueing | In Progress | Completed | Cancelled | System Error
)

// JobDuration worker 后端执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dispatch_job_duration_seconds",
		Help:    "worker 后端执行耗时（秒）",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300},
	},
	[]string{"job_type"},
)

// FailoverTotal 执行前切换结果
var FailoverTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_failover_total",
		Help: "执行前服务器校验/切换结果",
	},
	[]string{"outcome"}, // ready | switched | requeued | no_capacity
)

// SweepActionsTotal 周期扫描对任务采取的动作
var SweepActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_sweep_actions_total",
		Help: "周期扫描动作数",
	},
	[]string{"sweep", "action"}, // stuck: requeued|timed_out|skipped; queue: resubmitted|busy|failed
)

// WorkerLoad 每个 worker 的有效负载（active - stuck）
var WorkerLoad = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "dispatch_worker_load",
		Help: "worker 有效负载（active - stuck）",
	},
	[]string{"worker"},
)

// WorkerOnline worker 在线状态（1 在线，0 离线）
var WorkerOnline = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "dispatch_worker_online",
		Help: "worker 在线状态",
	},
	[]string{"worker"},
)

// TaskRunnerBusy 当前正在执行的 handler 数
var TaskRunnerBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "dispatch_task_runner_busy",
		Help: "当前正在执行的 handler 数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 复用）
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
