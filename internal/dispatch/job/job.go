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

package job

import (
	"time"
)

// Status 任务状态；取值与对外 HTTP 响应中的字符串一致
type Status string

const (
	StatusQueueing    Status = "Queueing"
	StatusInProgress  Status = "In Progress"
	StatusCompleted   Status = "Completed"
	StatusCancelled   Status = "Cancelled"
	StatusSystemError Status = "System Error"
)

// Terminal 是否为终态（Completed / Cancelled / System Error）
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusSystemError
}

// Active 是否计入 worker 的活跃任务数（Queueing + In Progress）
func (s Status) Active() bool {
	return s == StatusQueueing || s == StatusInProgress
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusQueueing, StatusInProgress, StatusCompleted, StatusCancelled, StatusSystemError:
		return true
	}
	return false
}

// 任务类型（与 worker 后端执行路由一一对应）
const (
	TypeImageCreation = "Image Creation"
	TypeImageUpscale  = "Image Upscale"
	TypeFaceSwap      = "Face Swap"
	TypeVideoCreation = "Video Creation"
)

// SwitchRecord 一次 worker 切换记录
type SwitchRecord struct {
	Time       time.Time `json:"time"`
	FromWorker string    `json:"from_worker"`
	ToWorker   string    `json:"to_worker"`
	Reason     string    `json:"reason"`
}

// Job 一次生成任务：提交时创建为 Queueing，由 handler 执行，sweep 负责回收
type Job struct {
	ID             string
	UserID         string
	Type           string
	Params         map[string]any
	AssignedWorker string
	Status         Status

	CreatedAt   time.Time
	StartedAt   *time.Time // 首次进入 In Progress 的时间，之后不再改写
	CompletedAt *time.Time // 进入 Completed / System Error 的时间
	// AttemptStartedAt 当前这次执行开始的时间；每次 MarkInProgress 刷新，卡住判定以它为准
	AttemptStartedAt *time.Time
	UpdatedAt        time.Time

	ResultInfo map[string]any
	ErrorInfo  string
	SwitchInfo []SwitchRecord
}

// Clone 深拷贝，仓库对外返回副本，调用方修改不影响存储
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Params = cloneMap(j.Params)
	cp.ResultInfo = cloneMap(j.ResultInfo)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.AttemptStartedAt = cloneTime(j.AttemptStartedAt)
	if j.SwitchInfo != nil {
		cp.SwitchInfo = append([]SwitchRecord(nil), j.SwitchInfo...)
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Load 单个 worker 的负载计数
type Load struct {
	Active int // Queueing + In Progress
	Stuck  int // In Progress 且本次执行开始早于阈值
}
