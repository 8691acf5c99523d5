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
	"gen-dispatch/internal/dispatch/job"
)

// Route 任务类型到执行接口的映射；ResultKey 为写入 ResultInfo 时包裹后端响应的键
type Route struct {
	Path      string
	ResultKey string
}

var routes = map[string]Route{
	job.TypeImageCreation: {Path: "/image_creation", ResultKey: "image_urls"},
	job.TypeImageUpscale:  {Path: "/image_upscale", ResultKey: "image_urls"},
	job.TypeFaceSwap:      {Path: "/face_swap", ResultKey: "image_urls"},
	job.TypeVideoCreation: {Path: "/video_creation", ResultKey: "video_url"},
}

// RouteFor 返回任务类型的执行路由
func RouteFor(jobType string) (Route, bool) {
	r, ok := routes[jobType]
	return r, ok
}

// JobTypes 所有已知任务类型
func JobTypes() []string {
	return []string{job.TypeImageCreation, job.TypeImageUpscale, job.TypeFaceSwap, job.TypeVideoCreation}
}
