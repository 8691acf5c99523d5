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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gen-dispatch/internal/api/http/middleware"
	"gen-dispatch/internal/dispatch"
	"gen-dispatch/internal/dispatch/job"
	"gen-dispatch/internal/dispatch/recovery"
	apperrors "gen-dispatch/pkg/errors"
)

type fakeDispatcher struct {
	submitErr error
	snap      *dispatch.Snapshot
	queryErr  error
	cancelErr error

	gotType   string
	gotParams map[string]any
	gotUser   string
	cancelled []string
}

func (f *fakeDispatcher) Submit(ctx context.Context, jobType string, params map[string]any, userID string) (string, string, error) {
	f.gotType, f.gotParams, f.gotUser = jobType, params, userID
	if f.submitErr != nil {
		return "", "", f.submitErr
	}
	return "job-1", "B", nil
}

func (f *fakeDispatcher) Query(ctx context.Context, jobID string) (*dispatch.Snapshot, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.snap, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelErr
}

type fakeSweeper struct {
	once sync.Once
	done chan struct{}
}

func (f *fakeSweeper) SweepQueue(ctx context.Context) (recovery.SweepReport, error) {
	f.once.Do(func() { close(f.done) })
	return recovery.SweepReport{Resubmitted: 1}, nil
}

func newTestServer(d Dispatcher, s QueueSweeper) *server.Hertz {
	r := NewRouter(NewHandler(d, s), middleware.NewMiddleware(nil))
	return r.Build(":0")
}

func perform(s *server.Hertz, method, path string, body []byte) *ut.ResponseRecorder {
	return ut.PerformRequest(s.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func decode(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Result().Body(), &out), "body: %s", w.Result().Body())
	return out
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(&fakeDispatcher{}, nil)
	w := perform(s, "GET", "/health", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestSubmitTask(t *testing.T) {
	d := &fakeDispatcher{}
	s := newTestServer(d, nil)

	body := []byte(`{"task_type":"Image Creation","task_params":{"prompt":"cat"},"user_id":"u1"}`)
	w := perform(s, "POST", "/submit_task", body)
	require.Equal(t, 202, w.Result().StatusCode())
	assert.Equal(t, map[string]any{"ticket_id": "job-1", "serv_name": "B", "status": "Queueing"}, decode(t, w))
	assert.Equal(t, job.TypeImageCreation, d.gotType)
	assert.Equal(t, "u1", d.gotUser)
	assert.Equal(t, "cat", d.gotParams["prompt"])
}

func TestSubmitTask_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed body", `{`, nil, 400},
		{"missing type", `{"task_params":{}}`, nil, 400},
		{"unknown type", `{"task_type":"Lip Sync"}`, apperrors.Wrap(apperrors.ErrUnknownJobType, "Lip Sync"), 400},
		{"no capacity", `{"task_type":"Face Swap"}`, apperrors.Wrap(apperrors.ErrNoCapacity, "no worker available"), 503},
		{"store failure", `{"task_type":"Face Swap"}`, assert.AnError, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeDispatcher{submitErr: tt.err}, nil)
			w := perform(s, "POST", "/submit_task", []byte(tt.body))
			assert.Equal(t, tt.want, w.Result().StatusCode())
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestQueryTask(t *testing.T) {
	pos := 3
	d := &fakeDispatcher{snap: &dispatch.Snapshot{ID: "job-1", Status: job.StatusQueueing, Worker: "A", QueuePosition: &pos}}
	s := newTestServer(d, nil)

	w := perform(s, "GET", "/query_task/job-1", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	got := decode(t, w)
	assert.Equal(t, "Queueing", got["status"])
	assert.Nil(t, got["result_info"])
	assert.EqualValues(t, 3, got["queue_position"])
	assert.NotContains(t, got, "error_info")

	d.snap = &dispatch.Snapshot{ID: "job-1", Status: job.StatusCompleted, Worker: "A",
		ResultInfo: map[string]any{"image_urls": []any{"u"}}}
	got = decode(t, perform(s, "GET", "/query_task/job-1", nil))
	assert.Equal(t, "Completed", got["status"])
	assert.NotContains(t, got, "queue_position")
	assert.Equal(t, map[string]any{"image_urls": []any{"u"}}, got["result_info"])

	d.snap = &dispatch.Snapshot{ID: "job-1", Status: job.StatusSystemError, ErrorInfo: "execution timed out"}
	got = decode(t, perform(s, "GET", "/query_task/job-1", nil))
	assert.Equal(t, "execution timed out", got["error_info"])
}

func TestQueryTask_NotFound(t *testing.T) {
	s := newTestServer(&fakeDispatcher{queryErr: apperrors.Wrap(apperrors.ErrNotFound, "job x")}, nil)
	w := perform(s, "GET", "/query_task/x", nil)
	assert.Equal(t, 404, w.Result().StatusCode())
}

func TestCancelTask(t *testing.T) {
	d := &fakeDispatcher{}
	s := newTestServer(d, nil)
	w := perform(s, "POST", "/cancel_task/job-1", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "Cancelled", decode(t, w)["status"])
	assert.Equal(t, []string{"job-1"}, d.cancelled)

	d.cancelErr = apperrors.Wrap(apperrors.ErrInvalidTransition, "job-1 is In Progress")
	assert.Equal(t, 400, perform(s, "POST", "/cancel_task/job-1", nil).Result().StatusCode())

	d.cancelErr = apperrors.Wrap(apperrors.ErrNotFound, "job-2")
	assert.Equal(t, 404, perform(s, "POST", "/cancel_task/job-2", nil).Result().StatusCode())
}

func TestProcessQueue(t *testing.T) {
	sw := &fakeSweeper{done: make(chan struct{})}
	s := newTestServer(&fakeDispatcher{}, sw)
	w := perform(s, "POST", "/process_queue", nil)
	require.Equal(t, 202, w.Result().StatusCode())
	select {
	case <-sw.done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue sweep was not triggered")
	}

	s = newTestServer(&fakeDispatcher{}, nil)
	assert.Equal(t, 503, perform(s, "POST", "/process_queue", nil).Result().StatusCode())
}

func TestMetrics(t *testing.T) {
	s := newTestServer(&fakeDispatcher{}, nil)
	w := perform(s, "GET", "/metrics", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "dispatch_")
}

func TestRouter_MetricsDisabled(t *testing.T) {
	r := NewRouter(NewHandler(&fakeDispatcher{}, nil), middleware.NewMiddleware(nil))
	r.SetMetricsEnabled(false)
	s := r.Build(":0")
	assert.Equal(t, 404, perform(s, "GET", "/metrics", nil).Result().StatusCode())
}

func TestRouter_SubmitRateLimited(t *testing.T) {
	r := NewRouter(NewHandler(&fakeDispatcher{}, nil), middleware.NewMiddleware(nil))
	r.SetRateLimit(0.001, 1)
	s := r.Build(":0")
	body := []byte(`{"task_type":"Face Swap"}`)
	assert.Equal(t, 202, perform(s, "POST", "/submit_task", body).Result().StatusCode())
	assert.Equal(t, 429, perform(s, "POST", "/submit_task", body).Result().StatusCode())
	// 查询不受提交限流影响
	assert.Equal(t, 200, perform(s, "GET", "/health", nil).Result().StatusCode())
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(&fakeDispatcher{}, nil)
	w := perform(s, "OPTIONS", "/submit_task", nil)
	assert.Equal(t, 204, w.Result().StatusCode())
	assert.Equal(t, "*", string(w.Result().Header.Peek("Access-Control-Allow-Origin")))
}
