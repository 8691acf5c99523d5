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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gen-dispatch/internal/dispatch/job"
	apperrors "gen-dispatch/pkg/errors"
)

func newFakeBackend(t *testing.T, statuses []WorkerStatus) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var statusCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/check_status", func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		_ = json.NewEncoder(w).Encode(statuses)
	})
	mux.HandleFunc("/image_creation", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode([]string{"http://cdn/" + body["serv_name"].(string) + ".png"})
	})
	mux.HandleFunc("/video_creation", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode("http://cdn/v.mp4")
	})
	mux.HandleFunc("/face_swap", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu oom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/image_upscale", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode([]string{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &statusCalls
}

func TestClient_Status(t *testing.T) {
	srv, _ := newFakeBackend(t, []WorkerStatus{{Name: "A", Status: "online"}, {Name: "B", Status: "offline"}})
	c := NewClient(Config{BaseURL: srv.URL})
	got, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []WorkerStatus{{Name: "A", Status: "online"}, {Name: "B", Status: "offline"}}, got)
}

func TestClient_StatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Status(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrBackendUnreachable))

	_, err = NewClient(Config{BaseURL: "http://127.0.0.1:1", StatusTimeout: time.Second}).Status(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrBackendUnreachable))
}

func TestClient_Execute(t *testing.T) {
	srv, _ := newFakeBackend(t, nil)
	c := NewClient(Config{BaseURL: srv.URL, ExecTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	res, err := c.Execute(ctx, job.TypeImageCreation, map[string]any{"prompt": "p", "user_id": "u", "serv_name": "A"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"image_urls": []any{"http://cdn/A.png"}}, res)

	res, err = c.Execute(ctx, job.TypeVideoCreation, map[string]any{"serv_name": "A"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"video_url": "http://cdn/v.mp4"}, res)

	_, err = c.Execute(ctx, job.TypeFaceSwap, map[string]any{})
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, http.StatusInternalServerError, execErr.StatusCode)
	assert.False(t, IsTimeout(err))
	assert.Contains(t, ErrorInfo(err), "gpu oom")

	_, err = c.Execute(ctx, job.TypeImageUpscale, map[string]any{})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, TimeoutMessage, ErrorInfo(err))

	_, err = c.Execute(ctx, "Lip Sync", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownJobType))
}

func TestHealthIndex_NoCaching(t *testing.T) {
	srv, calls := newFakeBackend(t, []WorkerStatus{
		{Name: "A", Status: "online"},
		{Name: "B", Status: "maintenance"},
		{Name: "C", Status: "online"},
	})
	h := NewHealthIndex(NewClient(Config{BaseURL: srv.URL}))
	ctx := context.Background()

	online, err := h.ListOnlineWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, online)

	ok, err := h.IsOnline(ctx, "B")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.IsOnline(ctx, "Z")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.IsOnline(ctx, "C")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.EqualValues(t, 4, calls.Load())
}
