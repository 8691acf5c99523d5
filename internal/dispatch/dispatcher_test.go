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

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gen-dispatch/internal/dispatch/balancer"
	"gen-dispatch/internal/dispatch/job"
	"gen-dispatch/internal/dispatch/taskrunner"
	apperrors "gen-dispatch/pkg/errors"
)

type stubSelector struct {
	worker string
	err    error
}

func (s stubSelector) SelectWorker(ctx context.Context, excluding ...string) (string, error) {
	return s.worker, s.err
}

type stubRunner struct {
	types      map[string]bool
	enqueueErr error
	enqueued   []taskrunner.Task
	revoked    []string
}

func (r *stubRunner) Supports(jobType string) bool { return r.types[jobType] }

func (r *stubRunner) Enqueue(ctx context.Context, t taskrunner.Task) error {
	if r.enqueueErr != nil {
		return r.enqueueErr
	}
	r.enqueued = append(r.enqueued, t)
	return nil
}

func (r *stubRunner) Revoke(ctx context.Context, jobID string) error {
	r.revoked = append(r.revoked, jobID)
	return nil
}

func (r *stubRunner) Start(ctx context.Context) {}
func (r *stubRunner) Stop()                     {}

func newRunner() *stubRunner {
	return &stubRunner{types: map[string]bool{job.TypeImageCreation: true, job.TypeFaceSwap: true}}
}

func countJobs(t *testing.T, repo job.Repository) int {
	t.Helper()
	n := 0
	for _, s := range []job.Status{job.StatusQueueing, job.StatusInProgress, job.StatusCompleted, job.StatusCancelled, job.StatusSystemError} {
		list, err := repo.ListByStatus(context.Background(), s)
		require.NoError(t, err)
		n += len(list)
	}
	return n
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	repo := job.NewMemoryRepository()
	runner := newRunner()
	d := New(job.NewMachine(repo), stubSelector{worker: "B"}, runner, nil)

	id, worker, err := d.Submit(ctx, job.TypeImageCreation, map[string]any{"prompt": "p"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, "B", worker)

	j, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueueing, j.Status)
	assert.Equal(t, "B", j.AssignedWorker)
	assert.Equal(t, "u1", j.UserID)

	require.Len(t, runner.enqueued, 1)
	assert.Equal(t, taskrunner.Task{JobID: id, JobType: job.TypeImageCreation, UserID: "u1", Worker: "B",
		Params: map[string]any{"prompt": "p"}}, runner.enqueued[0])
}

func TestSubmit_UnknownTypeStoresNothing(t *testing.T) {
	repo := job.NewMemoryRepository()
	d := New(job.NewMachine(repo), stubSelector{worker: "B"}, newRunner(), nil)

	_, _, err := d.Submit(context.Background(), "Lip Sync", nil, "u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownJobType))
	assert.Equal(t, 0, countJobs(t, repo))
}

func TestSubmit_EnqueueRejectsTypeDeletesRow(t *testing.T) {
	repo := job.NewMemoryRepository()
	runner := newRunner()
	runner.enqueueErr = apperrors.Wrap(apperrors.ErrUnknownJobType, "late")
	d := New(job.NewMachine(repo), stubSelector{worker: "B"}, runner, nil)

	_, _, err := d.Submit(context.Background(), job.TypeFaceSwap, nil, "u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownJobType))
	assert.Equal(t, 0, countJobs(t, repo))
}

func TestSubmit_NoCapacity(t *testing.T) {
	repo := job.NewMemoryRepository()
	d := New(job.NewMachine(repo), stubSelector{err: balancer.ErrNoWorkerAvailable}, newRunner(), nil)

	_, _, err := d.Submit(context.Background(), job.TypeFaceSwap, nil, "u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNoCapacity))
	assert.Equal(t, 0, countJobs(t, repo))
}

func TestSubmit_EnqueueFailureMarksSystemError(t *testing.T) {
	ctx := context.Background()
	repo := job.NewMemoryRepository()
	runner := newRunner()
	runner.enqueueErr = errors.New("redis down")
	d := New(job.NewMachine(repo), stubSelector{worker: "B"}, runner, nil)

	_, _, err := d.Submit(ctx, job.TypeFaceSwap, nil, "u1")
	require.Error(t, err)
	failed, err := repo.ListByStatus(ctx, job.StatusSystemError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ErrorInfo, "redis down")
}

func TestQuery_QueuePosition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := job.NewMemoryRepository()
	m := job.NewMachine(repo).WithClock(func() time.Time { now = now.Add(time.Second); return now })
	d := New(m, stubSelector{worker: "A"}, newRunner(), nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, _, err := d.Submit(ctx, job.TypeFaceSwap, nil, "u")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	snap, err := d.Query(ctx, ids[2])
	require.NoError(t, err)
	require.NotNil(t, snap.QueuePosition)
	assert.Equal(t, 2, *snap.QueuePosition)

	_, err = m.MarkInProgress(ctx, ids[0])
	require.NoError(t, err)
	snap, err = d.Query(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, 1, *snap.QueuePosition)

	snap, err = d.Query(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, job.StatusInProgress, snap.Status)
	assert.Nil(t, snap.QueuePosition)

	_, err = d.Query(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	repo := job.NewMemoryRepository()
	runner := newRunner()
	m := job.NewMachine(repo)
	d := New(m, stubSelector{worker: "A"}, runner, nil)

	queued, _, err := d.Submit(ctx, job.TypeFaceSwap, nil, "u")
	require.NoError(t, err)
	require.NoError(t, d.Cancel(ctx, queued))
	snap, err := d.Query(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, snap.Status)
	assert.Equal(t, []string{queued}, runner.revoked)

	running, _, err := d.Submit(ctx, job.TypeFaceSwap, nil, "u")
	require.NoError(t, err)
	_, err = m.MarkInProgress(ctx, running)
	require.NoError(t, err)
	err = d.Cancel(ctx, running)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
	snap, _ = d.Query(ctx, running)
	assert.Equal(t, job.StatusInProgress, snap.Status)

	assert.True(t, apperrors.Is(d.Cancel(ctx, "missing"), apperrors.ErrNotFound))
}
