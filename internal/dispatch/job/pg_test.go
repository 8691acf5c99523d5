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
	"context"
	"os"
	"testing"
)

func testJobStoreDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_JOBSTORE_DSN")
	if dsn == "" {
		t.Skip("TEST_JOBSTORE_DSN not set, skipping Postgres repository tests")
	}
	return dsn
}

func newTestPgRepository(t *testing.T, ctx context.Context) (*PgRepository, func()) {
	repo, err := NewPgRepository(ctx, testJobStoreDSN(t))
	if err != nil {
		t.Fatalf("NewPgRepository: %v", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	_, _ = repo.pool.Exec(ctx, `DELETE FROM dispatch_jobs`)
	return repo, func() { repo.Close() }
}

func TestPgRepository_Contract(t *testing.T) {
	ctx := context.Background()
	repo, cleanup := newTestPgRepository(t, ctx)
	defer cleanup()
	repositoryContract(t, repo)
}

func TestPgRepository_MachineRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, cleanup := newTestPgRepository(t, ctx)
	defer cleanup()
	m := NewMachine(repo)

	j, err := m.Create(ctx, "u1", TypeImageCreation, map[string]any{"prompt": "p"}, "gpu-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.MarkInProgress(ctx, j.ID); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	done, err := m.MarkCompleted(ctx, j.ID, map[string]any{"image_urls": "x"})
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.StartedAt == nil || got.CompletedAt == nil || got.ResultInfo["image_urls"] != "x" {
		t.Errorf("Get: got %+v", got)
	}
	if got.Params["prompt"] != "p" || done.ID != got.ID {
		t.Errorf("params not persisted: %+v", got.Params)
	}
}
