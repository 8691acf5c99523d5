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
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "gen-dispatch/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

const jobColumns = `id, user_id, job_type, params, assigned_worker, status, created_at, started_at, completed_at, attempt_started_at, updated_at, result_info, error_info, switch_info`

// PgRepository Postgres 实现：dispatch_jobs 表；Update 在事务内 SELECT ... FOR UPDATE 保证单行原子
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository 创建基于 PostgreSQL 的任务仓库；dsn 为连接串
func NewPgRepository(ctx context.Context, dsn string) (*PgRepository, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgRepository{pool: pool}, nil
}

// EnsureSchema 建表（幂等）
func (r *PgRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schemaSQL)
	return err
}

// Close 关闭连接池
func (r *PgRepository) Close() {
	r.pool.Close()
}

func nullJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *PgRepository) Insert(ctx context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidArg, "job id is empty")
	}
	args, err := rowArgs(j)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO dispatch_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, args...)
	return err
}

func rowArgs(j *Job) ([]any, error) {
	params, err := nullJSON(j.Params, j.Params == nil)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	result, err := nullJSON(j.ResultInfo, j.ResultInfo == nil)
	if err != nil {
		return nil, fmt.Errorf("encode result_info: %w", err)
	}
	switches := j.SwitchInfo
	if switches == nil {
		switches = []SwitchRecord{}
	}
	switchJSON, err := json.Marshal(switches)
	if err != nil {
		return nil, fmt.Errorf("encode switch_info: %w", err)
	}
	return []any{
		j.ID, j.UserID, j.Type, params, j.AssignedWorker, string(j.Status),
		j.CreatedAt, j.StartedAt, j.CompletedAt, j.AttemptStartedAt, j.UpdatedAt,
		result, j.ErrorInfo, switchJSON,
	}, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status string
	var params, result, switches []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Type, &params, &j.AssignedWorker, &status,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.AttemptStartedAt, &j.UpdatedAt,
		&result, &j.ErrorInfo, &switches)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.ResultInfo); err != nil {
			return nil, fmt.Errorf("decode result_info: %w", err)
		}
	}
	if len(switches) > 0 {
		if err := json.Unmarshal(switches, &j.SwitchInfo); err != nil {
			return nil, fmt.Errorf("decode switch_info: %w", err)
		}
		if len(j.SwitchInfo) == 0 {
			j.SwitchInfo = nil
		}
	}
	return &j, nil
}

func (r *PgRepository) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Wrapf(apperrors.ErrNotFound, "job %s", id)
		}
		return nil, err
	}
	return j, nil
}

func (r *PgRepository) Update(ctx context.Context, id string, fn UpdateFunc) (*Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Wrapf(apperrors.ErrNotFound, "job %s", id)
		}
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	args, err := rowArgs(j)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE dispatch_jobs SET user_id = $2, job_type = $3, params = $4, assigned_worker = $5, status = $6,
		 created_at = $7, started_at = $8, completed_at = $9, attempt_started_at = $10, updated_at = $11,
		 result_info = $12, error_info = $13, switch_info = $14
		 WHERE id = $1`, args...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *PgRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dispatch_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, "job %s", id)
	}
	return nil
}

func (r *PgRepository) AggregateLoad(ctx context.Context, staleBefore time.Time) (map[string]Load, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT assigned_worker,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE status = $3 AND attempt_started_at < $4)
		 FROM dispatch_jobs
		 WHERE status IN ($1, $2)
		 GROUP BY assigned_worker`,
		string(StatusQueueing), string(StatusInProgress), string(StatusInProgress), staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Load)
	for rows.Next() {
		var worker string
		var active, stuck int
		if err := rows.Scan(&worker, &active, &stuck); err != nil {
			return nil, err
		}
		out[worker] = Load{Active: active, Stuck: stuck}
	}
	return out, rows.Err()
}

func (r *PgRepository) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM dispatch_jobs WHERE status = $1 ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
