// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var _ Store = (*PostgreSQL)(nil)

const pqCodeUniqueViolation = pq.ErrorCode("23505")

const schema = `
CREATE TABLE IF NOT EXISTS algorun_tasks (
	id bigserial PRIMARY KEY,
	instance_id bigint NOT NULL,
	module_name text NOT NULL,
	state text NOT NULL,
	processing_step text NOT NULL,
	auto_resubmit_count integer NOT NULL DEFAULT 0,
	total_subtasks integer NOT NULL DEFAULT 0,
	complete_subtasks integer NOT NULL DEFAULT 0,
	failed_subtasks integer NOT NULL DEFAULT 0,
	max_failed_subtasks integer NOT NULL DEFAULT 0,
	max_auto_resubmits integer NOT NULL DEFAULT 0,
	allow_partial_tasks boolean NOT NULL DEFAULT false,
	remote_enabled boolean NOT NULL DEFAULT false,
	min_subtasks integer NOT NULL DEFAULT 0,
	remote boolean NOT NULL DEFAULT false
)`

// PostgreSQL is a Store backed by the algorun_tasks table.
type PostgreSQL struct {
	DB *sqlx.DB
}

// OpenPostgreSQL connects to the database and creates the task table
// if needed.
func OpenPostgreSQL(ctx context.Context, conn algorun.PostgreSQLConnection, poolSize int) (*PostgreSQL, error) {
	pg, err := openDSN(ctx, conn.String())
	if err != nil {
		return nil, err
	}
	if poolSize > 0 {
		pg.DB.SetMaxOpenConns(poolSize)
	}
	return pg, nil
}

func openDSN(ctx context.Context, dsn string) (*PostgreSQL, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}
	pg := &PostgreSQL{DB: db}
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return pg, nil
}

// Migrate creates the task table if it does not exist.
func (pg *PostgreSQL) Migrate(ctx context.Context) error {
	_, err := pg.DB.ExecContext(ctx, schema)
	return err
}

func (pg *PostgreSQL) Close() error {
	return pg.DB.Close()
}

type taskRow struct {
	ID                int64  `db:"id"`
	InstanceID        int64  `db:"instance_id"`
	ModuleName        string `db:"module_name"`
	State             string `db:"state"`
	ProcessingStep    string `db:"processing_step"`
	AutoResubmitCount int    `db:"auto_resubmit_count"`
	TotalSubtasks     int    `db:"total_subtasks"`
	CompleteSubtasks  int    `db:"complete_subtasks"`
	FailedSubtasks    int    `db:"failed_subtasks"`
	MaxFailedSubtasks int    `db:"max_failed_subtasks"`
	MaxAutoResubmits  int    `db:"max_auto_resubmits"`
	AllowPartialTasks bool   `db:"allow_partial_tasks"`
	RemoteEnabled     bool   `db:"remote_enabled"`
	MinSubtasks       int    `db:"min_subtasks"`
	Remote            bool   `db:"remote"`
}

func rowFor(t algorun.PipelineTask) taskRow {
	return taskRow{
		ID:                t.ID,
		InstanceID:        t.InstanceID,
		ModuleName:        t.ModuleName,
		State:             string(t.State),
		ProcessingStep:    string(t.ProcessingStep),
		AutoResubmitCount: t.AutoResubmitCount,
		TotalSubtasks:     t.Counts.Total,
		CompleteSubtasks:  t.Counts.Complete,
		FailedSubtasks:    t.Counts.Failed,
		MaxFailedSubtasks: t.Resources.MaxFailedSubtasks,
		MaxAutoResubmits:  t.Resources.MaxAutoResubmits,
		AllowPartialTasks: t.Resources.AllowPartialTasks,
		RemoteEnabled:     t.Resources.RemoteEnabled,
		MinSubtasks:       t.Resources.MinSubtasks,
		Remote:            t.Remote,
	}
}

func (r taskRow) task() algorun.PipelineTask {
	return algorun.PipelineTask{
		ID:                r.ID,
		InstanceID:        r.InstanceID,
		ModuleName:        r.ModuleName,
		State:             algorun.TaskState(r.State),
		ProcessingStep:    algorun.ProcessingStep(r.ProcessingStep),
		AutoResubmitCount: r.AutoResubmitCount,
		Counts: algorun.SubtaskCounts{
			Total:    r.TotalSubtasks,
			Complete: r.CompleteSubtasks,
			Failed:   r.FailedSubtasks,
		},
		Resources: algorun.ExecutionResources{
			MaxFailedSubtasks: r.MaxFailedSubtasks,
			MaxAutoResubmits:  r.MaxAutoResubmits,
			AllowPartialTasks: r.AllowPartialTasks,
			RemoteEnabled:     r.RemoteEnabled,
			MinSubtasks:       r.MinSubtasks,
		},
		Remote: r.Remote,
	}
}

const columns = `instance_id, module_name, state, processing_step, auto_resubmit_count,
	total_subtasks, complete_subtasks, failed_subtasks,
	max_failed_subtasks, max_auto_resubmits, allow_partial_tasks, remote_enabled, min_subtasks,
	remote`

const values = `:instance_id, :module_name, :state, :processing_step, :auto_resubmit_count,
	:total_subtasks, :complete_subtasks, :failed_subtasks,
	:max_failed_subtasks, :max_auto_resubmits, :allow_partial_tasks, :remote_enabled, :min_subtasks,
	:remote`

func (pg *PostgreSQL) Create(ctx context.Context, task algorun.PipelineTask) (algorun.PipelineTask, error) {
	initialize(&task)
	query := `INSERT INTO algorun_tasks (` + columns + `) VALUES (` + values + `) RETURNING *`
	if task.ID != 0 {
		query = `INSERT INTO algorun_tasks (id, ` + columns + `) VALUES (:id, ` + values + `) RETURNING *`
	}
	tx, err := pg.DB.BeginTxx(ctx, nil)
	if err != nil {
		return algorun.PipelineTask{}, err
	}
	defer tx.Rollback()
	q, args, err := sqlx.Named(query, rowFor(task))
	if err != nil {
		return algorun.PipelineTask{}, err
	}
	var row taskRow
	err = tx.GetContext(ctx, &row, tx.Rebind(q), args...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqCodeUniqueViolation {
		return algorun.PipelineTask{}, fmt.Errorf("task %d already exists", task.ID)
	} else if err != nil {
		return algorun.PipelineTask{}, err
	}
	if task.ID != 0 {
		// Keep generated IDs clear of the one just used.
		_, err = tx.ExecContext(ctx, `SELECT setval(pg_get_serial_sequence('algorun_tasks', 'id'), (SELECT max(id) FROM algorun_tasks))`)
		if err != nil {
			return algorun.PipelineTask{}, err
		}
	}
	return row.task(), tx.Commit()
}

func (pg *PostgreSQL) Task(ctx context.Context, taskID int64) (algorun.PipelineTask, error) {
	var row taskRow
	err := pg.DB.GetContext(ctx, &row, `SELECT * FROM algorun_tasks WHERE id=$1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return algorun.PipelineTask{}, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	} else if err != nil {
		return algorun.PipelineTask{}, err
	}
	return row.task(), nil
}

func (pg *PostgreSQL) Tasks(ctx context.Context) ([]algorun.PipelineTask, error) {
	var rows []taskRow
	err := pg.DB.SelectContext(ctx, &rows, `SELECT * FROM algorun_tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	tasks := make([]algorun.PipelineTask, len(rows))
	for i, row := range rows {
		tasks[i] = row.task()
	}
	return tasks, nil
}

// Update locks the row for the duration of the update, so concurrent
// updates of the same task from several processes are serialized.
func (pg *PostgreSQL) Update(ctx context.Context, taskID int64, fn func(*algorun.PipelineTask)) (algorun.PipelineTask, error) {
	tx, err := pg.DB.BeginTxx(ctx, nil)
	if err != nil {
		return algorun.PipelineTask{}, err
	}
	defer tx.Rollback()
	var row taskRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM algorun_tasks WHERE id=$1 FOR UPDATE`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return algorun.PipelineTask{}, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	} else if err != nil {
		return algorun.PipelineTask{}, err
	}
	task := row.task()
	fn(&task)
	task.ID = taskID
	_, err = tx.NamedExecContext(ctx, `UPDATE algorun_tasks SET (`+columns+`) = (`+values+`) WHERE id=:id`, rowFor(task))
	if err != nil {
		return algorun.PipelineTask{}, err
	}
	return task, tx.Commit()
}

func (pg *PostgreSQL) UpdateSubtaskCounts(ctx context.Context, taskID int64, counts algorun.SubtaskCounts) error {
	_, err := pg.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.Counts = counts })
	return err
}

func (pg *PostgreSQL) UpdateProcessingStep(ctx context.Context, taskID int64, step algorun.ProcessingStep) error {
	if !step.Valid() {
		return fmt.Errorf("invalid processing step %q", step)
	}
	_, err := pg.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.ProcessingStep = step })
	return err
}

func (pg *PostgreSQL) SetState(ctx context.Context, taskID int64, state algorun.TaskState) error {
	_, err := pg.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.State = state })
	return err
}

func (pg *PostgreSQL) PrepareForAutoResubmit(ctx context.Context, taskID int64) (algorun.PipelineTask, error) {
	return pg.Update(ctx, taskID, func(t *algorun.PipelineTask) {
		t.AutoResubmitCount++
		t.State = algorun.TaskSubmitted
	})
}

func (pg *PostgreSQL) SetRemote(ctx context.Context, taskID int64, remote bool) error {
	_, err := pg.Update(ctx, taskID, func(t *algorun.PipelineTask) { t.Remote = remote })
	return err
}
