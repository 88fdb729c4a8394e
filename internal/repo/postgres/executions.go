package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/repo"
)

type ExecutionStore struct {
	db DB
}

const executionColumns = `execution_id, application_ref, status, trigger_kind, trigger, config_snapshot, stages, error, cancel_requested, created_at, started_at, finished_at, updated_at, version`

const (
	insertExecutionQuery = `INSERT INTO pipeline_executions (
		execution_id,
		application_ref,
		status,
		trigger_kind,
		trigger,
		config_snapshot,
		stages,
		error,
		cancel_requested,
		created_at,
		started_at,
		finished_at,
		updated_at,
		version
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9,$10,$11,$12,1)`

	selectExecutionQuery = `SELECT ` + executionColumns + ` FROM pipeline_executions WHERE execution_id = $1`

	updateExecutionQuery = `UPDATE pipeline_executions
	 SET status = $3, stages = $4, error = $5, started_at = $6, finished_at = $7, updated_at = $8, version = version + 1
	 WHERE execution_id = $1 AND version = $2
	 RETURNING version, cancel_requested`

	existsExecutionQuery = `SELECT 1 FROM pipeline_executions WHERE execution_id = $1`

	requestCancelQuery = `UPDATE pipeline_executions SET cancel_requested = TRUE WHERE execution_id = $1`

	selectCancelRequestedQuery = `SELECT cancel_requested FROM pipeline_executions WHERE execution_id = $1`
)

func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		return nil
	}
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) Create(ctx context.Context, exec domain.Execution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	id := strings.TrimSpace(exec.ID)
	appRef := strings.TrimSpace(exec.ApplicationRef)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	if appRef == "" {
		return fmt.Errorf("application ref is required")
	}

	triggerJSON, snapshotJSON, stagesJSON, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	createdAt := normalizeTime(exec.CreatedAt)
	updatedAt := exec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(
		ctx,
		insertExecutionQuery,
		id,
		appRef,
		string(exec.Status),
		string(exec.TriggerKind),
		triggerJSON,
		snapshotJSON,
		stagesJSON,
		nullIfEmpty(exec.Error),
		createdAt,
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		updatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Execution{}, fmt.Errorf("execution id is required")
	}
	return scanExecution(s.db.QueryRowContext(ctx, selectExecutionQuery, id))
}

func (s *ExecutionStore) Update(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, fmt.Errorf("execution store not initialized")
	}
	stagesJSON, err := json.Marshal(exec.Stages)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("marshal stages: %w", err)
	}
	updatedAt := normalizeTime(exec.UpdatedAt)

	var version int64
	var cancelRequested bool
	err = s.db.QueryRowContext(
		ctx,
		updateExecutionQuery,
		exec.ID,
		exec.Version,
		string(exec.Status),
		stagesJSON,
		nullIfEmpty(exec.Error),
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		updatedAt,
	).Scan(&version, &cancelRequested)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Execution{}, fmt.Errorf("update execution: %w", err)
		}
		var one int
		if err := s.db.QueryRowContext(ctx, existsExecutionQuery, exec.ID).Scan(&one); err != nil {
			return domain.Execution{}, handleNotFound(err)
		}
		return domain.Execution{}, repo.ErrConflict
	}

	out := exec.Clone()
	out.Version = version
	out.CancelRequested = cancelRequested
	out.UpdatedAt = updatedAt
	return out, nil
}

func (s *ExecutionStore) List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	query, args := buildListExecutionsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *ExecutionStore) RequestCancel(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	res, err := s.db.ExecContext(ctx, requestCancelQuery, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("execution store not initialized")
	}
	var flag bool
	if err := s.db.QueryRowContext(ctx, selectCancelRequestedQuery, strings.TrimSpace(id)).Scan(&flag); err != nil {
		return false, handleNotFound(err)
	}
	return flag, nil
}

func buildListExecutionsQuery(filter repo.ExecutionFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + executionColumns + ` FROM pipeline_executions`)

	args := make([]any, 0, 5)
	where := make([]string, 0, 3)
	if ref := strings.TrimSpace(filter.ApplicationRef); ref != "" {
		args = append(args, ref)
		where = append(where, "application_ref = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore.UTC())
		where = append(where, "updated_at < $"+strconv.Itoa(len(args)))
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, execution_id DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		b.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

func encodeExecution(exec domain.Execution) ([]byte, []byte, []byte, error) {
	triggerJSON, err := json.Marshal(exec.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger: %w", err)
	}
	snapshotJSON, err := json.Marshal(exec.ConfigSnapshot)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal config snapshot: %w", err)
	}
	stagesJSON, err := json.Marshal(exec.Stages)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal stages: %w", err)
	}
	return triggerJSON, snapshotJSON, stagesJSON, nil
}

func scanExecution(scanner rowScanner) (domain.Execution, error) {
	var (
		exec         domain.Execution
		status       string
		triggerKind  string
		triggerJSON  []byte
		snapshotJSON []byte
		stagesJSON   []byte
		errMsg       sql.NullString
		createdAt    time.Time
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		updatedAt    time.Time
	)
	if err := scanner.Scan(
		&exec.ID,
		&exec.ApplicationRef,
		&status,
		&triggerKind,
		&triggerJSON,
		&snapshotJSON,
		&stagesJSON,
		&errMsg,
		&exec.CancelRequested,
		&createdAt,
		&startedAt,
		&finishedAt,
		&updatedAt,
		&exec.Version,
	); err != nil {
		return domain.Execution{}, handleNotFound(err)
	}

	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &exec.Trigger); err != nil {
			return domain.Execution{}, fmt.Errorf("decode trigger: %w", err)
		}
	}
	if err := json.Unmarshal(snapshotJSON, &exec.ConfigSnapshot); err != nil {
		return domain.Execution{}, fmt.Errorf("decode config snapshot: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &exec.Stages); err != nil {
		return domain.Execution{}, fmt.Errorf("decode stages: %w", err)
	}

	exec.Status = domain.NormalizeExecutionStatus(status)
	exec.TriggerKind = domain.NormalizeTriggerKind(triggerKind)
	exec.Error = strings.TrimSpace(errMsg.String)
	exec.CreatedAt = createdAt.UTC()
	exec.StartedAt = timePtr(startedAt)
	exec.FinishedAt = timePtr(finishedAt)
	exec.UpdatedAt = updatedAt.UTC()
	return exec, nil
}
