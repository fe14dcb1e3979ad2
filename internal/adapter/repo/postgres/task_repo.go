package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// TaskRepo persists MonitoringTask records, including the atomic-counter
// discipline C7 requires: increments are always a single UPDATE statement,
// never a read-modify-write round trip.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

func (r *TaskRepo) span(ctx domain.Context, op, sqlOp string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks."+op)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", sqlOp),
		attribute.String("db.sql.table", "monitoring_tasks"),
	)
	return ctx, func() { span.End() }
}

func (r *TaskRepo) Create(ctx domain.Context, t domain.MonitoringTask) (int64, error) {
	ctx, end := r.span(ctx, "Create", "INSERT")
	defer end()
	filterJSON, err := json.Marshal(t.Filter)
	if err != nil {
		return 0, fmt.Errorf("op=task.create.marshal_filter: %w", err)
	}
	if t.NextCheck.IsZero() {
		t.NextCheck = time.Now().UTC()
	}
	q := `INSERT INTO monitoring_tasks (name, market_hash_name, app_id, currency, filter, active, check_interval_secs, next_check, total_checks, items_found)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0) RETURNING id`
	row := r.Pool.QueryRow(ctx, q, t.Name, t.MarketHashName, t.AppID, t.Currency, filterJSON, t.Active, t.CheckIntervalSecs, t.NextCheck)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

func (r *TaskRepo) Get(ctx domain.Context, id int64) (domain.MonitoringTask, error) {
	ctx, end := r.span(ctx, "Get", "SELECT")
	defer end()
	q := `SELECT id, name, market_hash_name, app_id, currency, filter, active, check_interval_secs, last_check, next_check, total_checks, items_found FROM monitoring_tasks WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	t, err := scanTask(row)
	if err != nil {
		return domain.MonitoringTask{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

func (r *TaskRepo) List(ctx domain.Context) ([]domain.MonitoringTask, error) {
	ctx, end := r.span(ctx, "List", "SELECT")
	defer end()
	q := `SELECT id, name, market_hash_name, app_id, currency, filter, active, check_interval_secs, last_check, next_check, total_checks, items_found FROM monitoring_tasks ORDER BY id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.MonitoringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueForDispatch returns active tasks with next_check <= now, used by C3's
// 1s sweep scheduler.
func (r *TaskRepo) DueForDispatch(ctx domain.Context, now time.Time) ([]domain.MonitoringTask, error) {
	ctx, end := r.span(ctx, "DueForDispatch", "SELECT")
	defer end()
	q := `SELECT id, name, market_hash_name, app_id, currency, filter, active, check_interval_secs, last_check, next_check, total_checks, items_found
	      FROM monitoring_tasks WHERE active = true AND next_check <= $1 ORDER BY next_check`
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("op=task.due_for_dispatch: %w", err)
	}
	defer rows.Close()
	var out []domain.MonitoringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.due_for_dispatch.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskRepo) Delete(ctx domain.Context, id int64) error {
	ctx, end := r.span(ctx, "Delete", "DELETE")
	defer end()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM monitoring_tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=task.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *TaskRepo) ResetNextCheck(ctx domain.Context, id int64) error {
	ctx, end := r.span(ctx, "ResetNextCheck", "UPDATE")
	defer end()
	tag, err := r.Pool.Exec(ctx, `UPDATE monitoring_tasks SET next_check = now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=task.reset_next_check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.reset_next_check: %w", domain.ErrNotFound)
	}
	return nil
}

// IncrementCheck advances total_checks/last_check/next_check via a single
// atomic UPDATE executed inside an explicit transaction with bounded
// execute/commit timeouts (C7; spec default 5s/3s).
func (r *TaskRepo) IncrementCheck(ctx domain.Context, id int64, now time.Time, nextCheck time.Time) error {
	return r.incrementCounters(ctx, "IncrementCheck", id, 0, now, nextCheck)
}

// IncrementFoundAndCheck additionally bumps items_found in the same
// statement when the pipeline run produced new FoundItems.
func (r *TaskRepo) IncrementFoundAndCheck(ctx domain.Context, id int64, foundDelta int64, now time.Time, nextCheck time.Time) error {
	return r.incrementCounters(ctx, "IncrementFoundAndCheck", id, foundDelta, now, nextCheck)
}

func (r *TaskRepo) incrementCounters(ctx domain.Context, op string, id int64, foundDelta int64, now, nextCheck time.Time) error {
	ctx, end := r.span(ctx, op, "UPDATE")
	defer end()

	execTimeout := 5 * time.Second
	commitTimeout := 3 * time.Second

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=task.%s.begin_tx: %w", op, err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Error("rollback failed", slog.String("op", op), slog.Any("error", rbErr))
			}
		}
	}()

	execCtx, cancel := withTimeout(ctx, execTimeout)
	defer cancel()

	q := `UPDATE monitoring_tasks
	      SET total_checks = total_checks + 1,
	          items_found = items_found + $2,
	          last_check = $3,
	          next_check = $4
	      WHERE id=$1`
	start := time.Now()
	tag, err := tx.Exec(execCtx, q, id, foundDelta, now, nextCheck)
	if err != nil {
		return fmt.Errorf("op=task.%s.exec: %w", op, domain.ErrPersistenceTimeout)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.%s: %w", op, domain.ErrNotFound)
	}
	slog.Debug("task counters incremented", slog.String("op", op), slog.Int64("task_id", id), slog.Duration("exec_duration", time.Since(start)))

	commitCtx, cancel2 := withTimeout(ctx, commitTimeout)
	defer cancel2()
	if err := tx.Commit(commitCtx); err != nil {
		return fmt.Errorf("op=task.%s.commit: %w", op, domain.ErrPersistenceTimeout)
	}
	committed = true
	return nil
}

func scanTask(row rowScanner) (domain.MonitoringTask, error) {
	var t domain.MonitoringTask
	var filterJSON []byte
	var lastCheck *time.Time
	if err := row.Scan(&t.ID, &t.Name, &t.MarketHashName, &t.AppID, &t.Currency, &filterJSON, &t.Active, &t.CheckIntervalSecs, &lastCheck, &t.NextCheck, &t.TotalChecks, &t.ItemsFound); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MonitoringTask{}, domain.ErrNotFound
		}
		return domain.MonitoringTask{}, err
	}
	t.LastCheck = lastCheck
	if len(filterJSON) > 0 {
		if err := json.Unmarshal(filterJSON, &t.Filter); err != nil {
			return domain.MonitoringTask{}, fmt.Errorf("unmarshal filter: %w", err)
		}
	}
	return t, nil
}
