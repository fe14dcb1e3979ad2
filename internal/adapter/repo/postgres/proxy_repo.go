package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// ProxyRepo persists the authoritative proxy pool state (C1).
type ProxyRepo struct{ Pool PgxPool }

// NewProxyRepo constructs a ProxyRepo with the given pool.
func NewProxyRepo(p PgxPool) *ProxyRepo { return &ProxyRepo{Pool: p} }

func (r *ProxyRepo) span(ctx domain.Context, op, sqlOp string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.proxies")
	ctx, span := tracer.Start(ctx, "proxies."+op)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", sqlOp),
		attribute.String("db.sql.table", "proxies"),
	)
	return ctx, func() { span.End() }
}

// Add inserts a new proxy, or returns the existing record if the canonical
// URL is already present (duplicate admit prevention, spec §4.1).
func (r *ProxyRepo) Add(ctx domain.Context, canonicalURL string, baseDelaySeconds float64) (domain.Proxy, error) {
	ctx, end := r.span(ctx, "Add", "INSERT")
	defer end()

	q := `INSERT INTO proxies (url, active, base_delay_seconds, success_count, fail_count)
	      VALUES ($1, true, $2, 0, 0)
	      ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
	      RETURNING id, url, active, base_delay_seconds, success_count, fail_count, last_used, blocked_since, blocked_until, last_error`
	row := r.Pool.QueryRow(ctx, q, canonicalURL, baseDelaySeconds)
	return scanProxy(row)
}

func (r *ProxyRepo) Get(ctx domain.Context, id int64) (domain.Proxy, error) {
	ctx, end := r.span(ctx, "Get", "SELECT")
	defer end()
	q := `SELECT id, url, active, base_delay_seconds, success_count, fail_count, last_used, blocked_since, blocked_until, last_error FROM proxies WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	p, err := scanProxy(row)
	if err != nil {
		return domain.Proxy{}, fmt.Errorf("op=proxy.get: %w", err)
	}
	return p, nil
}

func (r *ProxyRepo) ListActive(ctx domain.Context) ([]domain.Proxy, error) {
	return r.list(ctx, "ListActive", `WHERE active = true AND blocked_until IS NULL`)
}

func (r *ProxyRepo) ListQuarantined(ctx domain.Context) ([]domain.Proxy, error) {
	return r.list(ctx, "ListQuarantined", `WHERE blocked_until IS NOT NULL`)
}

func (r *ProxyRepo) List(ctx domain.Context) ([]domain.Proxy, error) {
	return r.list(ctx, "List", ``)
}

func (r *ProxyRepo) list(ctx domain.Context, op, where string) ([]domain.Proxy, error) {
	ctx, end := r.span(ctx, op, "SELECT")
	defer end()
	q := `SELECT id, url, active, base_delay_seconds, success_count, fail_count, last_used, blocked_since, blocked_until, last_error FROM proxies ` + where + ` ORDER BY id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=proxy.%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("op=proxy.%s.scan: %w", op, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordSuccess clears quarantine and bumps success_count/last_used via a
// single atomic UPDATE (no read-modify-write, mirroring C7's discipline).
func (r *ProxyRepo) RecordSuccess(ctx domain.Context, id int64, at time.Time) error {
	ctx, end := r.span(ctx, "RecordSuccess", "UPDATE")
	defer end()
	q := `UPDATE proxies SET success_count = success_count + 1, last_used = $2, blocked_since = NULL, blocked_until = NULL, last_error = '' WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("op=proxy.record_success: %w", err)
	}
	return nil
}

// RecordFailure bumps fail_count and stores the error text in one atomic
// UPDATE; deactivate additionally flips active=false (the caller decides
// this from the lifetime fail_count and success_count, not from a run of
// consecutive failures).
func (r *ProxyRepo) RecordFailure(ctx domain.Context, id int64, errText string, deactivate bool) error {
	ctx, end := r.span(ctx, "RecordFailure", "UPDATE")
	defer end()
	q := `UPDATE proxies SET fail_count = fail_count + 1, last_error = $2, active = active AND NOT $3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, errText, deactivate)
	if err != nil {
		return fmt.Errorf("op=proxy.record_failure: %w", err)
	}
	return nil
}

func (r *ProxyRepo) Quarantine(ctx domain.Context, id int64, since, until time.Time) error {
	ctx, end := r.span(ctx, "Quarantine", "UPDATE")
	defer end()
	q := `UPDATE proxies SET blocked_since = $2, blocked_until = $3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, since, until)
	if err != nil {
		return fmt.Errorf("op=proxy.quarantine: %w", err)
	}
	return nil
}

func (r *ProxyRepo) ClearQuarantine(ctx domain.Context, id int64) error {
	ctx, end := r.span(ctx, "ClearQuarantine", "UPDATE")
	defer end()
	q := `UPDATE proxies SET blocked_since = NULL, blocked_until = NULL WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=proxy.clear_quarantine: %w", err)
	}
	return nil
}

// RemoveDuplicates collapses rows that share a canonical URL, keeping the
// lowest id (spec's "dedupe" CLI operation).
func (r *ProxyRepo) RemoveDuplicates(ctx domain.Context) (int, error) {
	ctx, end := r.span(ctx, "RemoveDuplicates", "DELETE")
	defer end()
	q := `DELETE FROM proxies a USING proxies b WHERE a.url = b.url AND a.id > b.id`
	tag, err := r.Pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("op=proxy.remove_duplicates: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ProxyRepo) Delete(ctx domain.Context, id int64) error {
	ctx, end := r.span(ctx, "Delete", "DELETE")
	defer end()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM proxies WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=proxy.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=proxy.delete: %w", domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(row rowScanner) (domain.Proxy, error) {
	var p domain.Proxy
	var lastUsed, blockedSince, blockedUntil *time.Time
	var lastError *string
	if err := row.Scan(&p.ID, &p.URL, &p.Active, &p.BaseDelaySeconds, &p.SuccessCount, &p.FailCount, &lastUsed, &blockedSince, &blockedUntil, &lastError); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Proxy{}, domain.ErrNotFound
		}
		return domain.Proxy{}, err
	}
	p.LastUsed = lastUsed
	p.BlockedSince = blockedSince
	p.BlockedUntil = blockedUntil
	if lastError != nil {
		p.LastError = *lastError
	}
	return p, nil
}
