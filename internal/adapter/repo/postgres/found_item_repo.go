package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// FoundItemRepo persists FoundItem rows and enforces the (task_id,
// listing_id) uniqueness invariant via a database constraint.
type FoundItemRepo struct{ Pool PgxPool }

// NewFoundItemRepo constructs a FoundItemRepo with the given pool.
func NewFoundItemRepo(p PgxPool) *FoundItemRepo { return &FoundItemRepo{Pool: p} }

func (r *FoundItemRepo) span(ctx domain.Context, op, sqlOp string) (domain.Context, func()) {
	tracer := otel.Tracer("repo.found_items")
	ctx, span := tracer.Start(ctx, "found_items."+op)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", sqlOp),
		attribute.String("db.sql.table", "found_items"),
	)
	return ctx, func() { span.End() }
}

// Insert returns ErrPersistenceConflict when (task_id, listing_id) already
// exists; callers swallow this as "already reported" rather than failing
// the pipeline run.
func (r *FoundItemRepo) Insert(ctx domain.Context, item domain.FoundItem) (int64, error) {
	ctx, end := r.span(ctx, "Insert", "INSERT")
	defer end()

	listingJSON, err := json.Marshal(item.Listing)
	if err != nil {
		return 0, fmt.Errorf("op=found_item.insert.marshal_listing: %w", err)
	}

	q := `INSERT INTO found_items (task_id, hash_name, listing_id, price, listing, overpay_coefficient, inspect_link, notified, discovered_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	      ON CONFLICT (task_id, listing_id) DO NOTHING
	      RETURNING id`
	discoveredAt := item.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now().UTC()
	}
	row := r.Pool.QueryRow(ctx, q, item.TaskID, item.HashName, item.ListingID, item.Price, listingJSON, item.OverpayCoefficient, item.InspectLink, item.Notified, discoveredAt)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=found_item.insert: %w", domain.ErrPersistenceConflict)
		}
		return 0, fmt.Errorf("op=found_item.insert: %w", err)
	}
	return id, nil
}

func (r *FoundItemRepo) Exists(ctx domain.Context, taskID int64, listingID string) (bool, error) {
	ctx, end := r.span(ctx, "Exists", "SELECT")
	defer end()
	q := `SELECT EXISTS(SELECT 1 FROM found_items WHERE task_id=$1 AND listing_id=$2)`
	row := r.Pool.QueryRow(ctx, q, taskID, listingID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=found_item.exists: %w", err)
	}
	return exists, nil
}

// Purge deletes FoundItems older than the cutoff (CLI `found-items purge`).
func (r *FoundItemRepo) Purge(ctx domain.Context, olderThan time.Time) (int64, error) {
	ctx, end := r.span(ctx, "Purge", "DELETE")
	defer end()
	var tag pgconn.CommandTag
	var err error
	tag, err = r.Pool.Exec(ctx, `DELETE FROM found_items WHERE discovered_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=found_item.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *FoundItemRepo) List(ctx domain.Context, taskID int64, limit, offset int) ([]domain.FoundItem, error) {
	ctx, end := r.span(ctx, "List", "SELECT")
	defer end()
	q := `SELECT id, task_id, hash_name, listing_id, price, listing, overpay_coefficient, inspect_link, notified, discovered_at
	      FROM found_items WHERE task_id=$1 ORDER BY discovered_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=found_item.list: %w", err)
	}
	defer rows.Close()
	var out []domain.FoundItem
	for rows.Next() {
		var item domain.FoundItem
		var listingJSON []byte
		if err := rows.Scan(&item.ID, &item.TaskID, &item.HashName, &item.ListingID, &item.Price, &listingJSON, &item.OverpayCoefficient, &item.InspectLink, &item.Notified, &item.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("op=found_item.list.scan: %w", err)
		}
		if len(listingJSON) > 0 {
			if err := json.Unmarshal(listingJSON, &item.Listing); err != nil {
				return nil, fmt.Errorf("op=found_item.list.unmarshal_listing: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
