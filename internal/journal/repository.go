package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrInvalidKind is returned when recording an event with an unknown kind.
var ErrInvalidKind = errors.New("journal: invalid event kind")

// Repository defines the journal operations.
type Repository interface {
	Record(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// DBTX is the subset of *sql.DB the repository uses. Both *sql.DB and
// *database.DB satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository stores events in SQLite.
type SQLiteRepository struct {
	db DBTX
}

// NewSQLiteRepository creates a journal repository.
func NewSQLiteRepository(db DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an event. The ID and OccurredAt are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, event *Event) error {
	if !event.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, event.Kind)
	}
	if event.ID == "" {
		event.ID = "evt-" + uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	event.OccurredAt = event.OccurredAt.UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runtime_events (id, kind, topic, binding, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Kind), event.Topic, event.Binding, event.Detail,
		event.OccurredAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting runtime event: %w", err)
	}
	return nil
}

// List returns events matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM runtime_events" + where //nolint:gosec // where is built from fixed column names
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting runtime events: %w", err)
	}

	query := "SELECT id, kind, topic, binding, detail, occurred_at FROM runtime_events" + where + //nolint:gosec // see above
		" ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying runtime events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e          Event
			kind       string
			occurredAt string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Topic, &e.Binding, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning runtime event: %w", err)
		}
		e.Kind = Kind(kind)
		if e.OccurredAt, err = time.Parse(timeLayout, occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at of %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runtime events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Prune deletes events that occurred before the given instant and
// returns how many rows were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM runtime_events WHERE occurred_at < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning runtime events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning runtime events: %w", err)
	}
	return n, nil
}
