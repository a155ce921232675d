package metering

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store archives call records in PostgreSQL. It is the durable side of the
// call record pipeline; the in-memory Ring stays authoritative for live
// metrics.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// recordColumns lists the inserted columns in order.
var recordColumns = []string{
	"id", "agent", "workflow", "timestamp", "duration_ms", "success", "error",
	"error_message", "input_size_bytes", "output_size_bytes", "cache_hit",
	"provider", "model", "attempts", "cost_usd",
}

// BatchInsert writes a slice of call records in a single multi-row INSERT
// statement. It is a no-op when recs is empty. Records already archived are
// skipped.
func (s *Store) BatchInsert(ctx context.Context, recs []CallRecord) error {
	if len(recs) == 0 {
		return nil
	}

	cols := len(recordColumns)
	args := make([]any, 0, len(recs)*cols)
	rows := make([]string, 0, len(recs))

	for i, rec := range recs {
		base := i * cols
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			rec.ID,
			rec.Agent,
			rec.Workflow,
			rec.Timestamp,
			rec.DurationMs,
			rec.Success,
			rec.Error,
			rec.ErrorMessage,
			rec.InputSizeBytes,
			rec.OutputSizeBytes,
			rec.CacheHit,
			rec.Provider,
			rec.Model,
			rec.Attempts,
			rec.CostUSD,
		)
	}

	query := `INSERT INTO call_records (` + strings.Join(recordColumns, ", ") + `)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting call records: %w", err)
	}
	return nil
}

// GetSummary returns aggregate usage matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q UsageQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(cost_usd), 0),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(duration_ms), 0)
	FROM call_records` + where

	var summary UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalCalls,
		&summary.TotalCost,
		&summary.SuccessCount,
		&summary.ErrorCount,
		&summary.CacheHitCount,
		&summary.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// ListCalls returns a page of archived records matching the query filters,
// ordered by timestamp DESC, id DESC. It uses cursor-based pagination and
// returns the next cursor (empty string if no more results).
func (s *Store) ListCalls(ctx context.Context, q UsageQuery) ([]*CallRecord, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "timestamp|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + strings.Join(recordColumns, ", ") + `
	FROM call_records` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // one extra row tells us whether there is a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []*CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(
			&rec.ID, &rec.Agent, &rec.Workflow, &rec.Timestamp, &rec.DurationMs,
			&rec.Success, &rec.Error, &rec.ErrorMessage, &rec.InputSizeBytes,
			&rec.OutputSizeBytes, &rec.CacheHit, &rec.Provider, &rec.Model,
			&rec.Attempts, &rec.CostUSD,
		); err != nil {
			return nil, "", fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating call record rows: %w", err)
	}

	var nextCursor string
	if len(recs) > limit {
		last := recs[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		recs = recs[:limit]
	}

	return recs, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// UsageQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q UsageQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.Agent != "" {
		args = append(args, q.Agent)
		conditions = append(conditions, fmt.Sprintf("agent = $%d", len(args)))
	} else if len(q.Agents) > 0 {
		placeholders := make([]string, len(q.Agents))
		for i, name := range q.Agents {
			args = append(args, name)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, "agent IN ("+strings.Join(placeholders, ", ")+")")
	}
	if q.Provider != "" {
		args = append(args, q.Provider)
		conditions = append(conditions, fmt.Sprintf("provider = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
