package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/conductor/internal/models"
)

const spanColumns = `id, seq, run_id, span_id, parent_span_id, layer, step_name, status, reason_code, reason_kind,
	executor_host, agent, region, attempt, ts_start, ts_end, heartbeat_ts, input_summary, output_summary, artifacts, metadata`

// --- Span Operations ---

// SpanWrite is one record to append. When Supersedes names an open record
// of the same run, that record is closed at the new record's ts_start.
type SpanWrite struct {
	Span       *models.Span
	Supersedes string
}

// InsertSpan appends a single span. A second insert with the same
// (run_id, span_id) is ignored and reports inserted=false.
func (s *Store) InsertSpan(ctx context.Context, span *models.Span) (bool, error) {
	inserted, err := s.InsertSpans(ctx, []SpanWrite{{Span: span}})
	if err != nil {
		return false, err
	}
	return inserted[0], nil
}

// InsertSpans appends a batch of spans in one transaction, closing each
// superseded record alongside its successor. Either every write commits
// or none does.
func (s *Store) InsertSpans(ctx context.Context, writes []SpanWrite) ([]bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted := make([]bool, len(writes))
	for i, w := range writes {
		ok, err := insertSpan(ctx, tx, w.Span)
		if err != nil {
			return nil, err
		}
		inserted[i] = ok
		if !ok || w.Supersedes == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE spans SET ts_end = ? WHERE run_id = ? AND span_id = ? AND ts_end IS NULL`,
			w.Span.TsStart, w.Span.RunID, w.Supersedes,
		); err != nil {
			return nil, fmt.Errorf("close superseded span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func insertSpan(ctx context.Context, tx *sql.Tx, span *models.Span) (bool, error) {
	var artifacts sql.NullString
	if len(span.Artifacts) > 0 {
		data, err := json.Marshal(span.Artifacts)
		if err != nil {
			return false, fmt.Errorf("marshal artifacts: %w", err)
		}
		artifacts = sql.NullString{String: string(data), Valid: true}
	}
	var metadata sql.NullString
	if len(span.Metadata) > 0 {
		metadata = sql.NullString{String: string(span.Metadata), Valid: true}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO spans (`+spanColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID, span.Seq, span.RunID, span.SpanID, nullString(span.ParentSpanID), span.Layer, span.StepName,
		span.Status, nullStringPtr(span.ReasonCode), nullString(string(span.ReasonKind)),
		nullString(span.ExecutorHost), nullString(span.Agent), nullString(span.Region), span.Attempt,
		span.TsStart, nullTime(span.TsEnd), nullTime(span.HeartbeatTs),
		nullString(span.InputSummary), nullString(span.OutputSummary), artifacts, metadata,
	)
	if err != nil {
		return false, fmt.Errorf("insert span: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateHeartbeat moves an open span's heartbeat forward. Older timestamps
// and closed spans are ignored so the stored value never decreases.
func (s *Store) UpdateHeartbeat(ctx context.Context, runID, spanID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE spans SET heartbeat_ts = ?
		 WHERE run_id = ? AND span_id = ? AND ts_end IS NULL
		   AND (heartbeat_ts IS NULL OR heartbeat_ts < ?)`,
		ts, runID, spanID, ts,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ListRunSpans returns every span of a run in append order.
func (s *Store) ListRunSpans(ctx context.Context, runID string) ([]models.Span, error) {
	return s.querySpans(ctx, `SELECT `+spanColumns+` FROM spans WHERE run_id = ? ORDER BY seq`, runID)
}

// ListOpenRunIDs returns runs that still have an open record. Superseded
// and terminal records always carry ts_end, so an open record is exactly
// the current state of an unfinished lineage.
func (s *Store) ListOpenRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM spans WHERE ts_end IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query open runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListFailedSpans returns all failed spans in append order.
func (s *Store) ListFailedSpans(ctx context.Context) ([]models.Span, error) {
	return s.querySpans(ctx, `SELECT `+spanColumns+` FROM spans WHERE status = ? ORDER BY seq`, models.StatusFailed)
}

// MaxSpanSeq returns the highest sequence number in the log.
func (s *Store) MaxSpanSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM spans`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *Store) querySpans(ctx context.Context, query string, args ...interface{}) ([]models.Span, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var spans []models.Span
	for rows.Next() {
		var (
			span                               models.Span
			parent, reasonCode, reasonKind     sql.NullString
			host, agent, region, input, output sql.NullString
			artifacts, metadata                sql.NullString
			tsEnd, heartbeat                   sql.NullTime
		)
		if err := rows.Scan(&span.ID, &span.Seq, &span.RunID, &span.SpanID, &parent, &span.Layer, &span.StepName,
			&span.Status, &reasonCode, &reasonKind, &host, &agent, &region, &span.Attempt,
			&span.TsStart, &tsEnd, &heartbeat, &input, &output, &artifacts, &metadata); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		span.ParentSpanID = parent.String
		if reasonCode.Valid {
			span.ReasonCode = models.StringPtr(reasonCode.String)
		}
		span.ReasonKind = models.ReasonKind(reasonKind.String)
		span.ExecutorHost = host.String
		span.Agent = agent.String
		span.Region = region.String
		span.InputSummary = input.String
		span.OutputSummary = output.String
		if tsEnd.Valid {
			t := tsEnd.Time
			span.TsEnd = &t
		}
		if heartbeat.Valid {
			t := heartbeat.Time
			span.HeartbeatTs = &t
		}
		if artifacts.Valid && artifacts.String != "" {
			if err := json.Unmarshal([]byte(artifacts.String), &span.Artifacts); err != nil {
				return nil, fmt.Errorf("decode artifacts: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			span.Metadata = json.RawMessage(metadata.String)
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
