package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentwire/internal/domain"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
)

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *checkpoint.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cmo_runs (trace_id, graph_id, graph_version, status, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.TraceID, r.GraphID, r.GraphVersion, string(r.Status), r.StartedAt, r.CompletedAt)
	if err != nil {
		return conflictWrap(err, "create run %s", r.TraceID)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, traceID string) (*checkpoint.Run, error) {
	var r checkpoint.Run
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT trace_id, graph_id, graph_version, status, started_at, completed_at
		 FROM cmo_runs WHERE trace_id = $1`, traceID).
		Scan(&r.TraceID, &r.GraphID, &r.GraphVersion, &status, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", traceID)
	}
	r.Status = checkpoint.RunStatus(status)
	return &r, nil
}

// FinishRun only updates a running run, so a closed run is never re-opened
// or re-closed.
func (s *Store) FinishRun(ctx context.Context, traceID string, status checkpoint.RunStatus, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cmo_runs SET status = $2, completed_at = $3
		 WHERE trace_id = $1 AND status = 'running'`,
		traceID, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", traceID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetRun(ctx, traceID); err != nil {
		return err
	}
	return fmt.Errorf("finish run %s: already closed: %w", traceID, domain.ErrConflict)
}

// --- Steps ---

func (s *Store) AppendStep(ctx context.Context, st *checkpoint.Step) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cmo_steps (trace_id, step_index, node_id, state_hash, input_hash, output_hash,
		                        next_edge, started_at, completed_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.TraceID, st.StepIndex, st.NodeID, st.StateHash, st.InputHash, st.OutputHash,
		st.NextEdge, st.StartedAt, st.CompletedAt, st.DurationMS)
	if err != nil {
		return conflictWrap(err, "append step %s/%d", st.TraceID, st.StepIndex)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, traceID string) ([]checkpoint.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trace_id, step_index, node_id, state_hash, input_hash, output_hash,
		        next_edge, started_at, completed_at, duration_ms
		 FROM cmo_steps WHERE trace_id = $1 ORDER BY step_index`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list steps %s: %w", traceID, err)
	}
	defer rows.Close()

	var steps []checkpoint.Step
	for rows.Next() {
		var st checkpoint.Step
		if err := rows.Scan(&st.TraceID, &st.StepIndex, &st.NodeID, &st.StateHash, &st.InputHash,
			&st.OutputHash, &st.NextEdge, &st.StartedAt, &st.CompletedAt, &st.DurationMS); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Activities ---

const activityColumns = `trace_id, step_index, activity_type, request_hash, request_data, response_data, timestamp`

func scanActivity(row scannable) (checkpoint.Activity, error) {
	var a checkpoint.Activity
	var req, resp []byte
	err := row.Scan(&a.TraceID, &a.StepIndex, &a.ActivityType, &a.RequestHash, &req, &resp, &a.Timestamp)
	if err != nil {
		return a, err
	}
	a.RequestData = json.RawMessage(req)
	if len(resp) > 0 {
		a.ResponseData = json.RawMessage(resp)
	}
	return a, nil
}

// insertActivityAttempts bounds the insert/read loop of InsertActivity.
const insertActivityAttempts = 3

// InsertActivity relies on the unique key: ON CONFLICT DO NOTHING returns
// no row to the losing writer, which then reads the winner's record. A
// winner released between the two statements sends the loser back to the
// insert.
func (s *Store) InsertActivity(ctx context.Context, a *checkpoint.Activity) (*checkpoint.Activity, bool, error) {
	req := a.RequestData
	if len(req) == 0 {
		req = json.RawMessage(`{}`)
	}
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	for range insertActivityAttempts {
		var inserted int
		err := s.pool.QueryRow(ctx,
			`INSERT INTO cmo_activities (trace_id, step_index, activity_type, request_hash, request_data, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT ON CONSTRAINT uq_cmo_activities_key DO NOTHING
			 RETURNING 1`,
			a.TraceID, a.StepIndex, a.ActivityType, a.RequestHash, []byte(req), ts).Scan(&inserted)
		if err == nil {
			return nil, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("insert activity %s/%d/%s: %w", a.TraceID, a.StepIndex, a.ActivityType, err)
		}

		existing, err := scanActivity(s.pool.QueryRow(ctx,
			`SELECT `+activityColumns+` FROM cmo_activities
			 WHERE trace_id = $1 AND step_index = $2 AND activity_type = $3 AND request_hash = $4`,
			a.TraceID, a.StepIndex, a.ActivityType, a.RequestHash))
		if err == nil {
			return &existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("get activity %s/%d/%s: %w", a.TraceID, a.StepIndex, a.ActivityType, err)
		}
	}
	return nil, false, fmt.Errorf("insert activity %s/%d/%s: contended: %w", a.TraceID, a.StepIndex, a.ActivityType, domain.ErrConflict)
}

func (s *Store) CompleteActivity(ctx context.Context, key checkpoint.ActivityKey, response json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cmo_activities SET response_data = $5
		 WHERE trace_id = $1 AND step_index = $2 AND activity_type = $3 AND request_hash = $4`,
		key.TraceID, key.StepIndex, key.ActivityType, key.RequestHash, []byte(response))
	return execExpectOne(tag, err, "complete activity %s/%d/%s", key.TraceID, key.StepIndex, key.ActivityType)
}

func (s *Store) ReleaseActivity(ctx context.Context, key checkpoint.ActivityKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cmo_activities
		 WHERE trace_id = $1 AND step_index = $2 AND activity_type = $3 AND request_hash = $4
		   AND response_data IS NULL`,
		key.TraceID, key.StepIndex, key.ActivityType, key.RequestHash)
	if err != nil {
		return fmt.Errorf("release activity %s/%d/%s: %w", key.TraceID, key.StepIndex, key.ActivityType, err)
	}
	return nil
}

func (s *Store) ListActivities(ctx context.Context, traceID string) ([]checkpoint.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activityColumns+` FROM cmo_activities
		 WHERE trace_id = $1 ORDER BY step_index, timestamp`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list activities %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []checkpoint.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
