package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"quorum/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,query,confidence,current_phase,required_voters,consensus_threshold,yes_votes,no_votes,current_vote_count,status,phase_meta_json,result_json,settled_at,requester_id,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var phaseMeta, result, settled, requester sql.NullString
	err := scan(&t.ID, &t.Query, &t.Confidence, &t.CurrentPhase, &t.RequiredVoters, &t.ConsensusThreshold,
		&t.YesVotes, &t.NoVotes, &t.CurrentVoteCount, &t.Status, &phaseMeta, &result, &settled, &requester, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if phaseMeta.Valid && phaseMeta.String != "" {
		if err := json.Unmarshal([]byte(phaseMeta.String), &t.PhaseMeta); err != nil {
			return t, fmt.Errorf("decode phase meta: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		var r domain.TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return t, fmt.Errorf("decode result: %w", err)
		}
		t.Result = &r
	}
	if settled.Valid {
		t.SettledAt = &settled.String
	}
	if requester.Valid {
		t.RequesterID = &requester.String
	}
	return t, nil
}

func taskArgs(t domain.Task) ([]any, error) {
	meta, err := json.Marshal(t.PhaseMeta)
	if err != nil {
		return nil, fmt.Errorf("encode phase meta: %w", err)
	}
	var result any
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	return []any{
		t.Query, t.Confidence, int(t.CurrentPhase), t.RequiredVoters, t.ConsensusThreshold,
		t.YesVotes, t.NoVotes, t.CurrentVoteCount, t.Status, string(meta), result,
		nullableStringPtr(t.SettledAt), nullableStringPtr(t.RequesterID), t.CreatedAt, t.UpdatedAt,
	}, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,query,confidence,current_phase,required_voters,consensus_threshold,yes_votes,no_votes,current_vote_count,status,phase_meta_json,result_json,settled_at,requester_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, append([]any{t.ID}, args...)...)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET query=?, confidence=?, current_phase=?, required_voters=?, consensus_threshold=?, yes_votes=?, no_votes=?, current_vote_count=?, status=?, phase_meta_json=?, result_json=?, settled_at=?, requester_id=?, created_at=?, updated_at=? WHERE id=?`,
		append(args, t.ID)...)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	Status          string
	Phase           *domain.Phase
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Phase != nil {
		clauses = append(clauses, "current_phase=?")
		args = append(args, int(*f.Phase))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListStalledTasks returns pending tasks whose last update predates the cutoff.
func (r Repo) ListStalledTasks(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND updated_at < ? ORDER BY updated_at ASC`,
		domain.TaskPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTaskSettled stamps settlement completion outside any task update,
// so a crash between resolution and settlement leaves the marker unset.
func (r Repo) MarkTaskSettled(ctx context.Context, id, settledAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET settled_at=? WHERE id=?`, settledAt, id)
	return err
}

// ClaimSettlement marks (task, user) as settled and reports whether this
// call made the claim. A false return means a prior settlement run
// already applied this voter's delta, so a retry must skip it.
func (r Repo) ClaimSettlement(ctx context.Context, tx *sql.Tx, taskID, userID, createdAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_settlements(task_id,user_id,created_at) VALUES (?,?,?)`,
		taskID, userID, createdAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListUnsettledTasks returns resolved tasks whose settlement never
// completed, oldest first.
func (r Repo) ListUnsettledTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND settled_at IS NULL ORDER BY updated_at ASC`,
		domain.TaskResolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
