package repo

import (
	"context"
	"database/sql"

	"quorum/internal/domain"
)

func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(id,task_id,user_id,decision,created_at) VALUES (?,?,?,?,?)`,
		v.ID, v.TaskID, nullableStringPtr(v.UserID), v.Decision, v.CreatedAt)
	return err
}

func (r Repo) ListVotes(ctx context.Context, taskID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,user_id,decision,created_at FROM votes WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVotes(rows)
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Vote, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,task_id,user_id,decision,created_at FROM votes WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVotes(rows)
}

func collectVotes(rows *sql.Rows) ([]domain.Vote, error) {
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var userID sql.NullString
		if err := rows.Scan(&v.ID, &v.TaskID, &userID, &v.Decision, &v.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			v.UserID = &userID.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// DeleteVotes clears the phase-scoped tally for a task.
func (r Repo) DeleteVotes(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE task_id=?`, taskID)
	return err
}

func (r Repo) HasVoted(ctx context.Context, taskID, userID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM votes WHERE task_id=? AND user_id=? LIMIT 1`, taskID, userID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

// ReplaceVoterEligibility rewrites the pool for one (task, phase) pair.
// Delete-then-insert keeps the operation idempotent.
func (r Repo) ReplaceVoterEligibility(ctx context.Context, tx *sql.Tx, taskID string, phase domain.Phase, pool []domain.VoterEligibility) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM voter_eligibility WHERE task_id=? AND phase=?`, taskID, int(phase)); err != nil {
		return err
	}
	for _, e := range pool {
		if _, err := tx.ExecContext(ctx, `INSERT INTO voter_eligibility(task_id,user_id,phase,eligible,reason) VALUES (?,?,?,?,?)`,
			taskID, e.UserID, int(phase), e.Eligible, nullable(e.Reason)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) IsEligible(ctx context.Context, taskID, userID string, phase domain.Phase) (bool, error) {
	var eligible bool
	err := r.DB.QueryRowContext(ctx, `SELECT eligible FROM voter_eligibility WHERE task_id=? AND user_id=? AND phase=?`,
		taskID, userID, int(phase)).Scan(&eligible)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return eligible, nil
}

func (r Repo) ListEligibility(ctx context.Context, taskID string, phase domain.Phase) ([]domain.VoterEligibility, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,user_id,phase,eligible,COALESCE(reason,'') FROM voter_eligibility WHERE task_id=? AND phase=? ORDER BY user_id`,
		taskID, int(phase))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VoterEligibility
	for rows.Next() {
		var e domain.VoterEligibility
		var phase int
		if err := rows.Scan(&e.TaskID, &e.UserID, &phase, &e.Eligible, &e.Reason); err != nil {
			return nil, err
		}
		e.Phase = domain.Phase(phase)
		res = append(res, e)
	}
	return res, rows.Err()
}
