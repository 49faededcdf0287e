package repo

import (
	"context"
	"database/sql"

	"quorum/internal/domain"
)

// AppendPhaseTransition adds one audit row. Rows are never updated.
func (r Repo) AppendPhaseTransition(ctx context.Context, tx *sql.Tx, t domain.PhaseTransition) error {
	var toPhase any
	if t.ToPhase != nil {
		toPhase = int(*t.ToPhase)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_transitions(task_id,from_phase,to_phase,reason,voter_count,created_at) VALUES (?,?,?,?,?,?)`,
		t.TaskID, int(t.FromPhase), toPhase, t.Reason, t.VoterCount, t.CreatedAt)
	return err
}

func (r Repo) ListPhaseTransitions(ctx context.Context, taskID string) ([]domain.PhaseTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,from_phase,to_phase,reason,voter_count,created_at FROM phase_transitions WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseTransition
	for rows.Next() {
		var t domain.PhaseTransition
		var from int
		var to sql.NullInt64
		if err := rows.Scan(&t.ID, &t.TaskID, &from, &to, &t.Reason, &t.VoterCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FromPhase = domain.Phase(from)
		if to.Valid {
			p := domain.Phase(to.Int64)
			t.ToPhase = &p
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) AppendVoteAccuracy(ctx context.Context, tx *sql.Tx, a domain.VoteAccuracy) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO vote_accuracy(user_id,is_correct,created_at) VALUES (?,?,?)`,
		a.UserID, a.IsCorrect, a.CreatedAt)
	return err
}

// ListVoteAccuracy bulk-reads the accuracy ledger for a full ranking rebuild.
func (r Repo) ListVoteAccuracy(ctx context.Context) ([]domain.VoteAccuracy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,is_correct,created_at FROM vote_accuracy ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VoteAccuracy
	for rows.Next() {
		var a domain.VoteAccuracy
		if err := rows.Scan(&a.ID, &a.UserID, &a.IsCorrect, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertPayout(ctx context.Context, p domain.Payout) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payouts(id,task_id,user_id,to_address,amount,status,confirmation_id,error,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.UserID, p.ToAddress, p.Amount, p.Status, nullable(p.ConfirmationID), nullable(p.Error), p.CreatedAt)
	return err
}

func (r Repo) ListPayouts(ctx context.Context, taskID string) ([]domain.Payout, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,user_id,to_address,amount,status,COALESCE(confirmation_id,''),COALESCE(error,''),created_at FROM payouts WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payout
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(&p.ID, &p.TaskID, &p.UserID, &p.ToAddress, &p.Amount, &p.Status, &p.ConfirmationID, &p.Error, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertDeposit(ctx context.Context, signature, subjectID string, amount float64, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deposits(signature,subject_id,amount,created_at) VALUES (?,?,?,?)`,
		signature, subjectID, amount, createdAt)
	return err
}

// HasDeposit reports whether a deposit with at least the given amount was
// recorded for the subject under this signature.
func (r Repo) HasDeposit(ctx context.Context, signature, subjectID string, amount float64) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM deposits WHERE signature=? AND subject_id=? AND amount >= ? LIMIT 1`,
		signature, subjectID, amount)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE `
	for i, c := range clauses {
		if i > 0 {
			query += " AND "
		}
		query += c
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter pages events past a cursor in insertion order.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the newest event id, or zero when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
