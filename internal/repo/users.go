package repo

import (
	"context"
	"database/sql"

	"quorum/internal/domain"
)

const userColumns = `id,points,rank,total_votes,correct_votes,banned,wallet_address,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var wallet sql.NullString
	err := scan(&u.ID, &u.Points, &u.Rank, &u.TotalVotes, &u.CorrectVotes, &u.Banned, &wallet, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if wallet.Valid {
		u.WalletAddress = &wallet.String
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,points,rank,total_votes,correct_votes,banned,wallet_address,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Points, u.Rank, u.TotalVotes, u.CorrectVotes, u.Banned, nullableStringPtr(u.WalletAddress), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY points DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM users WHERE banned=0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddPoints applies a signed delta as a single SQL increment and returns
// the resulting balance. Never read-modify-write; concurrent settlements
// for the same user must not lose updates.
func (r Repo) AddPoints(ctx context.Context, tx *sql.Tx, userID string, delta int) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET points = points + ? WHERE id=?`, delta, userID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var points int
	if err := tx.QueryRowContext(ctx, `SELECT points FROM users WHERE id=?`, userID).Scan(&points); err != nil {
		return 0, err
	}
	return points, nil
}

// RecordVoteOutcome bumps the user's lifetime counters for one settled vote.
func (r Repo) RecordVoteOutcome(ctx context.Context, tx *sql.Tx, userID string, correct bool) error {
	inc := 0
	if correct {
		inc = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE users SET total_votes = total_votes + 1, correct_votes = correct_votes + ? WHERE id=?`, inc, userID)
	return err
}

func (r Repo) SetRank(ctx context.Context, userID, rank string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET rank=? WHERE id=?`, rank, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBanned(ctx context.Context, userID string, banned bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET banned=? WHERE id=?`, banned, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetWalletAddress(ctx context.Context, userID, address string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET wallet_address=? WHERE id=?`, nullable(address), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes the account and cascades its vote history and
// accuracy records.
func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE user_id=?`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vote_accuracy WHERE user_id=?`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM voter_eligibility WHERE user_id=?`, userID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=?`, userID)
	return err
}
