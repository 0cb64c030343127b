package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const updateColumns = `id, instructions, instruction_key, created_via, created_at, started_at, completed_at, failed_at, error`

func scanUpdate(row interface{ Scan(...any) error }) (Update, error) {
	var u Update
	var instructions []byte
	err := row.Scan(&u.ID, &instructions, &u.InstructionKey, &u.CreatedVia, &u.CreatedAt, &u.StartedAt, &u.CompletedAt, &u.FailedAt, &u.Error)
	u.Instructions = instructions
	return u, err
}

// CreateUpdate inserts u unless an unfinished update with the same
// instruction key exists, in which case that one is returned with created
// false.
func (s *PostgresStore) CreateUpdate(ctx context.Context, u Update) (Update, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO updates (id, instructions, instruction_key, created_via)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instruction_key) WHERE completed_at IS NULL AND failed_at IS NULL DO NOTHING
		RETURNING `+updateColumns, u.ID, string(u.Instructions), u.InstructionKey, u.CreatedVia)
	created, err := scanUpdate(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Update{}, false, fmt.Errorf("insert update: %w", err)
	}

	existing, err := scanUpdate(s.db.QueryRowContext(ctx, `
		SELECT `+updateColumns+`
		FROM updates
		WHERE instruction_key = $1 AND completed_at IS NULL AND failed_at IS NULL
	`, u.InstructionKey))
	if err != nil {
		return Update{}, false, fmt.Errorf("load unfinished update: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) ListPendingUpdates(ctx context.Context) ([]Update, error) {
	return s.queryUpdates(ctx, `
		SELECT `+updateColumns+`
		FROM updates
		WHERE started_at IS NULL AND completed_at IS NULL AND failed_at IS NULL
		ORDER BY created_at, id
	`)
}

func (s *PostgresStore) ListInProgressUpdates(ctx context.Context) ([]Update, error) {
	return s.queryUpdates(ctx, `
		SELECT `+updateColumns+`
		FROM updates
		WHERE started_at IS NOT NULL AND completed_at IS NULL AND failed_at IS NULL
		ORDER BY started_at, id
	`)
}

func (s *PostgresStore) ListUpdates(ctx context.Context, limit int) ([]Update, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.queryUpdates(ctx, `SELECT `+updateColumns+` FROM updates ORDER BY created_at DESC, id LIMIT $1`, limit)
}

func (s *PostgresStore) queryUpdates(ctx context.Context, query string, args ...any) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkUpdateStarted claims a pending update. It reports false when another
// consumer got there first.
func (s *PostgresStore) MarkUpdateStarted(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE updates SET started_at = NOW()
		WHERE id = $1 AND started_at IS NULL AND completed_at IS NULL AND failed_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("start update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start update rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkUpdateCompleted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE updates SET completed_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("complete update: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkUpdateFailed(ctx context.Context, id, message string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE updates SET failed_at = NOW(), error = $2 WHERE id = $1`, id, message); err != nil {
		return fmt.Errorf("fail update: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUpdate(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM updates WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete update: %w", err)
	}
	return nil
}

// LatestDecisionChange is the newest decisions.updated_at written by
// ingestion.
func (s *PostgresStore) LatestDecisionChange(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM decisions`).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("read latest decision change: %w", err)
	}
	return latest.Time, latest.Valid, nil
}

// LatestCompletedUpdate is the creation time of the newest completed update.
func (s *PostgresStore) LatestCompletedUpdate(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM updates WHERE completed_at IS NOT NULL`).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("read latest completed update: %w", err)
	}
	return latest.Time, latest.Valid, nil
}
