package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/seedbox_mover/internal/storage"
)

// MoveRepository implements storage.MoveRepository on SQLite. Every write is
// a single upsert statement, committed before the call returns.
type MoveRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewMoveRepository(dbConn *sql.DB) *MoveRepository {
	return &MoveRepository{
		db:  dbConn,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *MoveRepository) IsMoved(ctx context.Context, server, hash string) (bool, error) {
	var moved bool

	err := r.db.QueryRowContext(ctx,
		`SELECT moved FROM moves WHERE server = ? AND hash = ?`, server, hash,
	).Scan(&moved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return moved, nil
}

func (r *MoveRepository) GetMove(ctx context.Context, server, hash string) (*storage.MoveRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT server, hash, moved, destination, last_error, retry_count, first_seen_at, updated_at, moved_at
		FROM moves
		WHERE server = ? AND hash = ?`, server, hash)

	record, err := scanMove(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

func (r *MoveRepository) ListMoves(ctx context.Context, server string) ([]storage.MoveRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT server, hash, moved, destination, last_error, retry_count, first_seen_at, updated_at, moved_at
		FROM moves
		WHERE server = ?
		ORDER BY first_seen_at, hash`, server)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	moves := []storage.MoveRecord{}

	for rows.Next() {
		record, err := scanMove(rows)
		if err != nil {
			return nil, err
		}

		moves = append(moves, *record)
	}

	return moves, rows.Err()
}

func (r *MoveRepository) RecordAttempt(ctx context.Context, server, hash, destination string, cause error) error {
	now := r.now().Format(time.RFC3339Nano)

	var (
		lastError string
		retries   int
	)

	if cause != nil {
		lastError = cause.Error()
		retries = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO moves (server, hash, moved, destination, last_error, retry_count, first_seen_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(server, hash) DO UPDATE SET
			destination = CASE WHEN excluded.destination = '' THEN moves.destination ELSE excluded.destination END,
			last_error = excluded.last_error,
			retry_count = moves.retry_count + excluded.retry_count,
			updated_at = excluded.updated_at
		WHERE moves.moved = 0`,
		server, hash, destination, lastError, retries, now, now,
	)

	return err
}

func (r *MoveRepository) RecordSuccess(ctx context.Context, server, hash, destination string) error {
	now := r.now().Format(time.RFC3339Nano)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO moves (server, hash, moved, destination, last_error, retry_count, first_seen_at, updated_at, moved_at)
		VALUES (?, ?, 1, ?, '', 0, ?, ?, ?)
		ON CONFLICT(server, hash) DO UPDATE SET
			moved = 1,
			destination = excluded.destination,
			last_error = '',
			updated_at = excluded.updated_at,
			moved_at = excluded.moved_at
		WHERE moves.moved = 0`,
		server, hash, destination, now, now, now,
	)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMove(s scanner) (*storage.MoveRecord, error) {
	var (
		record               storage.MoveRecord
		firstSeen, updatedAt string
		movedAt              sql.NullString
	)

	if err := s.Scan(
		&record.Server, &record.Hash, &record.Moved, &record.Destination, &record.LastError,
		&record.RetryCount, &firstSeen, &updatedAt, &movedAt,
	); err != nil {
		return nil, err
	}

	var err error

	if record.FirstSeenAt, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return nil, fmt.Errorf("invalid first_seen_at for %s: %w", record.Hash, err)
	}

	if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at for %s: %w", record.Hash, err)
	}

	if movedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, movedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid moved_at for %s: %w", record.Hash, err)
		}

		record.MovedAt = &t
	}

	return &record, nil
}
