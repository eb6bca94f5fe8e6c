package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/seedbox_mover/internal/storage"
	"github.com/italolelis/seedbox_mover/internal/telemetry"
)

// InstrumentedMoveRepository wraps MoveRepository with telemetry.
type InstrumentedMoveRepository struct {
	repo      *MoveRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedMoveRepository creates a new instrumented move repository.
func NewInstrumentedMoveRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedMoveRepository {
	return &InstrumentedMoveRepository{
		repo:      NewMoveRepository(dbConn),
		telemetry: tel,
	}
}

// IsMoved checks the moved flag with telemetry.
func (r *InstrumentedMoveRepository) IsMoved(ctx context.Context, server, hash string) (bool, error) {
	var moved bool

	err := r.telemetry.InstrumentDBOperation(ctx, "is_moved", func(ctx context.Context) error {
		var err error

		moved, err = r.repo.IsMoved(ctx, server, hash)

		return err
	})

	return moved, err
}

// GetMove retrieves one record with telemetry. A missing record is not
// counted as a database error.
func (r *InstrumentedMoveRepository) GetMove(ctx context.Context, server, hash string) (*storage.MoveRecord, error) {
	var (
		record *storage.MoveRecord
		getErr error
	)

	err := r.telemetry.InstrumentDBOperation(ctx, "get_move", func(ctx context.Context) error {
		record, getErr = r.repo.GetMove(ctx, server, hash)
		if errors.Is(getErr, storage.ErrNotFound) {
			return nil
		}

		return getErr
	})
	if err != nil {
		return nil, err
	}

	return record, getErr
}

// ListMoves lists a server's records with telemetry.
func (r *InstrumentedMoveRepository) ListMoves(ctx context.Context, server string) ([]storage.MoveRecord, error) {
	var moves []storage.MoveRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_moves", func(ctx context.Context) error {
		var err error

		moves, err = r.repo.ListMoves(ctx, server)

		return err
	})
	if err != nil {
		return nil, err
	}

	return moves, nil
}

// RecordAttempt stores an attempt with telemetry.
func (r *InstrumentedMoveRepository) RecordAttempt(ctx context.Context, server, hash, destination string, cause error) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_attempt", func(ctx context.Context) error {
		return r.repo.RecordAttempt(ctx, server, hash, destination, cause)
	})
}

// RecordSuccess stores a successful move with telemetry.
func (r *InstrumentedMoveRepository) RecordSuccess(ctx context.Context, server, hash, destination string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_success", func(ctx context.Context) error {
		return r.repo.RecordSuccess(ctx, server, hash, destination)
	})
}
