package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"pushdesk/internal/types"
)

// DirectoryRepository resolves subscribe requests to user ids against the
// platform's client and worker directories. The directory tables are owned
// by the scheduling platform; this repository only reads them.
type DirectoryRepository struct {
	db DBTX
}

// NewDirectoryRepository creates a DirectoryRepository.
func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// ResolveClient looks up a client by the (phone, register code) pair. Both
// values are required for clients.
func (r *DirectoryRepository) ResolveClient(ctx context.Context, phone, registerNo string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT id FROM client_directory WHERE phone = $1 AND register_code = $2 LIMIT 1`,
		phone,
		registerNo,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, types.NewAppError(types.ErrCodeNotFoundUser, "no matching client", err)
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve client", err)
	}
	return id, nil
}

// ResolveWorker looks up a field worker by phone or register code, whichever
// is provided. Phone wins when both are present.
func (r *DirectoryRepository) ResolveWorker(ctx context.Context, phone, registerNo string) (int64, error) {
	var (
		id  int64
		err error
	)
	if phone != "" {
		err = r.db.QueryRow(ctx,
			`SELECT id FROM worker_directory WHERE phone = $1 LIMIT 1`,
			phone,
		).Scan(&id)
	} else {
		err = r.db.QueryRow(ctx,
			`SELECT id FROM worker_directory WHERE register_code = $1 LIMIT 1`,
			registerNo,
		).Scan(&id)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, types.NewAppError(types.ErrCodeNotFoundUser, "no matching worker", err)
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve worker", err)
	}
	return id, nil
}
