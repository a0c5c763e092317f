// Package postgresql implements the metadata store on PostgreSQL with
// PostGIS. All cross-row invariants are enforced inside single
// transactions; nothing here keeps in-process state.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) apperrors.Error) (err apperrors.Error) {
	tx, errdb := s.db.BeginTx(ctx, &sql.TxOptions{})
	if errdb != nil {
		log.Ctx(ctx).Error().Err(errdb).Msg("failed to start transaction")
		return dberror.ErrStorageBackend.Err(errdb)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Ctx(ctx).Error().Err(rbErr).Msg("failed to rollback transaction")
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if errdb := tx.Commit(); errdb != nil {
		log.Ctx(ctx).Error().Err(errdb).Msg("failed to commit transaction")
		err = mapError(errdb)
		return err
	}
	return nil
}

// mapError translates driver errors into the error taxonomy.
func mapError(err error) apperrors.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return dberror.ErrNotFound.Err(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return dberror.ErrAlreadyExists.MsgErr("already exists", err)
		case "23503":
			return dberror.ErrNotFound.MsgErr("referenced row not found", err)
		case "23514", "22023", "22P02", "22003", "XX000":
			// XX000 is what PostGIS raises for unparseable geometry
			return dberror.ErrValidation.MsgErr(pgErr.Message, err)
		}
	}
	return dberror.ErrStorageBackend.Err(err)
}

func jsonbParam(raw json.RawMessage) pgtype.JSONB {
	if len(raw) == 0 {
		return pgtype.JSONB{Status: pgtype.Null}
	}
	return pgtype.JSONB{Bytes: raw, Status: pgtype.Present}
}

func jsonbObjectParam(raw json.RawMessage) pgtype.JSONB {
	if len(raw) == 0 {
		return pgtype.JSONB{Bytes: []byte("{}"), Status: pgtype.Present}
	}
	return jsonbParam(raw)
}

func jsonbValue(j pgtype.JSONB) json.RawMessage {
	if j.Status != pgtype.Present {
		return nil
	}
	return json.RawMessage(j.Bytes)
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

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
