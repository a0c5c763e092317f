package provision

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// The routines run as the migration owner. The application role only
// holds EXECUTE on them and never issues DDL itself.
const (
	ensureTenantStmt       = `SELECT spatialvault.ensure_tenant($1)`
	createFeatureTableStmt = `SELECT spatialvault.create_feature_table($1, $2, $3)`
	dropFeatureTableStmt   = `SELECT spatialvault.drop_feature_table($1, $2)`
)

const maxSRID = 998999

// EnsureTenant creates the owner's role and schema if they do not exist.
// It runs inside the caller's transaction, so a failure here aborts the
// caller's work as well.
func EnsureTenant(ctx context.Context, ex Execer, owner string) apperrors.Error {
	if err := ValidateIdentifier(owner); err != nil {
		return dberror.ErrProvisioningFailure.MsgErr("tenant rejected", err)
	}
	if _, err := ex.ExecContext(ctx, ensureTenantStmt, owner); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("owner", owner).Msg("failed to provision tenant")
		return dberror.ErrProvisioningFailure.MsgErr("failed to provision tenant", err)
	}
	return nil
}

// ValidateFeatureTable checks a vector table location and SRID before
// anything is sent to the database. The SQL routines repeat the check.
func ValidateFeatureTable(schema, table string, srid int) apperrors.Error {
	if err := ValidateIdentifier(schema); err != nil {
		return err
	}
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	if srid <= 0 || srid > maxSRID {
		return dberror.ErrValidation.Msg(fmt.Sprintf("invalid srid %d", srid))
	}
	return nil
}

// CreateFeatureTable provisions a vector table with its spatial index in
// an existing tenant schema. The collection row must already be written
// in the same transaction.
func CreateFeatureTable(ctx context.Context, ex Execer, schema, table string, srid int) apperrors.Error {
	if err := ValidateFeatureTable(schema, table, srid); err != nil {
		return dberror.ErrProvisioningFailure.MsgErr("feature table rejected", err)
	}
	if _, err := ex.ExecContext(ctx, createFeatureTableStmt, schema, table, srid); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("schema", schema).Str("table", table).Msg("failed to create feature table")
		return dberror.ErrProvisioningFailure.MsgErr("failed to create feature table", err)
	}
	return nil
}

// DropFeatureTable removes a registered vector table. Missing tables are
// not an error.
func DropFeatureTable(ctx context.Context, ex Execer, schema, table string) apperrors.Error {
	if err := ValidateIdentifier(schema); err != nil {
		return err
	}
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, dropFeatureTableStmt, schema, table); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("schema", schema).Str("table", table).Msg("failed to drop feature table")
		return dberror.ErrStorageBackend.MsgErr("failed to drop feature table", err)
	}
	return nil
}
