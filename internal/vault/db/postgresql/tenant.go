package postgresql

import (
	"context"
	"database/sql"

	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
)

// EnsureTenant provisions the owner's role and schema on its own.
// Registration provisions inside its own transaction and does not call this.
func (s *Store) EnsureTenant(ctx context.Context, owner string) apperrors.Error {
	return s.withTx(ctx, func(tx *sql.Tx) apperrors.Error {
		return provision.EnsureTenant(ctx, tx, owner)
	})
}
