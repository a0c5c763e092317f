package provision

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	stmts []string
	args  [][]any
	fail  error
}

func (r *recordingExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.stmts = append(r.stmts, query)
	r.args = append(r.args, args)
	if r.fail != nil {
		return nil, r.fail
	}
	return nil, nil
}

func TestValidateFeatureTable(t *testing.T) {
	assert.Nil(t, ValidateFeatureTable("jan", "parks_trees", 4326))
	assert.Nil(t, ValidateFeatureTable("jan", strings.Repeat("t", 63), 3857))

	for _, schema := range []string{`jan"; DROP TABLE x; --`, "pg_catalog", "public", "spatialvault", ""} {
		err := ValidateFeatureTable(schema, "trees", 4326)
		require.NotNil(t, err, schema)
		assert.ErrorIs(t, err, dberror.ErrValidation)
	}
	assert.NotNil(t, ValidateFeatureTable("jan", `trees" (id int); --`, 4326))
	assert.NotNil(t, ValidateFeatureTable("jan", "trees", 0))
	assert.NotNil(t, ValidateFeatureTable("jan", "trees", maxSRID+1))
}

func TestFeatureTableRoutines(t *testing.T) {
	ctx := log.Logger.WithContext(context.Background())

	ex := &recordingExecer{}
	require.Nil(t, CreateFeatureTable(ctx, ex, "jan", "parks_trees", 4326))
	require.Nil(t, DropFeatureTable(ctx, ex, "jan", "parks_trees"))
	require.Len(t, ex.stmts, 2)
	assert.Equal(t, createFeatureTableStmt, ex.stmts[0])
	assert.Equal(t, []any{"jan", "parks_trees", 4326}, ex.args[0])
	assert.Equal(t, dropFeatureTableStmt, ex.stmts[1])
	assert.Equal(t, []any{"jan", "parks_trees"}, ex.args[1])

	// identifiers travel as parameters, never as statement text
	for _, stmt := range ex.stmts {
		assert.NotContains(t, stmt, "jan")
		assert.NotContains(t, stmt, "CREATE TABLE")
	}
}

func TestEnsureTenant(t *testing.T) {
	ctx := log.Logger.WithContext(context.Background())

	ex := &recordingExecer{}
	require.Nil(t, EnsureTenant(ctx, ex, "jan"))
	require.Len(t, ex.stmts, 1)
	assert.Equal(t, ensureTenantStmt, ex.stmts[0])
	assert.Equal(t, []any{"jan"}, ex.args[0])

	// rejected before any statement is issued
	ex = &recordingExecer{}
	err := EnsureTenant(ctx, ex, `jan'); DROP ROLE admin; --`)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, dberror.ErrProvisioningFailure)
	assert.Empty(t, ex.stmts)

	ex = &recordingExecer{fail: errors.New("permission denied")}
	err = EnsureTenant(ctx, ex, "jan")
	assert.ErrorIs(t, err, dberror.ErrProvisioningFailure)
}

func TestFeatureTableRoutinesRejectBeforeExecuting(t *testing.T) {
	ctx := log.Logger.WithContext(context.Background())
	ex := &recordingExecer{fail: errors.New("permission denied for schema jan")}
	err := CreateFeatureTable(ctx, ex, "jan", "trees", 4326)
	assert.ErrorIs(t, err, dberror.ErrProvisioningFailure)
	assert.Len(t, ex.stmts, 1)

	err = DropFeatureTable(ctx, ex, "jan", "trees")
	assert.ErrorIs(t, err, dberror.ErrStorageBackend)

	ex = &recordingExecer{}
	err = CreateFeatureTable(ctx, ex, "jan", "trees;", 4326)
	assert.ErrorIs(t, err, dberror.ErrProvisioningFailure)
	err = DropFeatureTable(ctx, ex, "jan", "trees; DROP ROLE jan")
	assert.ErrorIs(t, err, dberror.ErrValidation)
	assert.Empty(t, ex.stmts)
}
