package registry

import (
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
)

var (
	ErrCollectionNotFound  apperrors.Error = dberror.ErrNotFound.New("collection not found")
	ErrCollectionExists    apperrors.Error = dberror.ErrAlreadyExists.New("collection already exists")
	ErrFeatureTableInUse   apperrors.Error = dberror.ErrTableInUse.New("feature table already in use")
	ErrInvalidCollection   apperrors.Error = dberror.ErrValidation.New("invalid collection")
	ErrWrongCollectionType apperrors.Error = dberror.ErrValidation.New("operation not supported for collection type")
	ErrInvalidItem         apperrors.Error = dberror.ErrValidation.New("invalid item")
	ErrInvalidFeature      apperrors.Error = dberror.ErrValidation.New("invalid feature")
	ErrInvalidAsset        apperrors.Error = dberror.ErrValidation.New("invalid asset")
)
