package dberror

import (
	"net/http"

	"github.com/spatialvault/spatialvault/internal/common/apperrors"
)

var (
	ErrDatabase            apperrors.Error = apperrors.New("db error").SetStatusCode(http.StatusInternalServerError)
	ErrNotFound            apperrors.Error = ErrDatabase.New("not found").SetStatusCode(http.StatusNotFound)
	ErrConflict            apperrors.Error = ErrDatabase.New("conflict").SetStatusCode(http.StatusConflict)
	ErrAlreadyExists       apperrors.Error = ErrConflict.New("already exists")
	ErrTableInUse          apperrors.Error = ErrConflict.New("feature table already in use")
	ErrVersionMismatch     apperrors.Error = ErrConflict.New("version mismatch").SetStatusCode(http.StatusPreconditionFailed)
	ErrProvisioningFailure apperrors.Error = ErrDatabase.New("provisioning failure")
	ErrStorageBackend      apperrors.Error = ErrDatabase.New("storage backend error").SetStatusCode(http.StatusServiceUnavailable)
	ErrJobTransition       apperrors.Error = ErrDatabase.New("illegal job transition").SetStatusCode(http.StatusConflict)
	ErrValidation          apperrors.Error = ErrDatabase.New("validation error").SetStatusCode(http.StatusBadRequest)
	ErrInvalidIdentifier   apperrors.Error = ErrValidation.New("invalid identifier")
)
