package jobs

import (
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
)

var (
	ErrJobNotFound     apperrors.Error = dberror.ErrNotFound.New("job not found")
	ErrUnknownProcess  apperrors.Error = dberror.ErrNotFound.New("unknown process")
	ErrInvalidInputs   apperrors.Error = dberror.ErrValidation.New("invalid job inputs")
	ErrInvalidOutputs  apperrors.Error = dberror.ErrValidation.New("job outputs are not valid JSON")
	ErrInvalidProgress apperrors.Error = dberror.ErrValidation.New("progress must be between 0 and 100")
	ErrInvalidOutcome  apperrors.Error = dberror.ErrJobTransition.New("a job can only finish as successful or failed")
)
