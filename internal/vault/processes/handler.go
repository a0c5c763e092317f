package processes

import (
	"context"
	"encoding/json"

	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

// Reporter records progress for the running attempt. An error means the
// attempt no longer holds the job and the handler should stop.
type Reporter interface {
	Progress(ctx context.Context, progress int, message string) apperrors.Error
}

// Handler runs one job and returns its outputs document.
type Handler interface {
	Run(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error)

func (f HandlerFunc) Run(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error) {
	return f(ctx, job, rep)
}

// Handlers maps process ids to their handlers.
type Handlers map[string]Handler

// NewHandlers builds an import handler for every process in the catalog.
func NewHandlers(cat *Catalog, im *Importer) Handlers {
	h := make(Handlers)
	for _, d := range cat.List() {
		h[d.ID] = im.Handler(d)
	}
	return h
}
