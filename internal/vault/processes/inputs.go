package processes

import (
	"encoding/json"
	"time"

	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
)

// Source is where an import reads its payload from: an href (s3:// in the
// owner's namespace, or http(s)://) or an inline base64 value.
type Source struct {
	Href      string `json:"href,omitempty"`
	Value     string `json:"value,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

type ImportInputs struct {
	Collection string          `json:"collection"`
	Data       Source          `json:"data"`
	Title      string          `json:"title,omitempty"`
	Datetime   *time.Time      `json:"datetime,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	BBox       []float64       `json:"bbox,omitempty"`
}

func parseImportInputs(raw json.RawMessage) (*ImportInputs, apperrors.Error) {
	in := &ImportInputs{}
	if err := json.Unmarshal(raw, in); err != nil {
		return nil, jobs.ErrInvalidInputs.MsgErr("failed to parse import inputs", err)
	}
	if in.Collection == "" {
		return nil, jobs.ErrInvalidInputs.Msg("collection is required")
	}
	if (in.Data.Href == "") == (in.Data.Value == "") {
		return nil, jobs.ErrInvalidInputs.Msg("data needs exactly one of href or value")
	}
	if in.BBox != nil && len(in.BBox) != 4 {
		return nil, jobs.ErrInvalidInputs.Msg("bbox needs four numbers")
	}
	return in, nil
}
