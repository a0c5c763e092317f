package processes

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	commonuuid "github.com/spatialvault/spatialvault/internal/common/uuid"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
	"github.com/spatialvault/spatialvault/internal/vault/objectstore"
	"github.com/spatialvault/spatialvault/internal/vault/provision"
	"github.com/spatialvault/spatialvault/internal/vault/registry"
	"github.com/tidwall/sjson"
)

// DataAssetKey is the asset key an import stores its payload under.
const DataAssetKey = "data"

// Importer stores raster and point cloud payloads as items of a
// collection, registering the collection on first use.
type Importer struct {
	Registry  *registry.Registry
	Objects   objectstore.Store
	Fetcher   *Fetcher
	Converter Converter
}

func (im *Importer) Handler(d *Descriptor) Handler {
	return &importHandler{im: im, d: d}
}

type importHandler struct {
	im *Importer
	d  *Descriptor
}

// Run imports the payload. The item id is derived from the job id, so a
// reclaimed job overwrites what an earlier attempt wrote instead of adding
// a second item.
func (h *importHandler) Run(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error) {
	in, err := parseImportInputs(job.Inputs)
	if err != nil {
		return nil, err
	}
	logger := log.Ctx(ctx).With().Str("job_id", job.ID.String()).Str("process_id", h.d.ID).Logger()

	if err := rep.Progress(ctx, 5, "resolving collection"); err != nil {
		return nil, err
	}
	c, err := h.targetCollection(ctx, job.Owner, in)
	if err != nil {
		return nil, err
	}
	loc, _ := c.ObjectStorage()

	if err := rep.Progress(ctx, 10, "fetching source"); err != nil {
		return nil, err
	}
	fetcher := h.im.Fetcher
	if fetcher == nil {
		fetcher = &Fetcher{Objects: h.im.Objects}
	}
	src, err := fetcher.Fetch(ctx, job.Owner, in.Data)
	if err != nil {
		return nil, err
	}

	if err := rep.Progress(ctx, 40, "converting"); err != nil {
		return nil, err
	}
	converter := h.im.Converter
	if converter == nil {
		converter = PassThrough{}
	}
	res, cerr := converter.Convert(ctx, ConvertRequest{
		Data:           src.data,
		MediaType:      src.mediaType,
		CollectionType: c.Type,
	})
	if cerr != nil {
		return nil, cerr
	}
	mediaType := res.MediaType
	if mediaType == "" {
		mediaType = h.d.DefaultMediaType
	}

	if err := rep.Progress(ctx, 70, "uploading"); err != nil {
		return nil, err
	}
	itemID := commonuuid.Derive(job.ID, "item")
	key := objectstore.Key(loc.Prefix, itemID.String()+"."+h.d.Extension)
	info, err := h.im.Objects.Put(ctx, key, res.Data, mediaType)
	if err != nil {
		return nil, err
	}
	href := objectstore.URI(h.im.Objects.Bucket(), key)

	if err := rep.Progress(ctx, 90, "registering item"); err != nil {
		return nil, err
	}
	item := &models.Item{
		ID:         itemID,
		Datetime:   in.Datetime,
		Properties: in.Properties,
	}
	if in.BBox != nil {
		geom, gerr := models.BBoxPolygon([4]float64(in.BBox))
		if gerr != nil {
			return nil, jobs.ErrInvalidInputs.MsgErr("invalid bbox", gerr)
		}
		item.Geometry = geom
	}
	if _, err := h.im.Registry.PutItem(ctx, c.CanonicalName, item); err != nil {
		return nil, err
	}
	size := info.Size
	asset := &models.Asset{
		ItemID:   itemID,
		Key:      DataAssetKey,
		Href:     href,
		Type:     mediaType,
		Title:    in.Title,
		Roles:    []string{"data"},
		FileSize: &size,
	}
	if _, err := h.im.Registry.PutAsset(ctx, asset); err != nil {
		return nil, err
	}

	out := []byte(`{}`)
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"itemId", itemID.String()},
		{"collection", c.CanonicalName},
		{"assetHref", href},
		{"converted", res.Converted},
	} {
		var serr error
		if out, serr = sjson.SetBytes(out, kv.path, kv.value); serr != nil {
			return nil, serr
		}
	}
	logger.Info().Str("item_id", itemID.String()).Str("href", href).Msg("import stored")
	return out, nil
}

// targetCollection resolves the named collection of owner, registering it
// when it does not exist yet.
func (h *importHandler) targetCollection(ctx context.Context, owner string, in *ImportInputs) (*models.Collection, apperrors.Error) {
	name := provision.Qualify(owner, in.Collection)
	c, err := h.im.Registry.Resolve(ctx, name)
	if err != nil && err.Is(dberror.ErrNotFound) {
		c, err = h.im.Registry.Register(ctx, registry.RegisterRequest{
			CanonicalName: name,
			Owner:         owner,
			Type:          h.d.CollectionType,
			Title:         in.Title,
		})
		if err != nil && err.Is(dberror.ErrAlreadyExists) {
			c, err = h.im.Registry.Resolve(ctx, name)
		}
	}
	if err != nil {
		return nil, err
	}
	if c.Owner != owner {
		return nil, jobs.ErrInvalidInputs.Msg("collection " + name + " belongs to another owner")
	}
	if c.Type != h.d.CollectionType {
		return nil, registry.ErrWrongCollectionType.Msg(
			"collection " + c.CanonicalName + " is " + string(c.Type) + ", process needs " + string(h.d.CollectionType))
	}
	return c, nil
}
