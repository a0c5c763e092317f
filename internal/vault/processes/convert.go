package processes

import (
	"bytes"
	"context"

	"github.com/spatialvault/spatialvault/internal/vault/db/models"
)

type ConvertRequest struct {
	Data           []byte
	MediaType      string
	CollectionType models.CollectionType
}

type ConvertResult struct {
	Data      []byte
	MediaType string
	// Converted is false when the payload was stored as received.
	Converted bool
}

// Converter turns an uploaded payload into its cloud-optimized form (COG
// for rasters, COPC for point clouds). Conversion itself runs outside this
// module.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error)
}

// PassThrough stores payloads unchanged. A missing media type is sniffed
// from the payload.
type PassThrough struct{}

func (PassThrough) Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error) {
	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = SniffMediaType(req.Data)
	}
	return &ConvertResult{Data: req.Data, MediaType: mediaType}, nil
}

var (
	tiffLittleEndian = []byte{'I', 'I', 42, 0}
	tiffBigEndian    = []byte{'M', 'M', 0, 42}
	bigTIFFLittle    = []byte{'I', 'I', 43, 0}
	bigTIFFBig       = []byte{'M', 'M', 0, 43}
	lasSignature     = []byte("LASF")
)

// SniffMediaType recognizes TIFF and LAS payloads by their magic bytes and
// returns "" for anything else.
func SniffMediaType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, tiffLittleEndian), bytes.HasPrefix(data, tiffBigEndian),
		bytes.HasPrefix(data, bigTIFFLittle), bytes.HasPrefix(data, bigTIFFBig):
		return "image/tiff; application=geotiff"
	case bytes.HasPrefix(data, lasSignature):
		return "application/vnd.las"
	}
	return ""
}
