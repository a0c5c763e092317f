// Package objectstore holds raster and point cloud payloads. Keys are
// namespaced by owner: every object a tenant writes lives under
// "<owner>/".
package objectstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
)

const Scheme = "s3"

var (
	ErrObjectNotFound apperrors.Error = dberror.ErrNotFound.New("object not found")
	ErrObjectStore    apperrors.Error = dberror.ErrStorageBackend.New("object store error")
	ErrInvalidKey     apperrors.Error = dberror.ErrValidation.New("invalid object key")
	ErrInvalidHref    apperrors.Error = dberror.ErrValidation.New("invalid object href")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

type Store interface {
	Bucket() string
	Put(ctx context.Context, key string, body []byte, contentType string) (ObjectInfo, apperrors.Error)
	// Get streams the object. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, apperrors.Error)
	// GetRange reads length bytes starting at offset. A range running past
	// the end of the object is truncated.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, apperrors.Error)
	Head(ctx context.Context, key string) (ObjectInfo, apperrors.Error)
	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) apperrors.Error
	Ping(ctx context.Context) error
}

// URI renders the s3:// href stored on assets.
func URI(bucket, key string) string {
	return Scheme + "://" + bucket + "/" + key
}

// ParseURI splits an s3:// href into bucket and key. The key is validated.
func ParseURI(href string) (bucket, key string, err apperrors.Error) {
	rest, ok := strings.CutPrefix(href, Scheme+"://")
	if !ok {
		return "", "", ErrInvalidHref.Msg("href must use the s3:// scheme")
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" {
		return "", "", ErrInvalidHref.Msg("href must name a bucket and a key")
	}
	if err := ValidateKey(key); err != nil {
		return "", "", err
	}
	return bucket, key, nil
}

// ValidateKey rejects keys that could escape a prefix: absolute keys,
// empty segments and "." or ".." segments.
func ValidateKey(key string) apperrors.Error {
	if key == "" {
		return ErrInvalidKey.Msg("object key is empty")
	}
	if strings.HasPrefix(key, "/") {
		return ErrInvalidKey.Msg("object key must be relative")
	}
	if strings.ContainsAny(key, "\\\x00") {
		return ErrInvalidKey.Msg("object key contains a forbidden character")
	}
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "":
			return ErrInvalidKey.Msg("object key has an empty segment")
		case ".", "..":
			return ErrInvalidKey.Msg("object key has a relative segment")
		}
	}
	return nil
}

// Namespace is the key prefix reserved for an owner.
func Namespace(owner string) string {
	return owner + "/"
}

// Key joins a prefix and a name into an object key.
func Key(prefix string, parts ...string) string {
	return strings.Join(append([]string{strings.TrimSuffix(prefix, "/")}, parts...), "/")
}

// InNamespace reports whether href points into owner's namespace of bucket.
func InNamespace(href, bucket, owner string) apperrors.Error {
	b, key, err := ParseURI(href)
	if err != nil {
		return err
	}
	if b != bucket {
		return ErrInvalidHref.Msg("href must point into bucket " + bucket)
	}
	if !strings.HasPrefix(key, Namespace(owner)) {
		return ErrInvalidHref.Msg("href must point into the owner's namespace")
	}
	return nil
}
