package processes

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
	"github.com/spatialvault/spatialvault/internal/vault/objectstore"
)

var (
	ErrSourceUnavailable apperrors.Error = dberror.ErrStorageBackend.New("import source unavailable")
	ErrSourceTooLarge    apperrors.Error = dberror.ErrValidation.New("import source too large")
)

const (
	DefaultMaxSourceBytes int64 = 2 << 30
	defaultFetchAttempts        = 3
)

// Fetcher reads import payloads. s3 hrefs must point into the job owner's
// namespace of the configured bucket.
type Fetcher struct {
	Objects  objectstore.Store
	HTTP     *http.Client
	MaxBytes int64
	Attempts uint
}

type fetched struct {
	data      []byte
	mediaType string
}

func (f *Fetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return DefaultMaxSourceBytes
}

func (f *Fetcher) Fetch(ctx context.Context, owner string, src Source) (*fetched, apperrors.Error) {
	switch {
	case src.Value != "":
		data, err := base64.StdEncoding.DecodeString(src.Value)
		if err != nil {
			return nil, jobs.ErrInvalidInputs.MsgErr("data.value is not base64", err)
		}
		if int64(len(data)) > f.maxBytes() {
			return nil, ErrSourceTooLarge
		}
		return &fetched{data: data, mediaType: src.MediaType}, nil
	case strings.HasPrefix(src.Href, objectstore.Scheme+"://"):
		return f.fetchObject(ctx, owner, src)
	case strings.HasPrefix(src.Href, "http://"), strings.HasPrefix(src.Href, "https://"):
		return f.fetchHTTP(ctx, src)
	}
	return nil, jobs.ErrInvalidInputs.Msg("unsupported data href " + src.Href)
}

func (f *Fetcher) fetchObject(ctx context.Context, owner string, src Source) (*fetched, apperrors.Error) {
	if f.Objects == nil {
		return nil, ErrSourceUnavailable.Msg("no object store configured")
	}
	if err := objectstore.InNamespace(src.Href, f.Objects.Bucket(), owner); err != nil {
		return nil, err
	}
	_, key, err := objectstore.ParseURI(src.Href)
	if err != nil {
		return nil, err
	}
	body, info, err := f.Objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, rerr := readLimited(body, f.maxBytes())
	if rerr != nil {
		return nil, rerr
	}
	mediaType := src.MediaType
	if mediaType == "" {
		mediaType = info.ContentType
	}
	return &fetched{data: data, mediaType: mediaType}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src Source) (*fetched, apperrors.Error) {
	client := f.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	attempts := f.Attempts
	if attempts == 0 {
		attempts = defaultFetchAttempts
	}
	var out *fetched
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Href, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			rsp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer rsp.Body.Close()
			if rsp.StatusCode >= 500 || rsp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("source returned %s", rsp.Status)
			}
			if rsp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("source returned %s", rsp.Status))
			}
			data, rerr := readLimited(rsp.Body, f.maxBytes())
			if rerr != nil {
				return retry.Unrecoverable(rerr)
			}
			mediaType := src.MediaType
			if mediaType == "" {
				mediaType = rsp.Header.Get("Content-Type")
			}
			out = &fetched{data: data, mediaType: mediaType}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Ctx(ctx).Warn().Err(err).Uint("attempt", n+1).Str("href", src.Href).Msg("fetching import source failed, retrying")
		}),
	)
	if err != nil {
		var ae apperrors.Error
		if apperrors.As(err, &ae) {
			return nil, ae
		}
		return nil, ErrSourceUnavailable.MsgErr("failed to fetch "+src.Href, err)
	}
	return out, nil
}

func readLimited(r io.Reader, max int64) ([]byte, apperrors.Error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, ErrSourceUnavailable.MsgErr("failed to read import source", err)
	}
	if int64(len(data)) > max {
		return nil, ErrSourceTooLarge.Msg(fmt.Sprintf("import source exceeds %d bytes", max))
	}
	return data, nil
}
