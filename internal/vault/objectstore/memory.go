package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore keeps objects in process memory. Used by tests and by the
// worker when no bucket endpoint is reachable in development.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clock.Clock
	bucket  string
	objects map[string]memObject
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(bucket string, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{clock: clk, bucket: bucket, objects: make(map[string]memObject)}
}

func (m *MemoryStore) Bucket() string {
	return m.bucket
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string) (ObjectInfo, apperrors.Error) {
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}
	sum := md5.Sum(body)
	info := ObjectInfo{
		Key:          key,
		Size:         int64(len(body)),
		ContentType:  contentType,
		ETag:         strconv.Quote(hex.EncodeToString(sum[:])),
		LastModified: m.clock.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: bytes.Clone(body), info: info}
	return info, nil
}

func (m *MemoryStore) lookup(key string) (memObject, apperrors.Error) {
	if err := ValidateKey(key); err != nil {
		return memObject{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return memObject{}, ErrObjectNotFound.Msg("object not found: " + key)
	}
	return obj, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, apperrors.Error) {
	obj, err := m.lookup(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

func (m *MemoryStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, apperrors.Error) {
	if offset < 0 || length < 1 {
		return nil, ErrInvalidKey.Msg("invalid byte range")
	}
	obj, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	size := int64(len(obj.data))
	if offset >= size {
		return []byte{}, nil
	}
	end := min(offset+length, size)
	return bytes.Clone(obj.data[offset:end]), nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, apperrors.Error) {
	obj, err := m.lookup(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return obj.info, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) apperrors.Error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Keys lists stored keys under prefix in lexical order.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
