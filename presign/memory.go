package presign

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

// Memory is an in-process Presigner and ObjectStore for tests and mock-mode
// local runs. "Presigned" URLs point at a caller-provided base (typically an
// httptest server fronting the same store).
type Memory struct {
	// BaseURL is prepended to minted URLs, e.g. an httptest server address.
	// Empty produces memory:// URLs, which are inert but inspectable.
	BaseURL string

	mu      sync.Mutex
	objects map[string][]byte
	ctypes  map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory(baseURL string) *Memory {
	return &Memory{
		BaseURL: baseURL,
		objects: make(map[string][]byte),
		ctypes:  make(map[string]string),
	}
}

func (m *Memory) objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// PutURL mints a URL carrying method, bucket, key, and content-type binding
// as query parameters so handlers can enforce them.
func (m *Memory) PutURL(_ context.Context, bucket, key string, ttl time.Duration, contentType string) (string, error) {
	return m.mint("PUT", bucket, key, ttl, contentType), nil
}

// GetURL mints a GET URL.
func (m *Memory) GetURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return m.mint("GET", bucket, key, ttl, ""), nil
}

func (m *Memory) mint(method, bucket, key string, ttl time.Duration, contentType string) string {
	base := m.BaseURL
	if base == "" {
		base = "memory://store"
	}
	q := url.Values{}
	q.Set("method", method)
	q.Set("bucket", bucket)
	q.Set("expires", time.Now().Add(ttl).UTC().Format(time.RFC3339))
	if contentType != "" {
		q.Set("content_type", contentType)
	}
	return fmt.Sprintf("%s/%s?%s", base, url.PathEscape(key), q.Encode())
}

// Put stores an object.
func (m *Memory) Put(_ context.Context, bucket, key, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	m.objects[m.objectKey(bucket, key)] = buf
	m.ctypes[m.objectKey(bucket, key)] = contentType
	return nil
}

// Get fetches an object.
func (m *Memory) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[m.objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// Object returns a stored object and whether it exists. Test helper.
func (m *Memory) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[m.objectKey(bucket, key)]
	return body, ok
}

// Keys returns all stored keys in the bucket. Test helper.
func (m *Memory) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	prefix := bucket + "/"
	for k := range m.objects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k[len(prefix):])
		}
	}
	return keys
}

var (
	_ Presigner   = (*Memory)(nil)
	_ ObjectStore = (*Memory)(nil)
)
