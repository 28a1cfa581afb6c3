// Package blob defines the upload object store port. The S3 feature
// implements it in deployment; tests use the in-memory store.
package blob

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
)

// Validation sentinels surfaced to the upload endpoint.
var (
	// ErrUnsupportedType reports a content type outside the whitelist.
	ErrUnsupportedType = errors.New("blob: unsupported content type")
	// ErrTooLarge reports an object over the size cap.
	ErrTooLarge = errors.New("blob: object too large")
)

type (
	// Object is one upload. Size must be known up front so stores can
	// enforce the cap before reading the body.
	Object struct {
		// ContentType is the declared MIME type.
		ContentType string
		// Size is the body length in bytes.
		Size int64
		// Body streams the object content.
		Body io.Reader
	}

	// Store persists uploads under randomly assigned names and returns
	// the URL clients reference in file messages.
	Store interface {
		Put(ctx context.Context, obj Object) (string, error)
	}
)

// Memory is a process-local Store for unit tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	n       int
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, obj Object) (string, error) {
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	url := "mem://uploads/" + strconv.Itoa(m.n)
	m.objects[url] = data
	return url, nil
}

// Get returns a stored object by URL, for test assertions.
func (m *Memory) Get(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[url]
	return data, ok
}

var _ Store = (*Memory)(nil)
