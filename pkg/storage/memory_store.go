package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"sync"
)

// Blob is a stored object held by MemoryStore.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// MemoryStore keeps blobs in process. It backs local runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	baseURL    string
	container  string
	containers map[string]int
	blobs      map[string]Blob

	// FailUpload, when set, is consulted before each upload.
	FailUpload func(name string) error
}

// NewMemoryStore returns an empty store whose URLs are rooted at baseURL.
func NewMemoryStore(baseURL, container string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://blobs"
	}
	return &MemoryStore{
		baseURL:    baseURL,
		container:  container,
		containers: make(map[string]int),
		blobs:      make(map[string]Blob),
	}
}

func (m *MemoryStore) EnsureContainer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[m.container]; !ok {
		m.containers[m.container] = len(m.containers)
	}
	return nil
}

func (m *MemoryStore) Upload(ctx context.Context, name string, r io.Reader, _ int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", uploadErr(name, err)
	}
	if m.FailUpload != nil {
		if err := m.FailUpload(name); err != nil {
			return "", uploadErr(name, err)
		}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", uploadErr(name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[m.container]; !ok {
		return "", uploadErr(name, errors.New("container does not exist"))
	}
	if _, ok := m.blobs[name]; ok {
		return "", uploadErr(name, ErrBlobExists)
	}
	m.blobs[name] = Blob{Name: name, ContentType: contentTypeOrDefault(contentType), Data: buf.Bytes()}
	return m.URL(name), nil
}

func (m *MemoryStore) URL(name string) string {
	return m.baseURL + "/" + url.PathEscape(m.container) + "/" + url.PathEscape(name)
}

func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

// Blob returns a stored blob by name.
func (m *MemoryStore) Blob(name string) (Blob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[name]
	return b, ok
}

// Names lists stored blob names in sorted order.
func (m *MemoryStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.blobs))
	for name := range m.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContainerCount reports how many distinct containers were created.
func (m *MemoryStore) ContainerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers)
}

var _ BlobStore = (*MemoryStore)(nil)
