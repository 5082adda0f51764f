package artifactstore

import (
	"context"
	"crypto/md5"
	"fmt"
	"strings"
	"sync"

	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
)

// MemoryStore is an in-memory pipeline.ArtifactStore keyed by URI, the same
// map-of-objects shape as storage.MockS3Client but holding text content
// directly instead of standing in for a real S3 client. Used by tests that
// cannot talk to a live object store.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]string
}

var _ pipeline.ArtifactStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]string)}
}

func (m *MemoryStore) GetInfo(ctx context.Context, uri string) (pipeline.ArtifactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if content, ok := m.objects[uri]; ok {
		return pipeline.ArtifactInfo{TotalSize: int64(len(content)), IsDir: false, Hash: fmt.Sprintf("md5=%x", md5.Sum([]byte(content)))}, nil
	}

	prefix := strings.TrimSuffix(uri, "/") + "/"
	var total int64
	hasher := md5.New()
	found := false
	for key, content := range m.objects {
		if strings.HasPrefix(key, prefix) {
			found = true
			total += int64(len(content))
			fmt.Fprintf(hasher, "%s:%x\n", key, md5.Sum([]byte(content)))
		}
	}
	if !found {
		return pipeline.ArtifactInfo{}, &pipeline.ItemNotFoundError{Kind: "Artifact", ID: uri}
	}
	return pipeline.ArtifactInfo{TotalSize: total, IsDir: true, Hash: fmt.Sprintf("md5=%x", hasher.Sum(nil))}, nil
}

func (m *MemoryStore) DownloadText(ctx context.Context, uri string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[uri]
	if !ok {
		return "", &pipeline.ItemNotFoundError{Kind: "Artifact", ID: uri}
	}
	return content, nil
}

func (m *MemoryStore) UploadText(ctx context.Context, uri, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[uri] = text
	return nil
}
