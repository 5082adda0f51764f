package pipeline

import "context"

// ArtifactInfo is the metadata the orchestrator needs about a finished
// output: size, directory-ness, and content hash, per the C1 Storage
// Provider's get_info() in section 6.
type ArtifactInfo struct {
	TotalSize int64
	IsDir     bool
	Hash      string
}

// ArtifactStore is the Artifact Storage Provider port (C1). Concrete
// implementations (S3, in-memory) live in internal/artifactstore.
type ArtifactStore interface {
	GetInfo(ctx context.Context, uri string) (ArtifactInfo, error)
	DownloadText(ctx context.Context, uri string) (string, error)
	UploadText(ctx context.Context, uri, text string) error
}
