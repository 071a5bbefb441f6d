package port

import (
	"context"
	"io"
)

// ArtifactObject describes a binary handed to the artifact storage.
type ArtifactObject struct {
	Key         string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ArtifactStorage keeps captured document and selfie binaries outside the session record.
type ArtifactStorage interface {
	Put(ctx context.Context, object ArtifactObject) error
	Delete(ctx context.Context, key string) error
}
