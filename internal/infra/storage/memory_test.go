package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/arklim/social-platform-verification/internal/core/port"
)

func TestMemoryArtifactStorage_PutAndDelete(t *testing.T) {
	store := NewMemoryArtifactStorage()
	ctx := context.Background()

	obj := port.ArtifactObject{Key: "sessions/s-1/idFront/abc", ContentType: "image/jpeg", Size: 5, Body: strings.NewReader("bytes")}
	if err := store.Put(ctx, obj); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if !store.Has(obj.Key) || store.Len() != 1 {
		t.Fatalf("expected object to be stored")
	}

	if err := store.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if store.Has(obj.Key) {
		t.Fatalf("expected object to be removed")
	}
}
