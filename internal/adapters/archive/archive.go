// Package archive wraps cloud.google.com/go/storage to upload a local file
// to a single bucket. Its one caller is the pre-merge gate, which uploads
// the silent video for the shot-change check. Grounded on
// internal/platform/gcp/bucket.go's client-construction idiom, trimmed from
// the donor's multi-category (avatar/material) CDN-aware bucket service
// down to the single-bucket, no-CDN shape this domain needs — see
// DESIGN.md for why the fuller bucket.go was not kept as-is.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/ctxutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/gcp"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Archiver uploads a local artifact to object storage and returns its
// object URI, for jobs whose workspace_root is not itself durable storage.
type Archiver interface {
	UploadFile(ctx context.Context, localPath, objectKey string) (uri string, err error)
	Close() error
}

type archiver struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func New(log *logger.Logger, bucket string) (Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: bucket name required")
	}
	ctx := context.Background()
	c, err := storage.NewClient(ctx, gcp.ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &archiver{log: log.With("service", "Archive"), client: c, bucket: bucket}, nil
}

func (a *archiver) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *archiver) UploadFile(ctx context.Context, localPath, objectKey string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", classify.New(domain.ErrKindFS, fmt.Errorf("open %s: %w", localPath, err))
	}
	defer f.Close()

	ctx = ctxutil.Default(ctx)
	w := a.client.Bucket(a.bucket).Object(objectKey).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", classify.New(domain.ErrKindNetwork, fmt.Errorf("upload %s: %w", objectKey, err))
	}
	if err := w.Close(); err != nil {
		return "", classify.New(domain.ErrKindNetwork, fmt.Errorf("finalize upload %s: %w", objectKey, err))
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, objectKey), nil
}
