package gcp

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// BucketService stages media into GCS so Video Intelligence and
// Speech-to-Text can read it by gs:// URI. This is intake for the GCP
// pipeline, not the engine's artifact store.
type BucketService interface {
	UploadFile(ctx context.Context, localPath, object string) (string, error)
	Upload(ctx context.Context, object string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, object string) error
	Exists(ctx context.Context, object string) (bool, error)
	Close() error
}

type bucketService struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

// NewBucketService reads GCS_BUCKET_NAME and GOOGLE_APPLICATION_CREDENTIALS*
// from the environment.
func NewBucketService(log *logger.Logger) (BucketService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	bucket := strings.TrimSpace(envutil.Str("GCS_BUCKET_NAME", ""))
	if bucket == "" {
		return nil, fmt.Errorf("missing GCS_BUCKET_NAME")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := storage.NewClient(ctx, ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}

	return &bucketService{
		log:    log.With("service", "gcp.Bucket"),
		client: client,
		bucket: bucket,
	}, nil
}

func (bs *bucketService) Close() error {
	if bs == nil || bs.client == nil {
		return nil
	}
	return bs.client.Close()
}

func (bs *bucketService) UploadFile(ctx context.Context, localPath, object string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return bs.Upload(ctx, object, f, contentTypeForName(localPath))
}

func (bs *bucketService) Upload(ctx context.Context, object string, r io.Reader, contentType string) (string, error) {
	if object == "" {
		return "", fmt.Errorf("object name required")
	}

	w := bs.client.Bucket(bs.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs upload %s: %w", object, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", bs.bucket, object)
	bs.log.Info("uploaded to gcs", "uri", uri)
	return uri, nil
}

func (bs *bucketService) Delete(ctx context.Context, object string) error {
	err := bs.client.Bucket(bs.bucket).Object(object).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("gcs delete %s: %w", object, err)
	}
	return nil
}

func (bs *bucketService) Exists(ctx context.Context, object string) (bool, error) {
	_, err := bs.client.Bucket(bs.bucket).Object(object).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs stat %s: %w", object, err)
	}
	return true, nil
}

func contentTypeForName(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
