package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// Store is the artifact store the step handlers write derived media into.
// Backed by gocloud.dev/blob so local disk (fileblob) and S3 (s3blob) are
// the same code path; STORAGE_TYPE selects the driver.
//
// Keys are deterministic (see the naming package), so a re-run of the same
// step overwrites the same object instead of accumulating duplicates.
type Store struct {
	bucket *blob.Bucket
	log    *logger.Logger
}

// Open builds the store from the environment.
//
//	STORAGE_TYPE       local | s3 (default local)
//	STORAGE_LOCAL_DIR  fileblob root (default ./data/blobs)
//	STORAGE_S3_BUCKET  s3blob bucket name
//	STORAGE_S3_REGION  s3blob region
func Open(ctx context.Context, log *logger.Logger) (*Store, error) {
	storageType := strings.ToLower(envutil.Str("STORAGE_TYPE", "local"))
	var bucketURL string
	switch storageType {
	case "local":
		dir := envutil.Str("STORAGE_LOCAL_DIR", "./data/blobs")
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve STORAGE_LOCAL_DIR: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create STORAGE_LOCAL_DIR: %w", err)
		}
		bucketURL = "file://" + filepath.ToSlash(abs)
	case "s3":
		bucketName := envutil.Str("STORAGE_S3_BUCKET", "")
		if bucketName == "" {
			return nil, fmt.Errorf("STORAGE_TYPE=s3 requires STORAGE_S3_BUCKET")
		}
		u := url.URL{Scheme: "s3", Host: bucketName}
		if region := envutil.Str("STORAGE_S3_REGION", ""); region != "" {
			u.RawQuery = "region=" + url.QueryEscape(region)
		}
		bucketURL = u.String()
	default:
		return nil, fmt.Errorf("unsupported STORAGE_TYPE %q", storageType)
	}
	return OpenURL(ctx, log, bucketURL)
}

// OpenURL opens an explicit bucket URL. Tests use this with memblob.
func OpenURL(ctx context.Context, log *logger.Logger, bucketURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", redactURL(bucketURL), err)
	}
	log.With("service", "ArtifactStore").Info("artifact store opened", "bucket", redactURL(bucketURL))
	return &Store{bucket: bucket, log: log.With("service", "ArtifactStore")}, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// Key layout. Everything derived from one upload sits under one prefix so
// cleanup and inspection stay per-upload.

func UploadSourceKey(uploadID, filename string) string {
	return "uploads/" + uploadID + "/" + filename
}

func ArtifactKey(uploadID, name string) string {
	return "artifacts/" + uploadID + "/" + name
}

func RenderKey(timelineID, name string) string {
	return "renders/" + timelineID + "/" + name
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := s.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("put %s: %w: %v", key, errs.ErrStorePutFailed, err)
	}
	return nil
}

// PutFile streams a local file into the store. Step handlers use this for
// transcoded outputs that do not fit comfortably in memory.
func (s *Store) PutFile(ctx context.Context, key, localPath, contentType string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w: %v", localPath, errs.ErrStorageIO, err)
	}
	defer f.Close()

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return 0, fmt.Errorf("put %s: %w: %v", key, errs.ErrStorePutFailed, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("put %s: %w: %v", key, errs.ErrStorePutFailed, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("put %s: %w: %v", key, errs.ErrStorePutFailed, err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w: %v", key, errs.ErrStorageIO, err)
	}
	return data, nil
}

// GetToFile streams an object to a local path, creating parent directories.
// Handlers use it to hand source media to ffmpeg.
func (s *Store) GetToFile(ctx context.Context, key, localPath string) error {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
		}
		return fmt.Errorf("get %s: %w: %v", key, errs.ErrStorageIO, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w: %v", localPath, errs.ErrStorageIO, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w: %v", localPath, errs.ErrStorageIO, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("download %s: %w: %v", key, errs.ErrStorageIO, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w: %v", key, errs.ErrStorageIO, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w: %v", key, errs.ErrStorageIO, err)
	}
	return nil
}

func (s *Store) Close() error { return s.bucket.Close() }
