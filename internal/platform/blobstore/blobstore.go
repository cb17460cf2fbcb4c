package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/platform/envutil"
	"github.com/visionlab/resultgraph/internal/platform/secrets"
)

// Uploader puts image bytes into object storage and returns a public URL.
// Keys are the SHA-256 of the content, so re-uploading the same bytes is a
// no-op that yields the same URL.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
	Close() error
}

type service struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucket        string
	publicBaseURL string
}

func NewFromEnv(ctx context.Context, log *logger.Logger) (Uploader, error) {
	bucket := envutil.Str("IMAGE_GCS_BUCKET_NAME", "")
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: missing env var IMAGE_GCS_BUCKET_NAME")
	}

	var opts []option.ClientOption
	if emulator := envutil.Str("STORAGE_EMULATOR_HOST", ""); emulator != "" {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(secrets.ClientOptionsFromEnv(), option.WithScopes(storage.ScopeReadWrite))
	}
	stClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: init storage client: %w", err)
	}

	publicBase := resolvePublicBaseURL(bucket)
	serviceLog := log.With("service", "BlobStore")
	serviceLog.Info("Object storage initialized", "bucket", bucket, "public_base_url", publicBase)

	return &service{
		log:           serviceLog,
		storageClient: stClient,
		bucket:        bucket,
		publicBaseURL: publicBase,
	}, nil
}

func resolvePublicBaseURL(bucket string) string {
	if cdn := envutil.Str("IMAGE_CDN_DOMAIN", ""); cdn != "" {
		return "https://" + strings.TrimRight(cdn, "/")
	}
	if emulator := envutil.Str("STORAGE_EMULATOR_HOST", ""); emulator != "" {
		return strings.TrimRight(emulator, "/") + "/" + bucket
	}
	return "https://storage.googleapis.com/" + bucket
}

func (s *service) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("blobstore: open %s: %w", path, err)
	}
	defer f.Close()

	key, err := contentKey(f, filepath.Ext(path))
	if err != nil {
		return "", fmt.Errorf("blobstore: hash %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("blobstore: rewind %s: %w", path, err)
	}

	obj := s.storageClient.Bucket(s.bucket).Object(key)

	// Same content hash means same bytes already stored; skip the write.
	if _, err := obj.Attrs(ctx); err == nil {
		s.log.Debug("Upload skipped, object exists", "key", key)
		return s.publicURL(key), nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("blobstore: stat %s: %w", key, err)
	}

	w := obj.NewWriter(ctx)
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blobstore: finalize %s: %w", key, err)
	}

	s.log.Debug("Uploaded image", "key", key, "source", filepath.Base(path))
	return s.publicURL(key), nil
}

func (s *service) publicURL(key string) string {
	return s.publicBaseURL + "/" + key
}

func (s *service) Close() error {
	return s.storageClient.Close()
}

// contentKey hashes the reader and returns "<hex sha256><ext>". The extension
// is kept so content types survive the hash addressing.
func contentKey(r io.Reader, ext string) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)) + strings.ToLower(ext), nil
}
