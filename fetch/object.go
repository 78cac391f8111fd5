package fetch

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ObjectConfig holds settings for an S3-compatible object store.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

// objectGetter is the slice of the minio client the fetcher uses.
type objectGetter interface {
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// ObjectFetcher downloads artifacts referenced as s3://bucket/key.
// Objects ending in .tar.gz or .tgz are unpacked like registry layers; any
// other object is stored as a single file named after the key.
type ObjectFetcher struct {
	client objectGetter
	logger *zap.Logger
}

func NewObjectFetcher(cfg ObjectConfig, logger *zap.Logger) (*ObjectFetcher, error) {
	if cfg.Endpoint == "" {
		return nil, fetchFailure("", nil, "object store endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fetchFailure("", err, "create object store client")
	}
	return &ObjectFetcher{client: client, logger: nopIfNil(logger)}, nil
}

// ParseObjectRef splits s3://bucket/key into its bucket and key.
func ParseObjectRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, ObjectScheme)
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", false
	}
	return bucket, key, true
}

func (f *ObjectFetcher) Fetch(ctx context.Context, fn, ref, destDir string) error {
	bucket, key, ok := ParseObjectRef(ref)
	if !ok {
		return fetchFailure(fn, nil, "invalid object reference %q", ref)
	}

	f.logger.Info("downloading wasm object",
		zap.String("function", fn),
		zap.String("bucket", bucket),
		zap.String("key", key))

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fetchFailure(fn, err, "get object %q", ref)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces missing objects and auth errors.
	if _, err := obj.Stat(); err != nil {
		return fetchFailure(fn, err, "stat object %q", ref)
	}

	if isTarball(key) {
		return UnpackGzip(obj, destDir)
	}

	base := path.Base(key)
	if err := writeFile(filepath.Join(destDir, base), obj, 0o644); err != nil {
		return err
	}
	return nil
}

func isTarball(key string) bool {
	return strings.HasSuffix(key, ".tar.gz") || strings.HasSuffix(key, ".tgz")
}

// LocalFetcher copies artifacts from the local filesystem. The reference
// is a path to a single file or to a .tar.gz archive.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(_ context.Context, fn, ref, destDir string) error {
	src, err := os.Open(ref)
	if err != nil {
		return fetchFailure(fn, err, "open %q", ref)
	}
	defer src.Close()

	if isTarball(ref) {
		return UnpackGzip(src, destDir)
	}
	return writeFile(filepath.Join(destDir, filepath.Base(ref)), src, 0o644)
}
