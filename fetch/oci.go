package fetch

import (
	"context"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"
)

// OCIFetcher pulls wasm images from an OCI registry. The artifact is the
// first layer of the image, a gzip-compressed tar holding the module.
type OCIFetcher struct {
	logger   *zap.Logger
	keychain authn.Keychain
	insecure bool
}

// OCIOption configures an OCIFetcher.
type OCIOption func(*OCIFetcher)

// WithInsecure allows plain HTTP registries.
func WithInsecure(insecure bool) OCIOption {
	return func(f *OCIFetcher) { f.insecure = insecure }
}

// WithKeychain sets the credential source. The default keychain reads the
// docker config of the current user.
func WithKeychain(kc authn.Keychain) OCIOption {
	return func(f *OCIFetcher) { f.keychain = kc }
}

// WithLogger sets the logger used for pull progress.
func WithLogger(l *zap.Logger) OCIOption {
	return func(f *OCIFetcher) { f.logger = l }
}

func NewOCIFetcher(opts ...OCIOption) *OCIFetcher {
	f := &OCIFetcher{keychain: authn.DefaultKeychain}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = nopIfNil(f.logger)
	return f
}

func (f *OCIFetcher) nameOptions() []name.Option {
	if f.insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

// Fetch pulls ref and unpacks its first layer into destDir.
func (f *OCIFetcher) Fetch(ctx context.Context, fn, ref, destDir string) error {
	parsed, err := name.ParseReference(ref, f.nameOptions()...)
	if err != nil {
		return fetchFailure(fn, err, "parse reference %q", ref)
	}

	f.logger.Info("pulling wasm module",
		zap.String("function", fn),
		zap.String("reference", parsed.String()),
		zap.String("output", destDir))

	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(f.keychain))
	if err != nil {
		return fetchFailure(fn, err, "pull %q", ref)
	}

	layers, err := img.Layers()
	if err != nil {
		return fetchFailure(fn, err, "read layers of %q", ref)
	}
	if len(layers) == 0 {
		return fetchFailure(fn, nil, "image %q has no layers", ref)
	}

	rc, err := layers[0].Compressed()
	if err != nil {
		return fetchFailure(fn, err, "open layer of %q", ref)
	}
	defer rc.Close()

	if err := UnpackGzip(rc, destDir); err != nil {
		return err
	}

	f.logger.Info("wasm module written", zap.String("function", fn), zap.String("output", destDir))
	return nil
}
