// Package fetch retrieves function artifacts into a local directory.
//
// A Fetcher receives a destination directory that already exists and is
// empty. It must leave the artifact's files under that directory and
// nothing outside it. The catalog decides afterwards whether the result is
// usable.
package fetch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
)

// Fetcher downloads the artifact named by ref into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, name, ref, destDir string) error
}

const (
	// ObjectScheme prefixes references served by an S3-compatible store.
	ObjectScheme = "s3://"
	// FileScheme prefixes references to artifacts on the local disk.
	FileScheme = "file://"
)

type localKey struct{}

// WithLocal marks ctx as allowed to fetch file:// references. Requests from
// remote clients must not carry it.
func WithLocal(ctx context.Context) context.Context {
	return context.WithValue(ctx, localKey{}, true)
}

// LocalAllowed reports whether ctx was marked by WithLocal.
func LocalAllowed(ctx context.Context) bool {
	ok, _ := ctx.Value(localKey{}).(bool)
	return ok
}

// IsLocal reports whether ref names an artifact on the local disk.
func IsLocal(ref string) bool {
	return strings.HasPrefix(ref, FileScheme)
}

// Router picks a fetcher by reference scheme: s3:// goes to Object,
// file:// to LocalFetcher when the context allows it, everything else to
// OCI.
type Router struct {
	OCI    Fetcher
	Object Fetcher
}

// NewRouter returns a router over the given fetchers. A nil object fetcher
// rejects s3:// references.
func NewRouter(oci, object Fetcher) *Router {
	return &Router{OCI: oci, Object: object}
}

func (r *Router) Fetch(ctx context.Context, name, ref, destDir string) error {
	if p, ok := strings.CutPrefix(ref, FileScheme); ok {
		if !LocalAllowed(ctx) {
			return wasmerrors.InvalidInput(wasmerrors.PhaseFetch, "local references are not accepted here")
		}
		return LocalFetcher{}.Fetch(ctx, name, p, destDir)
	}
	if strings.HasPrefix(ref, ObjectScheme) {
		if r.Object == nil {
			return fetchFailure(name, nil, "object store is not configured")
		}
		return r.Object.Fetch(ctx, name, ref, destDir)
	}
	if r.OCI == nil {
		return fetchFailure(name, nil, "registry is not configured")
	}
	return r.OCI.Fetch(ctx, name, ref, destDir)
}

func nopIfNil(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
