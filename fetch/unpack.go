package fetch

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
)

// UnpackGzip decompresses a gzip stream and extracts the tar inside it.
func UnpackGzip(r io.Reader, dstDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return unpackFailure(err, "open gzip stream")
	}
	defer gz.Close()
	return UnpackTar(gz, dstDir)
}

// UnpackTar extracts regular files and directories from a tar stream into
// dstDir. Entries that would land outside dstDir fail the whole unpack;
// links and device nodes are skipped.
func UnpackTar(r io.Reader, dstDir string) error {
	root := filepath.Clean(dstDir)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return unpackFailure(err, "read tar entry")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return unpackFailure(nil, "invalid tar entry path %q", hdr.Name)
		}
		target := filepath.Join(root, cleanName)
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return unpackFailure(nil, "tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return unpackFailure(err, "create dir")
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()|0o600); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return unpackFailure(err, "create parent dir")
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return unpackFailure(err, "create file")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return unpackFailure(err, "write file")
	}
	if err := f.Close(); err != nil {
		return unpackFailure(err, "close file")
	}
	return nil
}

func unpackFailure(cause error, format string, args ...any) error {
	return wasmerrors.New(wasmerrors.PhaseFetch, wasmerrors.KindUnpackFailure).
		Cause(cause).
		Detail(format, args...).
		Build()
}

func fetchFailure(name string, cause error, format string, args ...any) error {
	return wasmerrors.New(wasmerrors.PhaseFetch, wasmerrors.KindFetchFailure).
		Name(name).
		Cause(cause).
		Detail(format, args...).
		Build()
}
