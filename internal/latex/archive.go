package latex

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxSourceBytes caps the decompressed size of a source archive.
const maxSourceBytes = 512 << 20

// Extract unpacks an arXiv e-print into dest. The payload is either a
// gzipped tarball, a plain tarball, or a single gzipped .tex file, which is
// written as main.tex.
func Extract(archive []byte, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create source dir: %w", err)
	}

	data := archive
	if len(archive) >= 2 && archive[0] == 0x1f && archive[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(archive))
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		data, err = io.ReadAll(io.LimitReader(gz, maxSourceBytes+1))
		if err != nil {
			return fmt.Errorf("decompress source: %w", err)
		}
		if len(data) > maxSourceBytes {
			return fmt.Errorf("decompressed source exceeds %d bytes", maxSourceBytes)
		}
	}

	if !isTar(data) {
		return os.WriteFile(filepath.Join(dest, "main.tex"), data, 0o644)
	}
	return extractTar(bytes.NewReader(data), dest)
}

func isTar(data []byte) bool {
	_, err := tar.NewReader(bytes.NewReader(data)).Next()
	return err == nil
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := sanitizePath(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			out, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			_, err = io.Copy(out, io.LimitReader(tr, header.Size))
			out.Close()
			if err != nil {
				return fmt.Errorf("write %s: %w", header.Name, err)
			}
		default:
			// Links and devices are skipped.
		}
	}
}

// sanitizePath resolves entry under dest and rejects anything that escapes it.
func sanitizePath(dest, entry string) (string, error) {
	clean := filepath.Clean(entry)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, `\`) {
		return "", fmt.Errorf("invalid archive path %q: absolute paths not allowed", entry)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive path %q: directory traversal not allowed", entry)
	}

	target := filepath.Join(dest, clean)
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	if absTarget != absDest && !strings.HasPrefix(absTarget, absDest+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive path %q: escapes destination", entry)
	}
	return target, nil
}
