package ingest

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type format int

const (
	formatZip format = iota
	formatTarGz
	formatTar
)

// Archive ingests one uploaded archive stream. The stream is spooled into a
// sandbox, unpacked under the limits, and walked into a flat tree. A single
// shared top-level directory is stripped. The sandbox is removed before
// returning.
func (i *Ingestor) Archive(ctx context.Context, r io.Reader, filename string) (*Result, error) {
	sandbox, err := sandboxDir("devflow-ingest-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(sandbox)

	spool, err := i.spool(sandbox, r)
	if err != nil {
		return nil, err
	}
	f, err := detectFormat(filename, spool)
	if err != nil {
		return nil, err
	}

	root := filepath.Join(sandbox, "tree")
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction root: %w", err)
	}

	var skipped Skipped
	switch f {
	case formatZip:
		skipped, err = i.unpackZip(ctx, spool, root)
	default:
		skipped, err = i.unpackTar(ctx, spool, f == formatTarGz, root)
	}
	if err != nil {
		return nil, err
	}

	res, err := i.walkDir(ctx, root)
	if err != nil {
		return nil, err
	}
	res.Tree = collapseRoot(res.Tree)
	res.Skipped.Large += skipped.Large
	res.Skipped.Ignored += skipped.Ignored

	i.logger.Info("Archive ingested",
		"filename", filename,
		"files", len(res.Tree),
		"bytes", res.Bytes,
		"skipped_binary", res.Skipped.Binary,
		"skipped_large", res.Skipped.Large,
		"skipped_ignored", res.Skipped.Ignored)
	return res, nil
}

// spool copies the upload into the sandbox, failing once it exceeds the
// archive cap. An upload of exactly the cap is accepted.
func (i *Ingestor) spool(sandbox string, r io.Reader) (string, error) {
	p := filepath.Join(sandbox, "upload")
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("spool upload: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, i.limits.MaxArchiveBytes+1))
	if err != nil {
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if n > i.limits.MaxArchiveBytes {
		return "", ErrArchiveTooLarge
	}
	return p, nil
}

// detectFormat picks the archive format from the filename, falling back to
// magic bytes when the extension is missing or unknown.
func detectFormat(filename, spool string) (format, error) {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return formatZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return formatTarGz, nil
	case strings.HasSuffix(name, ".tar"):
		return formatTar, nil
	}

	f, err := os.Open(spool)
	if err != nil {
		return 0, fmt.Errorf("sniff upload: %w", err)
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return 0, ErrUnsupportedFormat
	}
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return formatZip, nil
	case head[0] == 0x1f && head[1] == 0x8b:
		return formatTarGz, nil
	}
	// Plain tar carries its magic at offset 257.
	magic := make([]byte, 5)
	if _, err := f.ReadAt(magic, 257); err == nil && string(magic) == "ustar" {
		return formatTar, nil
	}
	return 0, ErrUnsupportedFormat
}

func (i *Ingestor) unpackZip(ctx context.Context, spool, root string) (Skipped, error) {
	zr, err := zip.OpenReader(spool)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return Skipped{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer zr.Close()

	ex := newExtractor(i, root)
	for _, f := range zr.File {
		if ctx.Err() != nil {
			return ex.skipped, ctx.Err()
		}
		if f.FileInfo().IsDir() || !f.Mode().IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ex.skipped, fmt.Errorf("open archive entry %s: %w", f.Name, err)
		}
		err = ex.writeEntry(f.Name, int64(f.UncompressedSize64), rc)
		rc.Close()
		if err != nil {
			return ex.skipped, err
		}
	}
	return ex.skipped, nil
}

func (i *Ingestor) unpackTar(ctx context.Context, spool string, gzipped bool, root string) (Skipped, error) {
	f, err := os.Open(spool)
	if err != nil {
		return Skipped{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Skipped{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		defer gz.Close()
		src = gz
	}

	ex := newExtractor(i, root)
	tr := tar.NewReader(src)
	for {
		if ctx.Err() != nil {
			return ex.skipped, ctx.Err()
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return ex.skipped, nil
		}
		if err != nil {
			return ex.skipped, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		// Directories materialize on demand; links never do.
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := ex.writeEntry(hdr.Name, hdr.Size, tr); err != nil {
			return ex.skipped, err
		}
	}
}

// extractor writes archive entries into the sandbox under the count, size,
// and expansion limits.
type extractor struct {
	ing     *Ingestor
	root    string
	count   int
	budget  int64
	skipped Skipped
}

func newExtractor(i *Ingestor, root string) *extractor {
	return &extractor{ing: i, root: root, budget: i.limits.MaxArchiveBytes * expansionFactor}
}

// writeEntry extracts one regular entry. Unsafe and ignored names are
// skipped, declared-oversized entries are skipped without reading, and the
// copy is still bounded in case the header lied about the size.
func (e *extractor) writeEntry(name string, declared int64, r io.Reader) error {
	rel, ok := safeRelPath(name)
	if !ok || e.ing.ignored(rel) {
		e.skipped.Ignored++
		return nil
	}
	if declared > e.ing.limits.MaxFileBytes {
		e.skipped.Large++
		return nil
	}
	e.count++
	if e.count > e.ing.limits.MaxFiles {
		return ErrTooManyFiles
	}
	if e.budget <= 0 {
		return ErrExpandedTooLarge
	}

	dst := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("extract %s: %w", rel, err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("extract %s: %w", rel, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, e.ing.limits.MaxFileBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", rel, err)
	}
	e.budget -= n
	if n > e.ing.limits.MaxFileBytes {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
		e.skipped.Large++
		e.count--
	}
	return nil
}
