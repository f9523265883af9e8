// Package archive stores raw API pages as zstd-compressed files so a run can
// be inspected or replayed after the fact.
//
// Layout: <dir>/<run_id>/page-00001.json.zst, one file per fetched page.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
)

const pageSuffix = ".json.zst"

// PageArchive writes pages for one run. It implements extract.PageSink.
type PageArchive struct {
	dir string
	enc *zstd.Encoder
	mu  sync.Mutex
}

// New creates <dir>/<runID> and returns an archive writing into it.
func New(dir, runID string) (*PageArchive, error) {
	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return nil, loadererrors.Wrapf(err, loadererrors.ErrorTypeConfig, "failed to create archive dir %s", runDir)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, loadererrors.Wrap(err, loadererrors.ErrorTypeInternal, "failed to create zstd encoder")
	}
	return &PageArchive{dir: runDir, enc: enc}, nil
}

// Dir returns the run directory.
func (a *PageArchive) Dir() string { return a.dir }

// PageName returns the file name used for page.
func PageName(page int) string {
	return fmt.Sprintf("page-%05d%s", page, pageSuffix)
}

// WritePage compresses body and writes it atomically.
func (a *PageArchive) WritePage(ctx context.Context, page int, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	compressed := a.enc.EncodeAll(body, nil)
	a.mu.Unlock()

	path := filepath.Join(a.dir, PageName(page))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o640); err != nil {
		return loadererrors.Wrapf(err, loadererrors.ErrorTypeInternal, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return loadererrors.Wrapf(err, loadererrors.ErrorTypeInternal, "failed to rename %s", tmp)
	}
	return nil
}

// Close releases the encoder.
func (a *PageArchive) Close() error {
	return a.enc.Close()
}

// ReadPage decompresses one archived page.
func ReadPage(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}

// Pages lists the archived page files of a run directory in page order.
func Pages(runDir string) ([]string, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return nil, err
	}
	var pages []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), pageSuffix) {
			pages = append(pages, filepath.Join(runDir, e.Name()))
		}
	}
	sort.Strings(pages)
	return pages, nil
}
