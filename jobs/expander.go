package jobs

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
)

// MaxDepth bounds nested archive expansion. An archive inside an archive
// inside an archive is the deepest level unpacked; anything deeper is
// skipped.
const MaxDepth = 3

// ErrAlreadyExpanded is returned by Expand when the batch has already left
// the queued state. Duplicate expansion requests are settled, not retried.
var ErrAlreadyExpanded = errors.New("jobs: batch already expanded")

// DefaultPatterns is the default supported-file set: office and tabular
// formats plus the GAEB exchange family.
var DefaultPatterns = []string{
	"*.pdf", "*.doc", "*.docx", "*.xls", "*.xlsx", "*.csv", "*.txt",
	"*.x83", "*.x84", "*.x85", "*.x86", "*.x89",
	"*.d83", "*.d84", "*.d85", "*.d86", "*.d89",
	"*.p83", "*.p84", "*.p85", "*.p86", "*.p89",
	"*.gaeb",
}

// Expander unpacks an uploaded archive into individual work items. Expansion
// is idempotent: re-running it for a batch that already left the queued state
// reports ErrAlreadyExpanded without touching anything, and work item
// creation dedupes on doc_id.
type Expander struct {
	store    store.Store
	blobs    objstore.ObjectStore
	queue    *queue.Queue
	logger   *logharbour.Logger
	maxDepth int
	patterns []string
}

// NewExpander creates an expander. Empty patterns and a zero depth fall back
// to the package defaults.
func NewExpander(st store.Store, blobs objstore.ObjectStore, q *queue.Queue, logger *logharbour.Logger, maxDepth int, patterns []string) *Expander {
	if maxDepth <= 0 {
		maxDepth = MaxDepth
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Expander{
		store:    st,
		blobs:    blobs,
		queue:    q,
		logger:   logger,
		maxDepth: maxDepth,
		patterns: patterns,
	}
}

// Expand moves the batch queued -> extracting, unpacks its archive, uploads
// every supported file under extracted/<batch_id>/, registers work items and
// returns the batch to queued with file jobs on the queue. A batch with no
// supported files fails terminally. A batch already past queued returns
// ErrAlreadyExpanded.
func (e *Expander) Expand(ctx context.Context, batchID string) error {
	ok, err := e.store.TransitionBatch(ctx, batchID, []store.BatchState{store.BatchQueued}, store.BatchExtracting, "")
	if err != nil {
		return fmt.Errorf("transition to extracting: %w", err)
	}
	if !ok {
		e.logger.Info().LogActivity("Batch not in queued state, skipping expansion", map[string]any{
			"batch_id": batchID,
		})
		return ErrAlreadyExpanded
	}

	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}

	workDir, err := os.MkdirTemp("", "tenderflow-expand-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	archivePath := filepath.Join(workDir, "archive"+archiveExt(batch.ArchiveKey))
	if err := e.download(ctx, batch.ArchiveKey, archivePath); err != nil {
		return e.failBatch(ctx, batchID, fmt.Sprintf("archive not readable: %v", err))
	}

	destDir := filepath.Join(workDir, "files")
	if err := e.unpackArchive(archivePath, destDir, 1); err != nil {
		return e.failBatch(ctx, batchID, fmt.Sprintf("archive expansion failed: %v", err))
	}

	files, err := e.collectSupported(destDir)
	if err != nil {
		return fmt.Errorf("collect files: %w", err)
	}
	if len(files) == 0 {
		return e.failBatch(ctx, batchID, "No supported files found")
	}

	for _, rel := range files {
		f, err := os.Open(filepath.Join(destDir, rel))
		if err != nil {
			return fmt.Errorf("open extracted file: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat extracted file: %w", err)
		}
		fileKey := "extracted/" + batchID + "/" + filepath.ToSlash(rel)
		err = e.blobs.Put(ctx, fileKey, f, info.Size(), "application/octet-stream")
		f.Close()
		if err != nil {
			return fmt.Errorf("upload extracted file: %w", err)
		}

		docID := batchID + "::" + filepath.ToSlash(rel)
		created, err := e.store.CreateWorkItem(ctx, store.WorkItem{
			DocID:    docID,
			RunID:    batch.RunID,
			Filename: filepath.Base(rel),
			FileKey:  fileKey,
			FileType: fileType(rel),
		})
		if err != nil {
			return fmt.Errorf("create work item: %w", err)
		}
		if !created {
			e.logger.Debug0().LogActivity("Work item already registered", map[string]any{
				"doc_id": docID,
			})
		}
	}

	if err := e.store.SetBatchTotalFiles(ctx, batchID, len(files)); err != nil {
		return fmt.Errorf("set total files: %w", err)
	}

	ok, err = e.store.TransitionBatch(ctx, batchID, []store.BatchState{store.BatchExtracting}, store.BatchQueued, "")
	if err != nil {
		return fmt.Errorf("transition back to queued: %w", err)
	}
	if !ok {
		return fmt.Errorf("batch %s left extracting state during expansion", batchID)
	}

	for _, rel := range files {
		docID := batchID + "::" + filepath.ToSlash(rel)
		if err := e.queue.Enqueue(ctx, queue.TypeProcessFile, docID); err != nil {
			return fmt.Errorf("enqueue file job: %w", err)
		}
	}

	e.logger.Info().LogActivity("Batch expanded", map[string]any{
		"batch_id":    batchID,
		"total_files": len(files),
	})
	return nil
}

func (e *Expander) failBatch(ctx context.Context, batchID, msg string) error {
	_, err := e.store.TransitionBatch(ctx, batchID, []store.BatchState{store.BatchExtracting}, store.BatchFailed, msg)
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}
	e.logger.Warn().LogActivity("Batch failed during expansion", map[string]any{
		"batch_id": batchID,
		"reason":   msg,
	})
	return nil
}

func (e *Expander) download(ctx context.Context, key, dst string) error {
	rc, err := e.blobs.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, rc)
	return err
}

// collectSupported walks the unpacked tree and returns the sorted relative
// paths of files matching the supported patterns.
func (e *Expander) collectSupported(destDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(destDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		for _, pat := range e.patterns {
			ok, merr := doublestar.Match(strings.ToLower(pat), name)
			if merr != nil {
				return merr
			}
			if ok {
				rel, rerr := filepath.Rel(destDir, path)
				if rerr != nil {
					return rerr
				}
				files = append(files, rel)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func archiveExt(key string) string {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"):
		return ".tar.gz"
	case strings.HasSuffix(lower, ".tgz"):
		return ".tgz"
	default:
		return filepath.Ext(lower)
	}
}

func isArchive(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".zip") ||
		strings.HasSuffix(lower, ".tar.gz") ||
		strings.HasSuffix(lower, ".tgz")
}

// nestedDirName maps doc.zip to doc_zip, bundle.tar.gz to bundle_zip: nested
// archives expand into a sibling directory in place of the archive entry.
func nestedDirName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"):
		return name[:len(name)-len(".tar.gz")] + "_zip"
	case strings.HasSuffix(lower, ".tgz"):
		return name[:len(name)-len(".tgz")] + "_zip"
	default:
		return strings.TrimSuffix(name, filepath.Ext(name)) + "_zip"
	}
}

// unpackArchive expands src into destDir. Nested archives are expanded in
// place up to the depth bound; archives past the bound are skipped with a
// warning.
func (e *Expander) unpackArchive(src, destDir string, depth int) error {
	lower := strings.ToLower(src)
	var err error
	switch {
	case strings.HasSuffix(lower, ".zip"):
		err = unpackZip(src, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		err = unpackTarGz(src, destDir)
	default:
		return fmt.Errorf("unsupported archive %q", filepath.Base(src))
	}
	if err != nil {
		return err
	}
	return e.expandNested(destDir, depth)
}

// expandNested unpacks archives found inside an already-unpacked tree. A bad
// nested archive loses only its own contents: the batch keeps going on
// whatever else unpacked cleanly.
func (e *Expander) expandNested(destDir string, depth int) error {
	var nested []string
	err := filepath.WalkDir(destDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isArchive(d.Name()) {
			nested = append(nested, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range nested {
		if depth >= e.maxDepth {
			e.logger.Warn().LogActivity("Nested archive past depth bound, skipping", map[string]any{
				"archive": filepath.Base(path),
				"depth":   depth + 1,
			})
		} else {
			dir := filepath.Join(filepath.Dir(path), nestedDirName(filepath.Base(path)))
			if err := e.unpackArchive(path, dir, depth+1); err != nil {
				e.logger.Warn().LogActivity("Nested archive unreadable, skipping", map[string]any{
					"archive": filepath.Base(path),
					"error":   err.Error(),
				})
			}
		}
		// The archive entry itself is never a work item.
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

func unpackZip(src, destDir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func unpackTarGz(src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr); err != nil {
				return err
			}
		}
	}
	return nil
}

// securePath joins name under destDir and rejects entries that would escape
// it through .. segments or absolute paths.
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func fileType(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
