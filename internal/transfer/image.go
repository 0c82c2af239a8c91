package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaywantadh/fstore/internal/session"
	"github.com/jaywantadh/fstore/pkg/logging"
)

// Outcome classifies one file of an image push.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// FileResult is one file's outcome within a Report.
type FileResult struct {
	LocalPath  string
	RemotePath string
	Size       uint64
	Outcome    Outcome
	Err        error
}

// Report aggregates the per-file outcomes of one image push. It is built in
// walk order and handed back whole once the push is over.
type Report struct {
	Results []FileResult
}

// Failed counts the files that did not transfer.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// ImageOptions tunes one directory push.
type ImageOptions struct {
	// RemoteDir is prefixed onto every derived remote path.
	RemoteDir string
	BlockSize uint32
	Overwrite bool
	// OnFileStart is called before each file transfer begins; the returned
	// Progress (may be nil) receives that file's byte counts.
	OnFileStart func(remotePath string, size uint64) *Progress
}

// imageFile pairs one walked file with its derived remote path.
type imageFile struct {
	localPath  string
	remotePath string
	size       uint64
}

// PushImage walks the local tree rooted at root and pushes every regular
// file, one at a time. A single file's failure is recorded and the walk
// continues; a lost session aborts the remaining walk. The returned report
// always covers every attempted file, even when err is non-nil.
func PushImage(ctx context.Context, sess Session, root string, opts ImageOptions) (*Report, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path %s is not a directory", root)
	}

	files, err := collectImageFiles(root, opts.RemoteDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("path %s is an empty directory", root)
	}

	// One round trip checks every target against the overwrite policy
	// before any data moves.
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.remotePath
	}
	if err := sess.Lock(ctx, paths, opts.Overwrite); err != nil {
		return nil, err
	}

	logging.Log.WithFields(map[string]interface{}{
		"root":  root,
		"files": len(files),
	}).Info("image push started")

	report := &Report{}
	for _, f := range files {
		var prog *Progress
		if opts.OnFileStart != nil {
			prog = opts.OnFileStart(f.remotePath, f.size)
		}

		desc := Descriptor{
			LocalPath:  f.localPath,
			RemotePath: f.remotePath,
			BlockSize:  opts.BlockSize,
			Overwrite:  opts.Overwrite,
		}

		err := Push(ctx, sess, desc, prog)
		switch {
		case err == nil:
			report.Results = append(report.Results, FileResult{
				LocalPath: f.localPath, RemotePath: f.remotePath, Size: f.size,
				Outcome: OutcomeSuccess,
			})
		case errors.Is(err, session.ErrAlreadyExists):
			report.Results = append(report.Results, FileResult{
				LocalPath: f.localPath, RemotePath: f.remotePath, Size: f.size,
				Outcome: OutcomeSkipped, Err: err,
			})
		default:
			report.Results = append(report.Results, FileResult{
				LocalPath: f.localPath, RemotePath: f.remotePath, Size: f.size,
				Outcome: OutcomeFailed, Err: err,
			})
			logging.Log.WithError(err).WithField("file", f.localPath).Error("file push failed")
			if errors.Is(err, session.ErrSessionLost) {
				// No point walking on without a session.
				return report, err
			}
		}
	}

	logging.Log.WithFields(map[string]interface{}{
		"files":  len(report.Results),
		"failed": report.Failed(),
	}).Info("image push finished")
	return report, nil
}

// collectImageFiles walks root and derives each regular file's remote path:
// remoteDir + the file's path relative to root's parent, so the image
// directory's own name stays in the remote layout. Separators normalize
// to '/'.
func collectImageFiles(root, remoteDir string) ([]imageFile, error) {
	base := filepath.Dir(filepath.Clean(root))

	var files []imageFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		remote := filepath.ToSlash(rel)
		if remoteDir != "" {
			remote = strings.TrimSuffix(filepath.ToSlash(remoteDir), "/") + "/" + remote
		}

		files = append(files, imageFile{
			localPath:  path,
			remotePath: remote,
			size:       uint64(info.Size()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}
