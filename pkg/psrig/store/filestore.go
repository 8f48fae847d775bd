// Package store persists captured frames and the manifest that describes each run.
package store

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/tiff"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
	"github.com/nik9play/psrig/pkg/psrig/util"
)

const (
	tiffExtension    = "tiff"
	encodedExtension = "raw"

	// rename gives up after this many numbered candidates
	maxRenameAttempts = 10000
)

var (
	// ErrFileExists is returned by Save under PolicySkip when the file name is taken
	ErrFileExists = errors.New("file already exists")

	// ErrBadFrame is returned for frames whose pixel data does not match their size
	ErrBadFrame = errors.New("frame pixel data does not match its dimensions")
)

// RunInfo identifies the run a frame belongs to
type RunInfo struct {
	ID        string
	Kind      ImageKind
	Mode      string
	StartedAt time.Time
}

// FileStore writes frames into a single output directory as <kind>_<light>.<ext>
type FileStore struct {
	logger *zap.SugaredLogger
	dir    string
	policy ConflictPolicy

	// name resolution and file creation must not interleave
	mu sync.Mutex
}

// NewFileStore creates the output directory if needed
func NewFileStore(logger *zap.SugaredLogger, dir string, policy ConflictPolicy) (*FileStore, error) {
	logger = logger.Named("store")

	if _, err := ParseConflictPolicy(string(policy)); err != nil {
		return nil, err
	}

	if err := util.EnsureDirExists(dir); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	logger.Debugw("Created file store instance", "dir", dir, "policy", policy)

	return &FileStore{
		logger: logger,
		dir:    dir,
		policy: policy,
	}, nil
}

// Dir returns the output directory
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Save writes one frame and returns the path it was written to
func (fs *FileStore) Save(run RunInfo, light protocol.LightID, frame protocol.Frame) (string, error) {
	ext := frameExtension(frame)
	base := fmt.Sprintf("%s_%s", run.Kind, light)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, err := fs.resolve(base, ext)
	if err != nil {
		return "", err
	}

	if err := writeFrame(path, frame); err != nil {
		return "", err
	}

	fs.logger.Infow("Saved frame", "run", run.ID, "light", light, "path", path)

	return path, nil
}

func frameExtension(frame protocol.Frame) string {
	if frame.Pix != nil {
		return tiffExtension
	}
	if frame.Ext != "" {
		return frame.Ext
	}

	return encodedExtension
}

func (fs *FileStore) resolve(base, ext string) (string, error) {
	path := filepath.Join(fs.dir, base+"."+ext)
	if !util.FileExists(path) {
		return path, nil
	}

	switch fs.policy {
	case PolicyOverwrite:
		fs.logger.Infow("Overwriting existing file", "path", path)
		return path, nil

	case PolicySkip:
		return "", fmt.Errorf("%w: %s", ErrFileExists, path)
	}

	for counter := 1; counter <= maxRenameAttempts; counter++ {
		candidate := filepath.Join(fs.dir, fmt.Sprintf("%s_%d.%s", base, counter, ext))
		if !util.FileExists(candidate) {
			fs.logger.Debugw("File exists, renamed", "existing", path, "path", candidate)
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no free file name for %s after %d attempts", base, maxRenameAttempts)
}

func writeFrame(path string, frame protocol.Frame) error {
	if frame.Pix == nil {
		if err := os.WriteFile(path, frame.Encoded, 0644); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		return nil
	}

	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Pix) != frame.Width*frame.Height {
		return fmt.Errorf("%w: %dx%d with %d samples", ErrBadFrame, frame.Width, frame.Height, len(frame.Pix))
	}

	img := image.NewGray(image.Rect(0, 0, frame.Width, frame.Height))
	copy(img.Pix, frame.Pix)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create frame file: %w", err)
	}

	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode tiff: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close frame file: %w", err)
	}

	return nil
}
