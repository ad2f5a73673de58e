package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// FileStore persists the dataset as a CSV file.
//
// Save writes to a temporary file in the same directory and renames it over
// the target, so a crash mid-write leaves the previous file intact. The
// dataset version is the first line of the same file ("# version: <v>"), so
// data and version are always replaced together.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// versionPrefix starts the version line of a dataset file.
const versionPrefix = "# version: "

// NewFileStore creates a store for the CSV file at path.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("dataset file path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger.With("component", "file-store")}, nil
}

// Path returns the CSV file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the CSV file. A missing file yields an empty snapshot.
// Lines that cannot be decoded are logged and skipped.
func (s *FileStore) Load(ctx context.Context) (*dataset.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return dataset.EmptySnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	version, err := readVersion(br)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	res, err := dataset.ReadCSV(br)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	for _, reason := range res.Rejected {
		s.logger.Warn("skipping dataset line", "path", s.path, "reason", reason)
	}

	return dataset.NewSnapshot(res.Observations).WithVersion(version), nil
}

// readVersion consumes the version line when the file starts with one.
func readVersion(br *bufio.Reader) (string, error) {
	head, err := br.Peek(len(versionPrefix))
	if err != nil || string(head) != versionPrefix {
		// short or unversioned file; the CSV decoder reports what it finds
		return "", nil
	}
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(strings.TrimPrefix(line, versionPrefix)), nil
}

// Save writes snap atomically.
func (s *FileStore) Save(ctx context.Context, snap *dataset.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	return writeAtomic(s.path, func(w *bufio.Writer) error {
		if v := snap.Version(); v != "" {
			if strings.ContainsAny(v, "\r\n") {
				return fmt.Errorf("dataset version %q contains a line break", v)
			}
			if _, err := w.WriteString(versionPrefix + v + "\n"); err != nil {
				return err
			}
		}
		return dataset.WriteCSV(w, snap)
	})
}

func writeAtomic(path string, write func(*bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
