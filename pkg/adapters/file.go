package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
)

// FileSource reads a dataset container from the local filesystem.
type FileSource struct {
	// Path is the file to read (required).
	Path string
}

func (f *FileSource) Name() string { return "file" }

func (f *FileSource) Location() string { return f.Path }

// Exists reports whether Path names an existing regular file.
func (f *FileSource) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if f.Path == "" {
		return false, nil
	}

	info, err := os.Stat(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", f.Path, err)
	}
	return info.Mode().IsRegular(), nil
}

// Open opens Path for reading.
func (f *FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Path == "" {
		return nil, errors.New("file source: path is required")
	}

	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s: %w", f.Path, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	return file, nil
}
