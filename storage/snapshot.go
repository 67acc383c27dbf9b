package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotSink keeps the HTML of pages that failed to parse, for debugging selectors.
type SnapshotSink interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// DirSink writes snapshots to a local directory.
type DirSink struct {
	dir string
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (d *DirSink) Save(ctx context.Context, name string, data []byte) (string, error) {
	name = strings.ReplaceAll(filepath.Clean("/"+name), string(filepath.Separator), "_")
	name = strings.TrimLeft(name, "_")
	p := filepath.Join(d.dir, name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", err
	}
	return p, nil
}
