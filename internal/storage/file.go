package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"mssqltask/internal/ticket"
	logx "mssqltask/pkg/logx"
)

// FileStore writes ticket snapshots to
// {root}/{YYYYMMDD}/{key}/tickets/t.{key}.{YYYYMMDD}.{HHMMSSmmm}.json.
// Files are written to a temp name and renamed so readers never see partial JSON.
type FileStore struct {
	root string
	log  logx.Logger
}

func NewFileStore(root string, log logx.Logger) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root, log: log}, nil
}

// PathFor returns the snapshot path of t.
func (s *FileStore) PathFor(t *ticket.Ticket) string {
	return ticket.Path(s.root, t.TaskKey, t.Start)
}

func (s *FileStore) Save(ctx context.Context, t *ticket.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := t.Snapshot()
	if err != nil {
		return err
	}
	path := s.PathFor(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Debug("ticket saved", logx.String("path", path), logx.Int("bytes", len(b)))
	return nil
}

func (s *FileStore) Close() error { return nil }
