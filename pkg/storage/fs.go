package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
)

// FSStore 把对象保存为本地文件，key 中的 / 映射为子目录。
type FSStore struct {
	fs afero.Fs
}

// NewFSStore 在 root 目录下存储对象。
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("storage.fs.root is empty")
	}
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FSStore{fs: afero.NewBasePathFs(osFs, root)}, nil
}

// NewFSStoreWith 使用给定的 afero.Fs，测试中传入 afero.NewMemMapFs()。
func NewFSStoreWith(fs afero.Fs) *FSStore {
	return &FSStore{fs: fs}
}

func (s *FSStore) Put(_ context.Context, key string, data []byte, _ string) error {
	name := path.Clean("/" + key)
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", key, err)
	}
	// 先写临时文件再 rename，避免读到写了一半的对象
	tmp := name + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path.Clean("/"+key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(path.Clean("/" + key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	return afero.Exists(s.fs, path.Clean("/"+key))
}

func (s *FSStore) Ping(_ context.Context) error {
	_, err := s.fs.Stat("/")
	return err
}
