package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"subfileExchange/pkg/chunker"
)

// FSChunkStore 把每个 chunk 保存为 dir/<hex hash>
type FSChunkStore struct {
	dir string
}

// NewFSChunkStore 创建存储目录（如不存在）
func NewFSChunkStore(dir string) (*FSChunkStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: chunk directory is empty", chunker.ErrIO)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create chunk directory: %w", chunker.ErrIO, err)
	}
	return &FSChunkStore{dir: dir}, nil
}

func (s *FSChunkStore) Dir() string {
	return s.dir
}

func (s *FSChunkStore) path(hash chunker.Hash) string {
	return filepath.Join(s.dir, hash.String())
}

// Get 读取 chunk，并在返回前重新校验摘要
func (s *FSChunkStore) Get(ctx context.Context, hash chunker.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("%w: read chunk %s: %w", chunker.ErrIO, hash, err)
	}
	if chunker.Digest(data) != hash {
		logrus.WithField("hash", hash.String()).Error("Stored chunk does not match its hash")
		return nil, fmt.Errorf("%w: stored bytes for %s", ErrCorrupt, hash)
	}
	return data, nil
}

// Put 校验后写入 chunk；已存在时直接返回
func (s *FSChunkStore) Put(ctx context.Context, hash chunker.Hash, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if got := chunker.Digest(data); got != hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrCorrupt, hash.Short(), got.Short())
	}

	target := s.path(hash)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("%w: create temp chunk: %w", chunker.ErrIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write chunk %s: %w", chunker.ErrIO, hash.Short(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync chunk %s: %w", chunker.ErrIO, hash.Short(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close chunk %s: %w", chunker.ErrIO, hash.Short(), err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("%w: commit chunk %s: %w", chunker.ErrIO, hash.Short(), err)
	}

	logrus.WithFields(logrus.Fields{
		"hash": hash.Short(),
		"size": len(data),
	}).Debug("Chunk stored")
	return nil
}

func (s *FSChunkStore) Exists(ctx context.Context, hash chunker.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat chunk %s: %w", chunker.ErrIO, hash.Short(), err)
}
