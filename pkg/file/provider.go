package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultManifestTimeout 从外部数据源拉取清单的默认超时
const DefaultManifestTimeout = 10 * time.Second

// ManifestProvider 按 content id 返回原始清单字节（例如内容寻址网络、HTTP 网关、本地目录）
type ManifestProvider interface {
	Cat(ctx context.Context, contentID string) ([]byte, error)
}

// LoadManifest 拉取、解码并校验清单，并确认清单的 content id 与请求的一致
func LoadManifest(ctx context.Context, provider ManifestProvider, contentID string) (*SubfileManifest, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultManifestTimeout)
		defer cancel()
	}

	raw, err := provider.Cat(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", contentID, err)
	}

	m, err := DecodeManifest(raw)
	if err != nil {
		return nil, err
	}
	if m.ContentID != contentID {
		return nil, fmt.Errorf("%w: requested %s, document declares %s", ErrManifestInvalid, contentID, m.ContentID)
	}

	logrus.WithFields(logrus.Fields{
		"contentId": contentID,
		"chunks":    m.ChunkCount(),
		"size":      m.TotalLength,
	}).Info("Manifest loaded")
	return m, nil
}

// DirProvider 从本地目录读取 <content id>.yaml
type DirProvider struct {
	Dir string
}

func (d DirProvider) Cat(ctx context.Context, contentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ParseContentID(contentID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(d.Dir, contentID+".yaml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, contentID)
		}
		return nil, err
	}
	return data, nil
}
