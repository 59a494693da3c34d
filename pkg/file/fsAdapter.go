// Package file 提供文件系统抽象层
//
// 功能:
//   - 只读打开: 分块、构建清单与本地校验使用 ReadableFile
//   - 随机写入: 下载时按偏移写入 chunk 使用 WritableFile
//   - 可扩展: 支持自定义文件系统适配器
//
// 主要组件:
//   - FileSystemAdapter: 文件系统适配器接口
//   - LocalFileSystemAdapter: 本地文件系统实现
//
// 使用示例:
//
//	adapter := NewLocalFileSystemAdapter()
//	f, err := adapter.Open("/path/to/file")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
package file

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ReadableFile 校验需要的只读文件能力
type ReadableFile interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
	Stat() (fs.FileInfo, error)
}

// WritableFile 下载时按偏移写入的文件能力
type WritableFile interface {
	io.WriterAt
	io.Closer
	Sync() error
	Truncate(size int64) error
}

type FileSystemAdapter interface {
	Open(path string) (ReadableFile, error)
	OpenWritable(path string) (WritableFile, error)
}

type LocalFileSystemAdapter struct{}

func (LocalFileSystemAdapter) Open(path string) (ReadableFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenWritable 打开或创建文件，不截断已有内容，以便断点续传
func (LocalFileSystemAdapter) OpenWritable(path string) (WritableFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func NewLocalFileSystemAdapter() FileSystemAdapter {
	return LocalFileSystemAdapter{}
}
