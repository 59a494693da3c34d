//go:build linux

package file

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// rangeHasData 用 SEEK_DATA 判断 [offset, offset+length) 内是否有已写入的数据。
// 不支持 SEEK_DATA 的文件系统会把整个文件视为数据。
func rangeHasData(f io.Seeker, offset, length int64) bool {
	next, err := f.Seek(offset, unix.SEEK_DATA)
	if err != nil {
		// ENXIO: offset 之后全是空洞
		return !errors.Is(err, unix.ENXIO)
	}
	return next < offset+length
}
