//go:build !linux

package file

import "io"

func rangeHasData(io.Seeker, int64, int64) bool {
	return true
}
