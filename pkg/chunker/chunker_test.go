package chunker

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		want      []int
	}{
		{"empty", 0, 4, nil},
		{"exact multiple", 12, 4, []int{4, 4, 4}},
		{"short tail", 10, 4, []int{4, 4, 2}},
		{"smaller than chunk", 3, 4, []int{3}},
		{"single byte chunks", 3, 1, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomBytes(t, tt.size)
			chunks, err := Split(bytes.NewReader(data), tt.chunkSize)
			require.NoError(t, err)
			require.Len(t, chunks, len(tt.want))

			var offset int64
			for i, c := range chunks {
				assert.Equal(t, uint32(i), c.Index)
				assert.Equal(t, offset, c.Offset)
				assert.Equal(t, tt.want[i], c.Length)
				assert.Equal(t, data[offset:offset+int64(c.Length)], c.Data)
				assert.Equal(t, Digest(c.Data), c.Hash)
				offset += int64(c.Length)
			}
			assert.Equal(t, ChunkCount(int64(tt.size), tt.chunkSize), len(chunks))
		})
	}
}

func TestSplitDeterministic(t *testing.T) {
	data := randomBytes(t, 64*1024+17)

	first, err := Split(bytes.NewReader(data), 4096)
	require.NoError(t, err)
	second, err := Split(bytes.NewReader(data), 4096)
	require.NoError(t, err)

	assert.Equal(t, Hashes(first), Hashes(second))
}

func TestSplitInvalidChunkSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Split(bytes.NewReader([]byte("abc")), size)
		assert.ErrorIs(t, err, ErrInvalidChunkSize)
	}
}

func TestSplitReadFailure(t *testing.T) {
	_, err := Split(failingReader{}, 16)
	assert.ErrorIs(t, err, ErrIO)
}

func TestSplitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	data := randomBytes(t, 1000)
	require.NoError(t, os.WriteFile(path, data, 0644))

	chunks, err := SplitFile(path, 256)
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
	assert.Equal(t, 1000-3*256, chunks[3].Length)

	_, err = SplitFile(filepath.Join(dir, "missing.bin"), 256)
	assert.ErrorIs(t, err, ErrIO)
}

func TestHashText(t *testing.T) {
	h := Digest([]byte("hello"))
	text, err := h.MarshalText()
	require.NoError(t, err)
	assert.Len(t, text, 64)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, h, parsed)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
	_, err = ParseHash("zz")
	assert.Error(t, err)
}
