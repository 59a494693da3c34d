package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/exchange"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/merkleTree"
	"subfileExchange/pkg/receipt"
	"subfileExchange/pkg/store"
)

type seeded struct {
	data     []byte
	manifest *file.SubfileManifest
	server   *exchange.Server
}

func newSeededServer(t *testing.T, size, chunkSize int) *seeded {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	chunks, err := chunker.Split(bytes.NewReader(data), chunkSize)
	require.NoError(t, err)
	m, err := file.NewManifest(int64(size), chunkSize, chunker.Hashes(chunks))
	require.NoError(t, err)

	s, err := store.NewFSChunkStore(t.TempDir())
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, s.Put(context.Background(), c.Hash, c.Data))
	}

	srv := exchange.NewServer(s, nil, exchange.ServerOptions{
		Verifier:      receipt.StaticVerifier{Accept: true},
		IncludeProofs: true,
	})
	t.Cleanup(srv.Close)
	require.NoError(t, srv.Serve(m))
	return &seeded{data: data, manifest: m, server: srv}
}

func newTestService(t *testing.T, server *exchange.Server, bootstrap ...*P2PService) *P2PService {
	t.Helper()
	cfg := NewP2PConfig()
	cfg.EnableAutoRefresh = false
	cfg.DHTTimeout = 5 * time.Second
	for _, b := range bootstrap {
		ma, err := multiaddr.NewMultiaddr(GetHostAddress(b.Host))
		require.NoError(t, err)
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, ma)
	}

	s, err := NewP2PService(context.Background(), cfg, server)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestManifestValidator(t *testing.T) {
	src := newSeededServer(t, 3000, 1024)
	value, err := file.EncodeManifest(src.manifest)
	require.NoError(t, err)

	other := newSeededServer(t, 500, 128)

	tests := []struct {
		name    string
		key     string
		value   []byte
		wantErr bool
	}{
		{"matching content id", "/subfile/" + src.manifest.ContentID, value, false},
		{"key for another manifest", "/subfile/" + other.manifest.ContentID, value, true},
		{"not a manifest", "/subfile/" + src.manifest.ContentID, []byte("hello"), true},
		{"malformed key", "no-namespace", value, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ManifestValidator{}.Validate(tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	idx, err := ManifestValidator{}.Select("/subfile/x", [][]byte{value, value})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	_, err = ManifestValidator{}.Select("/subfile/x", nil)
	assert.Error(t, err)
}

func TestChunkProtocolLoopback(t *testing.T) {
	src := newSeededServer(t, 5*1024+10, 1024)
	seeder := newTestService(t, src.server)
	leecher := newTestService(t, nil, seeder)

	fetcher := NewP2PFetcher(leecher.Host)
	endpoint := GetHostAddress(seeder.Host)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	index := uint32(2)
	req := exchange.ChunkRequest{
		ContentID: src.manifest.ContentID,
		Index:     &index,
		Receipt:   &receipt.Receipt{PayerID: "payer", SequenceNumber: 1},
	}
	resp, err := fetcher.FetchChunk(ctx, endpoint, req)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), resp.Index)
	assert.Equal(t, src.data[2048:3072], resp.Data)
	assert.Equal(t, src.manifest.ChunkHashes[2], resp.Hash)
	require.NotNil(t, resp.Proof)
	assert.True(t, merkleTree.Verify(chunker.Digest(resp.Data), 2, uint32(src.manifest.ChunkCount()), resp.Proof, src.manifest.Tree().RootHash()))

	// 同一收据再次使用
	_, err = fetcher.FetchChunk(ctx, endpoint, req)
	assert.ErrorIs(t, err, exchange.ErrReplayedReceipt)

	req.Receipt = nil
	_, err = fetcher.FetchChunk(ctx, endpoint, req)
	assert.ErrorIs(t, err, exchange.ErrPaymentRejected)

	missing := uint32(50)
	req.Index = &missing
	req.Receipt = &receipt.Receipt{PayerID: "payer", SequenceNumber: 2}
	_, err = fetcher.FetchChunk(ctx, endpoint, req)
	assert.ErrorIs(t, err, exchange.ErrNotFound)

	// 最后一个 chunk 较短
	last := uint32(5)
	req.Index = &last
	resp, err = fetcher.FetchChunk(ctx, endpoint, req)
	require.NoError(t, err)
	assert.Equal(t, src.data[5*1024:], resp.Data)

	ok, err := fetcher.Available(ctx, endpoint, src.manifest.ContentID)
	require.NoError(t, err)
	assert.True(t, ok)

	other := newSeededServer(t, 100, 64)
	ok, err = fetcher.Available(ctx, endpoint, other.manifest.ContentID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestP2PFetcherBadEndpoint(t *testing.T) {
	leecher := newTestService(t, nil)
	fetcher := NewP2PFetcher(leecher.Host)

	index := uint32(0)
	_, err := fetcher.FetchChunk(context.Background(), "not-a-multiaddr", exchange.ChunkRequest{Index: &index})
	assert.ErrorIs(t, err, exchange.ErrInvalidRequest)

	// 节点不提供 chunk 协议
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	plain := newTestService(t, nil)
	_, err = fetcher.FetchChunk(ctx, GetHostAddress(plain.Host), exchange.ChunkRequest{Index: &index})
	assert.True(t, exchange.IsRetryable(err))
}

func TestFetchFileOverLibp2p(t *testing.T) {
	src := newSeededServer(t, 8*4096+100, 4096)
	seeder := newTestService(t, src.server)
	leecher := newTestService(t, nil, seeder)

	output := filepath.Join(t.TempDir(), "copy.bin")
	chunks, err := store.NewFSChunkStore(t.TempDir())
	require.NoError(t, err)

	client := exchange.NewClient(NewP2PFetcher(leecher.Host), exchange.ClientOptions{
		OutputPath:        output,
		Concurrency:       4,
		VerifyProofs:      true,
		CheckAvailability: true,
		Receipts:          exchange.NewSequenceReceipts("p2p-payer", nil, uint64(time.Now().UnixNano())),
		Retry:             exchange.RetryPolicy{MaxAttempts: 3, RotateAfter: 1},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := client.FetchFile(ctx, src.manifest, chunks, []string{GetHostAddress(seeder.Host)})
	require.NoError(t, err)
	assert.Equal(t, exchange.Complete, result.Status)
	assert.Equal(t, src.manifest.ChunkCount(), result.Fetched)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, src.data, got)
}

func TestManifestDHTRoundTrip(t *testing.T) {
	src := newSeededServer(t, 4096, 1024)
	publisher := newTestService(t, src.server)
	reader := newTestService(t, nil, publisher)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, publisher.PutManifest(ctx, src.manifest))

	// 发布节点本地可读
	local, err := file.LoadManifest(ctx, NewDHTManifestProvider(publisher), src.manifest.ContentID)
	require.NoError(t, err)
	assert.Equal(t, src.manifest.ChunkHashes, local.ChunkHashes)

	// 其他节点通过 DHT 查询
	remote, err := file.LoadManifest(ctx, NewDHTManifestProvider(reader), src.manifest.ContentID)
	require.NoError(t, err)
	assert.Equal(t, src.manifest.ContentID, remote.ContentID)
	assert.Equal(t, src.manifest.TotalLength, remote.TotalLength)

	unknown := newSeededServer(t, 100, 64)
	_, err = reader.GetManifest(ctx, unknown.manifest.ContentID)
	assert.ErrorIs(t, err, file.ErrManifestNotFound)
}
