package p2p

// 多节点测试
//
// 测试范围:
//   - 每个服务节点只持有部分 chunk，客户端跨节点拼出完整文件
//   - 多个客户端并发下载同一文件
//   - 清单经中间节点在 DHT 中传播
//
// go test -short 跳过本文件中的测试

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/exchange"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/receipt"
	"subfileExchange/pkg/store"
)

// setupPartialSeeders 创建 numNodes 个服务节点，节点 i 只持有下标 idx%numNodes == i 的 chunk
func setupPartialSeeders(t *testing.T, numNodes, size, chunkSize int) ([]byte, *file.SubfileManifest, []*P2PService) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	chunks, err := chunker.Split(bytes.NewReader(data), chunkSize)
	require.NoError(t, err)
	m, err := file.NewManifest(int64(size), chunkSize, chunker.Hashes(chunks))
	require.NoError(t, err)

	nodes := make([]*P2PService, numNodes)
	for i := 0; i < numNodes; i++ {
		s, err := store.NewFSChunkStore(t.TempDir())
		require.NoError(t, err)
		for idx, c := range chunks {
			if idx%numNodes == i {
				require.NoError(t, s.Put(context.Background(), c.Hash, c.Data))
			}
		}

		srv := exchange.NewServer(s, nil, exchange.ServerOptions{
			Verifier:      receipt.StaticVerifier{Accept: true},
			IncludeProofs: true,
		})
		t.Cleanup(srv.Close)
		require.NoError(t, srv.Serve(m))

		if i == 0 {
			nodes[i] = newTestService(t, srv)
		} else {
			nodes[i] = newTestService(t, srv, nodes[0])
		}
	}
	return data, m, nodes
}

func endpoints(nodes []*P2PService) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = GetHostAddress(n.Host)
	}
	return out
}

func TestMultiNodePartialSeeders(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping multi-node test in short mode")
	}

	data, m, seeders := setupPartialSeeders(t, 3, 12*2048+77, 2048)
	leecher := newTestService(t, nil, seeders[0])

	output := filepath.Join(t.TempDir(), "copy.bin")
	chunks, err := store.NewFSChunkStore(t.TempDir())
	require.NoError(t, err)

	client := exchange.NewClient(NewP2PFetcher(leecher.Host), exchange.ClientOptions{
		OutputPath:   output,
		Concurrency:  2,
		VerifyProofs: true,
		Receipts:     exchange.NewSequenceReceipts("multi-payer", nil, uint64(time.Now().UnixNano())),
		Selector:     &exchange.RoundRobinPeerSelector{},
		Retry:        exchange.RetryPolicy{MaxAttempts: 8, RotateAfter: 1, InitialDelay: time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	result, err := client.FetchFile(ctx, m, chunks, endpoints(seeders))
	require.NoError(t, err)
	require.Equal(t, exchange.Complete, result.Status, "unrecovered: %v", result.Unrecovered)
	assert.Equal(t, m.ChunkCount(), result.Fetched)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMultiNodeConcurrentDownloads(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping multi-node test in short mode")
	}

	data, m, seeders := setupPartialSeeders(t, 2, 8*1024, 1024)
	peers := endpoints(seeders)

	const numClients = 3
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, numClients)
	outputs := make([]string, numClients)

	for i := 0; i < numClients; i++ {
		leecher := newTestService(t, nil, seeders[0])
		chunks, err := store.NewFSChunkStore(t.TempDir())
		require.NoError(t, err)
		outputs[i] = filepath.Join(t.TempDir(), fmt.Sprintf("copy-%d.bin", i))

		client := exchange.NewClient(NewP2PFetcher(leecher.Host), exchange.ClientOptions{
			OutputPath:  outputs[i],
			Concurrency: 1,
			Receipts:    exchange.NewSequenceReceipts(fmt.Sprintf("payer-%d", i), nil, 1),
			Retry:       exchange.RetryPolicy{MaxAttempts: 4, RotateAfter: 1, InitialDelay: time.Millisecond},
		})

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := client.FetchFile(ctx, m, chunks, peers)
			if err != nil {
				errChan <- fmt.Errorf("client %d: %w", idx, err)
				return
			}
			if result.Status != exchange.Complete {
				errChan <- fmt.Errorf("client %d: unrecovered %v", idx, result.Unrecovered)
			}
		}(i)
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		require.NoError(t, err)
	}

	for _, out := range outputs {
		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestMultiNodeManifestPropagation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping multi-node test in short mode")
	}

	src := newSeededServer(t, 3*1024, 1024)
	publisher := newTestService(t, src.server)
	relay := newTestService(t, nil, publisher)
	reader := newTestService(t, nil, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, publisher.PutManifest(ctx, src.manifest))

	m, err := file.LoadManifest(ctx, NewDHTManifestProvider(reader), src.manifest.ContentID)
	require.NoError(t, err)
	assert.Equal(t, src.manifest.MerkleRoot, m.MerkleRoot)

	// 从清单中获得的信息足以直接向发布节点下载
	output := filepath.Join(t.TempDir(), "copy.bin")
	chunks, err := store.NewFSChunkStore(t.TempDir())
	require.NoError(t, err)
	client := exchange.NewClient(NewP2PFetcher(reader.Host), exchange.ClientOptions{
		OutputPath: output,
		Receipts:   exchange.NewSequenceReceipts("reader", nil, 1),
	})
	result, err := client.FetchFile(ctx, m, chunks, []string{GetHostAddress(publisher.Host)})
	require.NoError(t, err)
	assert.Equal(t, exchange.Complete, result.Status)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, src.data, got)
}
