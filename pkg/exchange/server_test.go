package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/merkleTree"
	"subfileExchange/pkg/receipt"
	"subfileExchange/pkg/store"
)

// countingStore 统计 Get 调用次数
type countingStore struct {
	store.ChunkStore
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, h chunker.Hash) ([]byte, error) {
	c.gets.Add(1)
	return c.ChunkStore.Get(ctx, h)
}

type serverFixture struct {
	data     []byte
	manifest *file.SubfileManifest
	store    *countingStore
	gate     *receipt.Gate
	verifier *mockVerifier
	server   *Server
}

func newServerFixture(t *testing.T, opts ServerOptions) *serverFixture {
	t.Helper()
	const chunkSize = 1024
	data := randomData(t, 5*chunkSize+100)
	m := testManifest(t, data, chunkSize)

	f := &serverFixture{
		data:     data,
		manifest: m,
		store:    &countingStore{ChunkStore: seededStore(t, data, chunkSize)},
		gate:     receipt.NewGate(nil),
		verifier: new(mockVerifier),
	}
	if opts.Verifier == nil {
		opts.Verifier = f.verifier
	}
	f.server = NewServer(f.store, f.gate, opts)
	t.Cleanup(f.server.Close)
	require.NoError(t, f.server.Serve(m))
	return f
}

func (f *serverFixture) chunk(index uint32) []byte {
	offset, length := f.manifest.ChunkRange(index)
	return f.data[offset : offset+int64(length)]
}

func indexPtr(i uint32) *uint32 { return &i }

func paid(payer string, seq uint64) *receipt.Receipt {
	return &receipt.Receipt{PayerID: payer, SequenceNumber: seq, Payload: []byte("sig")}
}

func TestServerServesPaidChunk(t *testing.T) {
	f := newServerFixture(t, ServerOptions{})
	r := paid("alice", 1)
	f.verifier.On("Verify", mock.Anything, *r).Return(receipt.Verdict{Accepted: true}, nil).Once()

	resp, err := f.server.HandleChunkRequest(context.Background(), ChunkRequest{
		ContentID: f.manifest.ContentID,
		Index:     indexPtr(2),
		Receipt:   r,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), resp.Index)
	assert.Equal(t, f.manifest.ChunkHashes[2], resp.Hash)
	assert.Equal(t, f.chunk(2), resp.Data)
	assert.Nil(t, resp.Proof)

	last, ok, err := f.gate.LastAccepted("alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), last)
	f.verifier.AssertExpectations(t)
}

func TestServerRequestByHash(t *testing.T) {
	f := newServerFixture(t, ServerOptions{})
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(receipt.Verdict{Accepted: true}, nil)

	hash := f.manifest.ChunkHashes[5]
	resp, err := f.server.HandleChunkRequest(context.Background(), ChunkRequest{
		ContentID: f.manifest.ContentID,
		Hash:      &hash,
		Receipt:   paid("alice", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), resp.Index)
	assert.Equal(t, f.chunk(5), resp.Data)
}

func TestServerRejections(t *testing.T) {
	other := chunker.Digest([]byte("not in this subfile"))

	tests := []struct {
		name          string
		req           func(f *serverFixture) ChunkRequest
		verdict       *receipt.Verdict
		verifierErr   error
		wantErr       error
		wantVerify    bool
		wantAdvanced  bool
		wantStoreGets int32
	}{
		{
			name: "unknown subfile",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: "bafkunknown", Index: indexPtr(0), Receipt: paid("p", 1)}
			},
			wantErr: ErrNotFound,
		},
		{
			name: "index out of range",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: f.manifest.ContentID, Index: indexPtr(6), Receipt: paid("p", 1)}
			},
			wantErr: ErrNotFound,
		},
		{
			name: "hash not in manifest",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: f.manifest.ContentID, Hash: &other, Receipt: paid("p", 1)}
			},
			wantErr: ErrNotFound,
		},
		{
			name: "index and hash disagree",
			req: func(f *serverFixture) ChunkRequest {
				h := f.manifest.ChunkHashes[1]
				return ChunkRequest{ContentID: f.manifest.ContentID, Index: indexPtr(0), Hash: &h, Receipt: paid("p", 1)}
			},
			wantErr: ErrNotFound,
		},
		{
			name: "neither index nor hash",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: f.manifest.ContentID, Receipt: paid("p", 1)}
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "missing receipt",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: f.manifest.ContentID, Index: indexPtr(0)}
			},
			wantErr: ErrPaymentRejected,
		},
		{
			name: "receipt without payer",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: f.manifest.ContentID, Index: indexPtr(0), Receipt: &receipt.Receipt{SequenceNumber: 1}}
			},
			wantErr: ErrPaymentRejected,
		},
		{
			name: "verifier rejects",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: f.manifest.ContentID, Index: indexPtr(0), Receipt: paid("p", 1)}
			},
			verdict:    &receipt.Verdict{Accepted: false, Reason: "insufficient collateral"},
			wantErr:    ErrPaymentRejected,
			wantVerify: true,
		},
		{
			name: "verifier unavailable",
			req: func(f *serverFixture) ChunkRequest {
				return ChunkRequest{ContentID: f.manifest.ContentID, Index: indexPtr(0), Receipt: paid("p", 1)}
			},
			verdict:     &receipt.Verdict{},
			verifierErr: errors.New("connection refused"),
			wantErr:     ErrPaymentRejected,
			wantVerify:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, ServerOptions{})
			if tt.verdict != nil {
				f.verifier.On("Verify", mock.Anything, mock.Anything).Return(*tt.verdict, tt.verifierErr)
			}

			_, err := f.server.HandleChunkRequest(context.Background(), tt.req(f))
			require.ErrorIs(t, err, tt.wantErr)

			if tt.wantVerify {
				f.verifier.AssertNumberOfCalls(t, "Verify", 1)
			} else {
				f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
			}

			_, advanced, err := f.gate.LastAccepted("p")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdvanced, advanced, "receipt must not be consumed")
			assert.Equal(t, tt.wantStoreGets, f.store.gets.Load())
		})
	}
}

func TestServerReplayDoesNotReadStore(t *testing.T) {
	f := newServerFixture(t, ServerOptions{})
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(receipt.Verdict{Accepted: true}, nil)
	ctx := context.Background()

	req := ChunkRequest{ContentID: f.manifest.ContentID, Index: indexPtr(0), Receipt: paid("p", 5)}
	_, err := f.server.HandleChunkRequest(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.store.gets.Load())

	_, err = f.server.HandleChunkRequest(ctx, req)
	assert.ErrorIs(t, err, ErrReplayedReceipt)

	req.Receipt = paid("p", 3)
	_, err = f.server.HandleChunkRequest(ctx, req)
	assert.ErrorIs(t, err, ErrReplayedReceipt)

	assert.Equal(t, int32(1), f.store.gets.Load())
}

func TestServerConcurrentIdenticalReceipts(t *testing.T) {
	f := newServerFixture(t, ServerOptions{})
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(receipt.Verdict{Accepted: true}, nil)
	ctx := context.Background()
	require.NoError(t, f.gate.Admit(ctx, "P", 4))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.server.HandleChunkRequest(ctx, ChunkRequest{
				ContentID: f.manifest.ContentID,
				Index:     indexPtr(uint32(i)),
				Receipt:   paid("P", 5),
			})
		}()
	}
	close(start)
	wg.Wait()

	admitted, replayed := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrReplayedReceipt):
			replayed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, replayed)
}

func TestServerAdmittedButChunkMissing(t *testing.T) {
	f := newServerFixture(t, ServerOptions{})
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(receipt.Verdict{Accepted: true}, nil)

	// 清单中存在、存储中不存在的 chunk
	empty := &countingStore{ChunkStore: newStore(t)}
	srv := NewServer(empty, f.gate, ServerOptions{Verifier: f.verifier})
	defer srv.Close()
	require.NoError(t, srv.Serve(f.manifest))

	_, err := srv.HandleChunkRequest(context.Background(), ChunkRequest{
		ContentID: f.manifest.ContentID,
		Index:     indexPtr(0),
		Receipt:   paid("p", 9),
	})
	assert.ErrorIs(t, err, ErrNotFound)

	last, ok, err := f.gate.LastAccepted("p")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(9), last)
}

func TestServerFreeQueryToken(t *testing.T) {
	f := newServerFixture(t, ServerOptions{FreeQueryToken: "s3cret"})
	ctx := context.Background()

	resp, err := f.server.HandleChunkRequest(ctx, ChunkRequest{
		ContentID: f.manifest.ContentID,
		Index:     indexPtr(1),
		AuthToken: "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, f.chunk(1), resp.Data)
	f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)

	_, err = f.server.HandleChunkRequest(ctx, ChunkRequest{
		ContentID: f.manifest.ContentID,
		Index:     indexPtr(1),
		AuthToken: "wrong",
	})
	assert.ErrorIs(t, err, ErrPaymentRejected)
}

func TestServerNoVerifierRejects(t *testing.T) {
	data := randomData(t, 2048)
	m := testManifest(t, data, 1024)
	srv := NewServer(seededStore(t, data, 1024), nil, ServerOptions{})
	defer srv.Close()
	require.NoError(t, srv.Serve(m))

	_, err := srv.HandleChunkRequest(context.Background(), ChunkRequest{
		ContentID: m.ContentID,
		Index:     indexPtr(0),
		Receipt:   paid("p", 1),
	})
	assert.ErrorIs(t, err, ErrPaymentRejected)
}

func TestServerIncludesProofs(t *testing.T) {
	f := newServerFixture(t, ServerOptions{IncludeProofs: true, FreeQueryToken: "t"})

	for i := uint32(0); i < uint32(f.manifest.ChunkCount()); i++ {
		resp, err := f.server.HandleChunkRequest(context.Background(), ChunkRequest{
			ContentID: f.manifest.ContentID,
			Index:     indexPtr(i),
			AuthToken: "t",
		})
		require.NoError(t, err)
		require.NotNil(t, resp.Proof)
		assert.True(t, merkleTree.Verify(resp.Hash, i, uint32(f.manifest.ChunkCount()), resp.Proof, f.manifest.MerkleRoot))
	}
}

func TestServerForwardsAcceptedReceipts(t *testing.T) {
	agg := new(mockAggregator)
	agg.On("Submit", mock.Anything, mock.MatchedBy(func(a receipt.Accepted) bool {
		return a.Receipt.PayerID == "alice" && a.Receipt.SequenceNumber == 7 &&
			a.ChunkIndex == 3 && a.Metadata["allocation"] == "a-1" && !a.AcceptedAt.IsZero()
	})).Return(nil).Once()

	f := newServerFixture(t, ServerOptions{Aggregator: agg, ForwardTimeout: time.Second})
	f.verifier.On("Verify", mock.Anything, mock.Anything).
		Return(receipt.Verdict{Accepted: true, Metadata: map[string]string{"allocation": "a-1"}}, nil)

	_, err := f.server.HandleChunkRequest(context.Background(), ChunkRequest{
		ContentID: f.manifest.ContentID,
		Index:     indexPtr(3),
		Receipt:   paid("alice", 7),
		RequestID: "req-1",
	})
	require.NoError(t, err)

	// 被拒绝的请求不转发
	_, err = f.server.HandleChunkRequest(context.Background(), ChunkRequest{
		ContentID: f.manifest.ContentID,
		Index:     indexPtr(3),
		Receipt:   paid("alice", 7),
	})
	require.ErrorIs(t, err, ErrReplayedReceipt)

	f.server.Close()
	agg.AssertExpectations(t)
}

func TestServerAggregatorFailureDoesNotAffectResponse(t *testing.T) {
	agg := new(mockAggregator)
	agg.On("Submit", mock.Anything, mock.Anything).Return(errors.New("aggregator down"))

	f := newServerFixture(t, ServerOptions{Aggregator: agg})
	f.verifier.On("Verify", mock.Anything, mock.Anything).Return(receipt.Verdict{Accepted: true}, nil)

	resp, err := f.server.HandleChunkRequest(context.Background(), ChunkRequest{
		ContentID: f.manifest.ContentID,
		Index:     indexPtr(0),
		Receipt:   paid("bob", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, f.chunk(0), resp.Data)
}

func TestServeRejectsInvalidManifest(t *testing.T) {
	f := newServerFixture(t, ServerOptions{})
	bad := *f.manifest
	bad.MerkleRoot = chunker.Digest([]byte("wrong"))
	assert.ErrorIs(t, f.server.Serve(&bad), file.ErrManifestInvalid)
	assert.Equal(t, []string{f.manifest.ContentID}, f.server.ContentIDs())
}
