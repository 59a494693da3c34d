package exchange

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/merkleTree"
	"subfileExchange/pkg/receipt"
	"subfileExchange/pkg/store"
)

// ServerOptions 服务端配置
type ServerOptions struct {
	Verifier       receipt.Verifier   // nil 时拒绝所有收据
	Aggregator     receipt.Aggregator // nil 时不转发
	FreeQueryToken string             // 非空时，携带该 bearer token 的请求免付费
	IncludeProofs  bool               // 响应中附带 merkle 证明
	ForwardBuffer  int
	ForwardTimeout time.Duration
	Metrics        *Metrics
}

type servedManifest struct {
	manifest *file.SubfileManifest
	tree     *merkleTree.MerkleTree
}

// Server 付费 chunk 服务端
//
// 处理顺序:
//  0. 解析目标: 未知清单、下标越界、哈希不在清单中 -> ErrNotFound，不消耗收据
//  1. 免费查询 token 匹配 -> 跳过 2、3
//  2. 收据缺失、验证器拒绝或验证器出错 -> ErrPaymentRejected
//  3. 防重放门控: sequence <= lastAccepted -> ErrReplayedReceipt，不读取存储
//  4. 从存储读取 chunk，不存在 -> ErrNotFound
//  5. 返回数据，已接受的收据异步转发给聚合器
type Server struct {
	store     store.ChunkStore
	gate      *receipt.Gate
	opts      ServerOptions
	forwarder *receipt.Forwarder

	mu        sync.RWMutex
	manifests map[string]*servedManifest
}

func NewServer(chunks store.ChunkStore, gate *receipt.Gate, opts ServerOptions) *Server {
	if gate == nil {
		gate = receipt.NewGate(nil)
	}
	if opts.Verifier == nil {
		opts.Verifier = receipt.StaticVerifier{Accept: false, Reason: "no payment verifier configured"}
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 10 * time.Second
	}

	s := &Server{
		store:     chunks,
		gate:      gate,
		opts:      opts,
		manifests: make(map[string]*servedManifest),
	}
	if opts.Aggregator != nil {
		s.forwarder = receipt.NewForwarder(opts.Aggregator, opts.ForwardBuffer, opts.ForwardTimeout)
	}
	return s
}

// Serve 注册一个可供下载的清单
func (s *Server) Serve(m *file.SubfileManifest) error {
	if err := m.Verify(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.ContentID] = &servedManifest{manifest: m, tree: m.Tree()}

	logrus.WithFields(logrus.Fields{
		"contentId": m.ContentID,
		"chunks":    m.ChunkCount(),
	}).Info("Serving subfile")
	return nil
}

// Manifest 返回已注册的清单
func (s *Server) Manifest(contentID string) (*file.SubfileManifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.manifests[contentID]
	if !ok {
		return nil, false
	}
	return sm.manifest, true
}

// ContentIDs 返回所有已注册清单的 content id（已排序）
func (s *Server) ContentIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.manifests))
	for id := range s.manifests {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// HandleChunkRequest 处理一次 chunk 请求
func (s *Server) HandleChunkRequest(ctx context.Context, req ChunkRequest) (*ChunkResponse, error) {
	start := time.Now()
	resp, err := s.handle(ctx, req)

	size := 0
	if resp != nil {
		size = len(resp.Data)
	}
	s.opts.Metrics.observeServed(err, size, time.Since(start))

	fields := logrus.Fields{
		"contentId": req.ContentID,
		"requestId": req.RequestID,
	}
	if resp != nil {
		fields["index"] = resp.Index
	}
	if err != nil {
		logrus.WithFields(fields).Debugf("Chunk request refused: %v", err)
	} else {
		logrus.WithFields(fields).Debug("Chunk request served")
	}
	return resp, err
}

func (s *Server) handle(ctx context.Context, req ChunkRequest) (*ChunkResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sm, index, hash, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	var accepted *receipt.Accepted
	if !s.freeQuery(req.AuthToken) {
		accepted, err = s.admit(ctx, req, index)
		if err != nil {
			return nil, err
		}
	}

	data, err := s.store.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: chunk %d (%s) not in store", ErrNotFound, index, hash.Short())
		}
		if errors.Is(err, store.ErrCorrupt) {
			logrus.WithFields(logrus.Fields{
				"contentId": req.ContentID,
				"index":     index,
				"hash":      hash.String(),
			}).Error("Stored chunk is corrupt")
			return nil, fmt.Errorf("%w: chunk %d unavailable", ErrNotFound, index)
		}
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}

	resp := &ChunkResponse{Index: index, Hash: hash, Data: data}
	if s.opts.IncludeProofs {
		proof, err := sm.tree.Proof(index)
		if err != nil {
			return nil, fmt.Errorf("build proof for chunk %d: %w", index, err)
		}
		resp.Proof = proof
	}

	if accepted != nil && s.forwarder != nil {
		accepted.AcceptedAt = time.Now()
		s.forwarder.Enqueue(*accepted)
	}
	return resp, nil
}

// resolve 确定请求的清单、下标与哈希
func (s *Server) resolve(req ChunkRequest) (*servedManifest, uint32, chunker.Hash, error) {
	if req.Index == nil && req.Hash == nil {
		return nil, 0, chunker.Hash{}, fmt.Errorf("%w: neither index nor hash given", ErrInvalidRequest)
	}

	s.mu.RLock()
	sm, ok := s.manifests[req.ContentID]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, chunker.Hash{}, fmt.Errorf("%w: subfile %s", ErrNotFound, req.ContentID)
	}
	m := sm.manifest

	if req.Index != nil {
		index := *req.Index
		if int(index) >= m.ChunkCount() {
			return nil, 0, chunker.Hash{}, fmt.Errorf("%w: chunk index %d out of range [0, %d)", ErrNotFound, index, m.ChunkCount())
		}
		hash := m.ChunkHashes[index]
		if req.Hash != nil && *req.Hash != hash {
			return nil, 0, chunker.Hash{}, fmt.Errorf("%w: hash %s is not chunk %d", ErrNotFound, req.Hash.Short(), index)
		}
		return sm, index, hash, nil
	}

	index, ok := m.IndexOf(*req.Hash)
	if !ok {
		return nil, 0, chunker.Hash{}, fmt.Errorf("%w: hash %s not in subfile", ErrNotFound, req.Hash.Short())
	}
	return sm, index, *req.Hash, nil
}

func (s *Server) freeQuery(token string) bool {
	if s.opts.FreeQueryToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.FreeQueryToken)) == 1
}

// admit 验证收据并推进序列号
func (s *Server) admit(ctx context.Context, req ChunkRequest, index uint32) (*receipt.Accepted, error) {
	r := req.Receipt
	if r == nil {
		s.opts.Metrics.observeReceipt("missing")
		return nil, fmt.Errorf("%w: missing receipt", ErrPaymentRejected)
	}
	if err := r.Validate(); err != nil {
		s.opts.Metrics.observeReceipt("malformed")
		return nil, fmt.Errorf("%w: %w", ErrPaymentRejected, err)
	}

	verdict, err := s.opts.Verifier.Verify(ctx, *r)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"payer":    r.PayerID,
			"sequence": r.SequenceNumber,
		}).Warnf("Receipt verification failed: %v", err)
		s.opts.Metrics.observeReceipt("verifier_error")
		return nil, fmt.Errorf("%w: verifier unavailable: %w", ErrPaymentRejected, err)
	}
	if !verdict.Accepted {
		s.opts.Metrics.observeReceipt("rejected")
		return nil, fmt.Errorf("%w: %s", ErrPaymentRejected, verdict.Reason)
	}

	if err := s.gate.Admit(ctx, r.PayerID, r.SequenceNumber); err != nil {
		if errors.Is(err, receipt.ErrReplayed) {
			s.opts.Metrics.observeReceipt("replayed")
			return nil, fmt.Errorf("%w: %w", ErrReplayedReceipt, err)
		}
		return nil, err
	}
	s.opts.Metrics.observeReceipt("accepted")

	return &receipt.Accepted{
		Receipt:    *r,
		Metadata:   verdict.Metadata,
		ContentID:  req.ContentID,
		ChunkIndex: index,
		RequestID:  req.RequestID,
	}, nil
}

// Close 等待待转发的收据提交完成
func (s *Server) Close() {
	if s.forwarder != nil {
		s.forwarder.Close()
	}
}
