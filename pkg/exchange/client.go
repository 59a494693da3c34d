package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/merkleTree"
	"subfileExchange/pkg/store"
)

// FetchStatus 下载结果
type FetchStatus int

const (
	Complete FetchStatus = iota
	PartialFailure
)

func (s FetchStatus) String() string {
	if s == Complete {
		return "complete"
	}
	return "partial_failure"
}

// FetchResult Unrecovered 为重试用尽后仍未恢复的 chunk 下标（升序）
type FetchResult struct {
	Status      FetchStatus
	Unrecovered []uint32
	Fetched     int // 从节点下载并校验通过的 chunk 数
	Reused      int // 本地存储中已有、直接复用的 chunk 数
}

// ClientOptions 客户端配置
type ClientOptions struct {
	Concurrency       int           // 最大并发下载数
	RequestTimeout    time.Duration // 单次请求超时
	Retry             RetryPolicy
	VerifyProofs      bool   // 校验响应中的 merkle 证明
	OutputPath        string // 目标文件；为空时只写入存储
	CheckAvailability bool   // 下载前通过 Available 过滤不提供该文件的节点
	Receipts          ReceiptSource
	AuthToken         string // 免费查询 token，设置后不再附带收据
	Selector          PeerSelector
	ConnManager       *ConnManager
	Clock             clock.Clock
	FS                file.FileSystemAdapter
	Metrics           *Metrics
}

// Client 付费 chunk 下载客户端
type Client struct {
	fetcher Fetcher
	opts    ClientOptions
}

func NewClient(fetcher Fetcher, opts ClientOptions) *Client {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.Selector == nil {
		opts.Selector = &RandomPeerSelector{}
	}
	if opts.ConnManager == nil {
		opts.ConnManager = NewConnManager(opts.Concurrency, DefaultBreakerConfig())
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.FS == nil {
		opts.FS = file.NewLocalFileSystemAdapter()
	}
	return &Client{fetcher: fetcher, opts: opts}
}

// fetchJob 一次 FetchFile 调用的共享状态
type fetchJob struct {
	manifest *file.SubfileManifest
	store    store.ChunkStore
	peers    []string
	output   file.WritableFile

	mu          sync.Mutex
	fetched     int
	reused      int
	unrecovered []uint32
}

// FetchFile 下载清单中本地缺失或损坏的 chunk
//
// 参数:
//   - ctx: 取消时中止所有进行中的请求，已写入的 chunk 保留，可断点续传
//   - m: 已校验的清单
//   - chunks: 本地 chunk 存储，已有的 chunk 直接复用
//   - peers: 候选节点 endpoint
//
// 返回值:
//   - *FetchResult: Complete，或 PartialFailure 与未恢复的下标
//   - error: 清单无效、本地 I/O 失败或 ctx 被取消
func (c *Client) FetchFile(ctx context.Context, m *file.SubfileManifest, chunks store.ChunkStore, peers []string) (*FetchResult, error) {
	if err := m.Verify(); err != nil {
		return nil, err
	}

	needed, err := c.neededChunks(ctx, m, chunks)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"contentId": m.ContentID,
		"chunks":    m.ChunkCount(),
		"needed":    len(needed),
		"peers":     len(peers),
	}).Info("Starting subfile fetch")

	job := &fetchJob{manifest: m, store: chunks}

	if c.opts.OutputPath != "" {
		out, err := c.opts.FS.OpenWritable(c.opts.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("%w: open output %s: %w", chunker.ErrIO, c.opts.OutputPath, err)
		}
		defer out.Close()
		if err := out.Truncate(m.TotalLength); err != nil {
			return nil, fmt.Errorf("%w: resize output %s: %w", chunker.ErrIO, c.opts.OutputPath, err)
		}
		job.output = out
	}

	if len(needed) > 0 {
		job.peers = c.availablePeers(ctx, m.ContentID, peers)
		if err := c.run(ctx, job, needed); err != nil {
			return nil, err
		}
	}

	if job.output != nil {
		if err := job.output.Sync(); err != nil {
			return nil, fmt.Errorf("%w: sync output: %w", chunker.ErrIO, err)
		}
	}

	unrecovered, err := c.incomplete(ctx, m, chunks)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{
		Status:      Complete,
		Unrecovered: unrecovered,
		Fetched:     job.fetched,
		Reused:      job.reused,
	}
	if len(unrecovered) > 0 {
		result.Status = PartialFailure
	}

	logrus.WithFields(logrus.Fields{
		"contentId":   m.ContentID,
		"status":      result.Status.String(),
		"fetched":     result.Fetched,
		"reused":      result.Reused,
		"unrecovered": len(result.Unrecovered),
	}).Info("Subfile fetch finished")
	return result, nil
}

// neededChunks 有输出文件时以本地校验结果为准，否则以存储中是否存在为准
func (c *Client) neededChunks(ctx context.Context, m *file.SubfileManifest, chunks store.ChunkStore) ([]uint32, error) {
	if c.opts.OutputPath != "" {
		statuses, err := file.NewValidator(c.opts.FS).ValidateLocal(c.opts.OutputPath, m)
		if err != nil {
			return nil, err
		}
		return file.Incomplete(statuses), nil
	}
	return c.missingFromStore(ctx, m, chunks)
}

func (c *Client) missingFromStore(ctx context.Context, m *file.SubfileManifest, chunks store.ChunkStore) ([]uint32, error) {
	var missing []uint32
	for i, h := range m.ChunkHashes {
		ok, err := chunks.Exists(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("check chunk %d in store: %w", i, err)
		}
		if !ok {
			missing = append(missing, uint32(i))
		}
	}
	return missing, nil
}

// incomplete 下载结束后重新校验
func (c *Client) incomplete(ctx context.Context, m *file.SubfileManifest, chunks store.ChunkStore) ([]uint32, error) {
	if c.opts.OutputPath != "" {
		statuses, err := file.NewValidator(c.opts.FS).ValidateLocal(c.opts.OutputPath, m)
		if err != nil {
			return nil, err
		}
		return file.Incomplete(statuses), nil
	}
	return c.missingFromStore(ctx, m, chunks)
}

// availablePeers 过滤掉不提供该文件的节点；检查失败的节点保留，由重试逻辑处理
func (c *Client) availablePeers(ctx context.Context, contentID string, peers []string) []string {
	if !c.opts.CheckAvailability || len(peers) == 0 {
		return append([]string(nil), peers...)
	}

	keep := make([]bool, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, endpoint := range peers {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, c.opts.RequestTimeout)
			defer cancel()
			ok, err := c.fetcher.Available(actx, endpoint, contentID)
			if err != nil {
				logrus.WithField("endpoint", endpoint).Warnf("Availability check failed: %v", err)
				keep[i] = true
				return nil
			}
			keep[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, ok := range keep {
		if ok {
			out = append(out, peers[i])
		}
	}
	logrus.WithFields(logrus.Fields{
		"contentId": contentID,
		"available": len(out),
		"total":     len(peers),
	}).Info("Peer availability checked")
	return out
}

// run 使用有界 worker 池下载所有需要的 chunk，chunk 完成顺序不影响结果
func (c *Client) run(ctx context.Context, job *fetchJob, needed []uint32) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for _, index := range needed {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := c.resolveChunk(gctx, job, index)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, chunker.ErrIO) {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"contentId": job.manifest.ContentID,
				"index":     index,
			}).Errorf("Chunk unrecovered: %v", err)
			job.mu.Lock()
			job.unrecovered = append(job.unrecovered, index)
			job.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(job.unrecovered, func(i, j int) bool { return job.unrecovered[i] < job.unrecovered[j] })
	return nil
}

// resolveChunk 优先复用存储中的 chunk，否则从节点下载
func (c *Client) resolveChunk(ctx context.Context, job *fetchJob, index uint32) error {
	hash := job.manifest.ChunkHashes[index]

	data, err := job.store.Get(ctx, hash)
	switch {
	case err == nil:
		if err := c.write(job, index, data); err != nil {
			return err
		}
		c.opts.Metrics.observeChunk("store")
		job.mu.Lock()
		job.reused++
		job.mu.Unlock()
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCorrupt):
	default:
		return fmt.Errorf("read chunk %d from store: %w", index, err)
	}

	data, err = c.fetchChunk(ctx, job, index, hash)
	if err != nil {
		return err
	}
	if err := job.store.Put(ctx, hash, data); err != nil {
		return fmt.Errorf("%w: store chunk %d: %w", chunker.ErrIO, index, err)
	}
	if err := c.write(job, index, data); err != nil {
		return err
	}
	c.opts.Metrics.observeChunk("peer")
	job.mu.Lock()
	job.fetched++
	job.mu.Unlock()
	return nil
}

func (c *Client) write(job *fetchJob, index uint32, data []byte) error {
	if job.output == nil {
		return nil
	}
	offset, _ := job.manifest.ChunkRange(index)
	if _, err := job.output.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write chunk %d at offset %d: %w", chunker.ErrIO, index, offset, err)
	}
	return nil
}

// fetchChunk 按重试策略下载并校验一个 chunk
func (c *Client) fetchChunk(ctx context.Context, job *fetchJob, index uint32, hash chunker.Hash) ([]byte, error) {
	policy := c.opts.Retry
	excluded := make(map[string]bool)
	endpoint := ""
	consecutive := 0
	failures := 0
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if endpoint == "" || consecutive >= policy.RotateAfter {
			next, err := c.selectEndpoint(job.peers, excluded, endpoint)
			if err != nil {
				if lastErr == nil {
					lastErr = err
				}
				break
			}
			endpoint = next
			consecutive = 0
		}

		data, err := c.attempt(ctx, job.manifest, endpoint, index, hash)
		c.opts.Metrics.observeAttempt(err, len(data))
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"index":    index,
			"endpoint": endpoint,
			"attempt":  attempt,
		}).Warnf("Chunk fetch attempt failed: %v", err)

		switch {
		case errors.Is(err, ErrNotFound):
			excluded[endpoint] = true
			endpoint = ""
		case errors.Is(err, ErrPaymentRejected), errors.Is(err, ErrReplayedReceipt):
			// 下一次尝试换节点并使用新收据
			consecutive = policy.RotateAfter
		default:
			consecutive++
			failures++
			if attempt < policy.MaxAttempts {
				if err := sleep(ctx, c.opts.Clock, policy.Delay(failures)); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, fmt.Errorf("chunk %d: attempts exhausted: %w", index, lastErr)
}

// selectEndpoint 排除 NotFound 与熔断中的节点；有其他选择时避开 previous
func (c *Client) selectEndpoint(peers []string, excluded map[string]bool, previous string) (string, error) {
	candidates := make([]string, 0, len(peers))
	for _, p := range peers {
		if excluded[p] || !c.opts.ConnManager.Available(p) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) > 1 && previous != "" {
		if rest := removePeer(candidates, previous); len(rest) > 0 {
			candidates = rest
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoPeers
	}
	return c.opts.Selector.SelectPeer(candidates)
}

// attempt 一次请求：附带收据、超时、哈希与证明校验。只有校验通过的字节才会返回
func (c *Client) attempt(ctx context.Context, m *file.SubfileManifest, endpoint string, index uint32, hash chunker.Hash) ([]byte, error) {
	req := ChunkRequest{ContentID: m.ContentID, Index: &index, AuthToken: c.opts.AuthToken}
	if c.opts.AuthToken == "" && c.opts.Receipts != nil {
		r, err := c.opts.Receipts.Next(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("acquire receipt: %w", err)
		}
		req.Receipt = r
	}

	var data []byte
	err := c.opts.ConnManager.Do(endpoint, func() error {
		actx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()

		resp, err := c.fetcher.FetchChunk(actx, endpoint, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return NewRetryableError(fmt.Errorf("%w: request to %s timed out", ErrNetwork, endpoint))
			}
			return err
		}
		if resp == nil {
			return NewRetryableError(fmt.Errorf("%w: empty response from %s", ErrNetwork, endpoint))
		}

		if got := chunker.Digest(resp.Data); got != hash {
			return NewRetryableError(fmt.Errorf("%w: chunk %d from %s: got %s want %s",
				ErrHashMismatch, index, endpoint, got.Short(), hash.Short()))
		}
		if c.opts.VerifyProofs && !merkleTree.Verify(hash, index, uint32(m.ChunkCount()), resp.Proof, m.MerkleRoot) {
			return NewRetryableError(fmt.Errorf("%w: chunk %d from %s: invalid merkle proof",
				ErrHashMismatch, index, endpoint))
		}
		data = resp.Data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
