// Package exchange 提供付费 chunk 交换协议的客户端与服务端
//
// 核心功能:
//   - Client: 根据清单找出缺失/损坏的 chunk，从多个节点并发拉取、校验并写入本地
//   - Server: 按 收据验证 -> 防重放 -> 存储读取 的顺序响应 chunk 请求
//   - Fetcher: 传输层抽象，HTTP (HTTPFetcher) 与 libp2p (p2p.P2PFetcher) 两种实现
//   - ConnManager: 每个节点的统计信息、并发配额与熔断器
//   - PeerSelector: 节点选择策略（随机、轮询）
//
// 重试策略:
//   - 网络错误、超时、哈希不一致: 指数退避后重试，连续失败 RotateAfter 次后换节点
//   - NotFound: 立即换节点，该 chunk 不再请求此节点
//   - PaymentRejected / ReplayedReceipt: 换节点并使用新的收据，不退避
//   - 尝试次数用尽: chunk 记入 FetchResult.Unrecovered
//
// 使用示例:
//
//	client := exchange.NewClient(exchange.NewHTTPFetcher(30*time.Second), exchange.ClientOptions{
//	    OutputPath: "/data/movie.mkv",
//	    Receipts:   exchange.NewSequenceReceipts("payer-1", nil, uint64(time.Now().UnixNano())),
//	})
//	result, err := client.FetchFile(ctx, manifest, chunkStore, []string{"http://10.0.0.2:7600"})
//	if err != nil {
//	    return err
//	}
//	if result.Status != exchange.Complete {
//	    log.Printf("unrecovered chunks: %v", result.Unrecovered)
//	}
package exchange

import (
	"context"
	"errors"
	"fmt"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/merkleTree"
	"subfileExchange/pkg/receipt"
)

// MaxChunkSize 单个 chunk 响应的上限，防止对端无限写入
const MaxChunkSize = 16 * 1024 * 1024

var (
	ErrHashMismatch    = errors.New("chunk hash mismatch")
	ErrNetwork         = errors.New("network error")
	ErrPaymentRejected = errors.New("payment rejected")
	ErrReplayedReceipt = errors.New("replayed receipt")
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNoPeers         = errors.New("no peers available")
)

// RetryableError 标记可以重试的临时错误
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable 超时、网络错误以及显式包装的 RetryableError 可以重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrHashMismatch)
}

// ChunkRequest 按下标或哈希请求 chunk，二者至少给出一个
type ChunkRequest struct {
	ContentID string           `json:"contentId"`
	Index     *uint32          `json:"index,omitempty"`
	Hash      *chunker.Hash    `json:"hash,omitempty"`
	Receipt   *receipt.Receipt `json:"receipt,omitempty"`
	AuthToken string           `json:"authToken,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
}

// ChunkResponse Proof 只在服务端开启 IncludeProofs 时返回
type ChunkResponse struct {
	Index uint32                  `json:"index"`
	Hash  chunker.Hash            `json:"hash"`
	Data  []byte                  `json:"-"`
	Proof *merkleTree.MerkleProof `json:"proof,omitempty"`
}

// Fetcher 传输层能力，endpoint 的格式由实现决定（HTTP base URL 或 libp2p multiaddr）
type Fetcher interface {
	FetchChunk(ctx context.Context, endpoint string, req ChunkRequest) (*ChunkResponse, error)
	Available(ctx context.Context, endpoint, contentID string) (bool, error)
}
