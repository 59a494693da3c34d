package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/exchange"
	"subfileExchange/pkg/merkleTree"
)

const (
	// 协议名定义
	ChunkProtocol  = "/subfileExchange/chunk/1.0.0"
	StatusProtocol = "/subfileExchange/status/1.0.0"

	// 请求行与响应头的大小上限
	MaxRequestSize = 64 * 1024
	MaxHeaderSize  = 64 * 1024
)

// 错误码，响应头中用于还原 exchange 的错误类型
const (
	codePaymentRejected = "payment_rejected"
	codeReplayed        = "replayed"
	codeNotFound        = "not_found"
	codeInvalid         = "invalid"
	codeInternal        = "internal"
)

// chunkHeader 响应头，成功时其后紧跟 Length 字节的 chunk 数据
type chunkHeader struct {
	Code   string                  `json:"code,omitempty"`
	Error  string                  `json:"error,omitempty"`
	Index  uint32                  `json:"index"`
	Hash   chunker.Hash            `json:"hash"`
	Length int                     `json:"length"`
	Proof  *merkleTree.MerkleProof `json:"proof,omitempty"`
}

type statusResponse struct {
	ContentIDs []string `json:"contentIds"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, exchange.ErrPaymentRejected):
		return codePaymentRejected
	case errors.Is(err, exchange.ErrReplayedReceipt):
		return codeReplayed
	case errors.Is(err, exchange.ErrNotFound):
		return codeNotFound
	case errors.Is(err, exchange.ErrInvalidRequest):
		return codeInvalid
	default:
		return codeInternal
	}
}

func errorFromCode(code, msg string) error {
	switch code {
	case codePaymentRejected:
		return fmt.Errorf("%w: %s", exchange.ErrPaymentRejected, msg)
	case codeReplayed:
		return fmt.Errorf("%w: %s", exchange.ErrReplayedReceipt, msg)
	case codeNotFound:
		return fmt.Errorf("%w: %s", exchange.ErrNotFound, msg)
	case codeInvalid:
		return fmt.Errorf("%w: %s", exchange.ErrInvalidRequest, msg)
	default:
		return exchange.NewRetryableError(fmt.Errorf("%w: remote error: %s", exchange.ErrNetwork, msg))
	}
}

// writeLine 写入一行 JSON
func writeLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readLine 读取一行 JSON，max 限制行长度
func readLine(r *bufio.Reader, max int, v interface{}) error {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > max {
			return fmt.Errorf("line exceeds %d bytes", max)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
	return json.Unmarshal(bytes.TrimSpace(line), v)
}

// -----------------------------
// 服务端注册处理器
// -----------------------------

// RegisterChunkHandler 处理付费 chunk 请求
func (p *P2PService) RegisterChunkHandler() {
	p.Host.SetStreamHandler(ChunkProtocol, func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()

		// 检查服务是否已关闭
		select {
		case <-p.Ctx.Done():
			logrus.Debug("Service is shutting down, ignoring chunk request")
			return
		default:
		}

		s.SetReadDeadline(time.Now().Add(p.Config.RequestTimeout))
		var req exchange.ChunkRequest
		if err := readLine(bufio.NewReader(s), MaxRequestSize, &req); err != nil {
			logrus.WithFields(logrus.Fields{
				"remotePeer": remote,
				"error":      err,
				"action":     "read_request",
			}).Warn("invalid chunk request")
			s.SetWriteDeadline(time.Now().Add(p.Config.RequestTimeout))
			_ = writeLine(s, chunkHeader{Code: codeInvalid, Error: err.Error()})
			return
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		ctx, cancel := context.WithTimeout(p.Ctx, p.Config.DataTimeout)
		defer cancel()
		resp, err := p.Exchange.HandleChunkRequest(ctx, req)

		s.SetWriteDeadline(time.Now().Add(p.Config.DataTimeout))
		if err != nil {
			if err := writeLine(s, chunkHeader{Code: errorCode(err), Error: err.Error()}); err != nil {
				logrus.WithField("remotePeer", remote).Debugf("Write error header failed: %v", err)
			}
			return
		}

		header := chunkHeader{
			Index:  resp.Index,
			Hash:   resp.Hash,
			Length: len(resp.Data),
			Proof:  resp.Proof,
		}
		if err := writeLine(s, header); err != nil {
			logrus.WithField("remotePeer", remote).Warnf("Write chunk header failed: %v", err)
			return
		}
		if _, err := s.Write(resp.Data); err != nil {
			logrus.WithFields(logrus.Fields{
				"remotePeer": remote,
				"requestId":  req.RequestID,
			}).Errorf("Send chunk failed: %v", err)
		}
	})
}

// RegisterStatusHandler 返回本节点提供的 content id 列表
func (p *P2PService) RegisterStatusHandler() {
	p.Host.SetStreamHandler(StatusProtocol, func(s network.Stream) {
		defer s.Close()
		s.SetWriteDeadline(time.Now().Add(p.Config.RequestTimeout))
		if err := writeLine(s, statusResponse{ContentIDs: p.Exchange.ContentIDs()}); err != nil {
			logrus.WithField("remotePeer", s.Conn().RemotePeer()).Debugf("Write status failed: %v", err)
		}
	})
}

// -----------------------------
// 客户端
// -----------------------------

// P2PFetcher 通过 libp2p 流下载 chunk，endpoint 为 /ip4/.../tcp/.../p2p/<id> 形式的 multiaddr
type P2PFetcher struct {
	host host.Host
}

func NewP2PFetcher(h host.Host) *P2PFetcher {
	return &P2PFetcher{host: h}
}

// openStream 连接 endpoint 并打开指定协议的流
func (f *P2PFetcher) openStream(ctx context.Context, endpoint string, proto string) (network.Stream, error) {
	info, err := peer.AddrInfoFromString(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %q: %w", exchange.ErrInvalidRequest, endpoint, err)
	}
	if err := f.host.Connect(ctx, *info); err != nil {
		return nil, exchange.NewRetryableError(fmt.Errorf("%w: connect %s: %w", exchange.ErrNetwork, info.ID, err))
	}
	s, err := f.host.NewStream(ctx, info.ID, proto)
	if err != nil {
		return nil, exchange.NewRetryableError(fmt.Errorf("%w: open stream: %w", exchange.ErrNetwork, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	return s, nil
}

func (f *P2PFetcher) FetchChunk(ctx context.Context, endpoint string, req exchange.ChunkRequest) (*exchange.ChunkResponse, error) {
	s, err := f.openStream(ctx, endpoint, ChunkProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := writeLine(s, req); err != nil {
		s.Reset()
		return nil, exchange.NewRetryableError(fmt.Errorf("%w: send request: %w", exchange.ErrNetwork, err))
	}
	if err := s.CloseWrite(); err != nil {
		logrus.WithField("endpoint", endpoint).Debugf("CloseWrite failed: %v", err)
	}

	rdr := bufio.NewReader(io.LimitReader(s, MaxHeaderSize+exchange.MaxChunkSize))
	var header chunkHeader
	if err := readLine(rdr, MaxHeaderSize, &header); err != nil {
		return nil, exchange.NewRetryableError(fmt.Errorf("%w: read response header: %w", exchange.ErrNetwork, err))
	}
	if header.Code != "" {
		return nil, errorFromCode(header.Code, header.Error)
	}
	if header.Length < 0 || header.Length > exchange.MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk length %d exceeds %d bytes", exchange.ErrHashMismatch, header.Length, exchange.MaxChunkSize)
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(rdr, data); err != nil {
		return nil, exchange.NewRetryableError(fmt.Errorf("%w: read chunk: %w", exchange.ErrNetwork, err))
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"index":    header.Index,
		"bytes":    len(data),
	}).Debug("Chunk downloaded over libp2p")
	return &exchange.ChunkResponse{
		Index: header.Index,
		Hash:  header.Hash,
		Data:  data,
		Proof: header.Proof,
	}, nil
}

// Available 通过 status 协议判断节点是否提供 contentID
func (f *P2PFetcher) Available(ctx context.Context, endpoint, contentID string) (bool, error) {
	s, err := f.openStream(ctx, endpoint, StatusProtocol)
	if err != nil {
		return false, err
	}
	defer s.Close()

	var resp statusResponse
	if err := readLine(bufio.NewReader(s), 1<<20, &resp); err != nil {
		return false, exchange.NewRetryableError(fmt.Errorf("%w: read status: %w", exchange.ErrNetwork, err))
	}
	return slices.Contains(resp.ContentIDs, contentID), nil
}
