package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/receipt"
)

// HTTPFetcher 通过 HTTP 接口下载 chunk，endpoint 为服务端的 base URL
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func chunkURL(endpoint string, req ChunkRequest) (string, error) {
	base := strings.TrimRight(endpoint, "/") + "/subfiles/id/" + req.ContentID
	switch {
	case req.Index != nil:
		return base + "/chunks/" + strconv.FormatUint(uint64(*req.Index), 10), nil
	case req.Hash != nil:
		return base + "/hashes/" + req.Hash.String(), nil
	default:
		return "", fmt.Errorf("%w: neither index nor hash given", ErrInvalidRequest)
	}
}

func (f *HTTPFetcher) FetchChunk(ctx context.Context, endpoint string, req ChunkRequest) (*ChunkResponse, error) {
	url, err := chunkURL(endpoint, req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Receipt != nil {
		value, err := req.Receipt.EncodeHeader()
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set(receipt.HeaderName, value)
	}
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}
	if req.RequestID != "" {
		httpReq.Header.Set(HeaderRequestID, req.RequestID)
	}

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("%w: GET %s: %w", ErrNetwork, url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}

	limited := &io.LimitedReader{R: resp.Body, N: MaxChunkSize + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("%w: read chunk body: %w", ErrNetwork, err))
	}
	if len(data) > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk larger than %d bytes", ErrHashMismatch, MaxChunkSize)
	}

	out := &ChunkResponse{Data: data}
	if v := resp.Header.Get(HeaderChunkHash); v != "" {
		if out.Hash, err = chunker.ParseHash(v); err != nil {
			return nil, NewRetryableError(fmt.Errorf("%w: %w", ErrHashMismatch, err))
		}
	}
	if v := resp.Header.Get(HeaderChunkIndex); v != "" {
		index, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, NewRetryableError(fmt.Errorf("%w: bad %s header: %w", ErrNetwork, HeaderChunkIndex, err))
		}
		out.Index = uint32(index)
	}
	if v := resp.Header.Get(HeaderMerkleProof); v != "" {
		if out.Proof, err = decodeProofHeader(v); err != nil {
			return nil, NewRetryableError(fmt.Errorf("%w: %w", ErrHashMismatch, err))
		}
	}
	return out, nil
}

// errorFromResponse 将 HTTP 状态码还原为交换错误
func errorFromResponse(resp *http.Response) error {
	var body APIResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrPaymentRejected, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrReplayedReceipt, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return NewRetryableError(fmt.Errorf("%w: server returned %d: %s", ErrNetwork, resp.StatusCode, msg))
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
}

// Available 通过 GET /status 判断节点是否提供 contentID
func (f *HTTPFetcher) Available(ctx context.Context, endpoint, contentID string) (bool, error) {
	url := strings.TrimRight(endpoint, "/") + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return false, NewRetryableError(fmt.Errorf("%w: GET %s: %w", ErrNetwork, url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errorFromResponse(resp)
	}

	var body struct {
		Success bool       `json:"success"`
		Data    StatusInfo `json:"data"`
		Error   string     `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return false, fmt.Errorf("decode status: %w", err)
	}
	return slices.Contains(body.Data.ContentIDs, contentID), nil
}

// HTTPManifestProvider 从交换服务的 GET /subfiles/id/{id} 读取清单
type HTTPManifestProvider struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPManifestProvider(baseURL string, timeout time.Duration) *HTTPManifestProvider {
	return &HTTPManifestProvider{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPManifestProvider) Cat(ctx context.Context, contentID string) ([]byte, error) {
	url := strings.TrimRight(p.BaseURL, "/") + "/subfiles/id/" + contentID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", file.ErrManifestNotFound, contentID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
