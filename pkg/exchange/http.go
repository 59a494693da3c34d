package exchange

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"subfileExchange/pkg/chunker"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/merkleTree"
	"subfileExchange/pkg/receipt"
)

const (
	HeaderRequestID   = "X-Request-ID"
	HeaderChunkHash   = "X-Chunk-Hash"
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderMerkleProof = "X-Merkle-Proof"
)

// APIResponse 统一的 JSON 响应格式
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatusInfo GET /status 的数据
type StatusInfo struct {
	ContentIDs []string `json:"contentIds"`
}

// NodeInfo 节点的版本与运营者信息
type NodeInfo struct {
	Version  string `json:"version"`
	Operator string `json:"operator,omitempty"`
}

// HTTPHandler 交换服务的 HTTP 接口
//
// 路由:
//   - GET /                                    就绪检查
//   - GET /health                              健康检查
//   - GET /status                              已提供的 content id
//   - GET /version, /operator                  节点信息
//   - GET /subfiles/id/{id}                    清单 YAML
//   - GET /subfiles/id/{id}/chunks/{index}     按下标取 chunk（付费）
//   - GET /subfiles/id/{id}/hashes/{hash}      按哈希取 chunk（付费）
//   - GET /metrics                             Prometheus 指标
type HTTPHandler struct {
	server  *Server
	info    NodeInfo
	metrics *Metrics
	router  *http.ServeMux
}

func NewHTTPHandler(server *Server, info NodeInfo, metrics *Metrics) *HTTPHandler {
	h := &HTTPHandler{
		server:  server,
		info:    info,
		metrics: metrics,
		router:  http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *HTTPHandler) registerRoutes() {
	h.router.HandleFunc("GET /{$}", h.handleReady)
	h.router.HandleFunc("GET /health", h.handleHealth)
	h.router.HandleFunc("GET /status", h.handleStatus)
	h.router.HandleFunc("GET /version", h.handleVersion)
	h.router.HandleFunc("GET /operator", h.handleOperator)

	h.router.HandleFunc("GET /subfiles/id/{id}", h.handleManifest)
	h.router.HandleFunc("GET /subfiles/id/{id}/chunks/{index}", h.handleChunkByIndex)
	h.router.HandleFunc("GET /subfiles/id/{id}/hashes/{hash}", h.handleChunkByHash)

	h.router.Handle("GET /metrics", h.metrics.Handler())
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(HeaderRequestID, requestID)
	}
	w.Header().Set(HeaderRequestID, requestID)
	h.router.ServeHTTP(w, r)
}

// respondJSON 发送JSON响应
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError 发送错误响应
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, APIResponse{Success: false, Error: message})
}

// respondSuccess 发送成功响应
func respondSuccess(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// statusFor 将交换错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPaymentRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrReplayedReceipt):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Ready to roll!")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]string{
		"status":  "ok",
		"service": "subfile-exchange",
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, StatusInfo{ContentIDs: h.server.ContentIDs()})
}

func (h *HTTPHandler) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]string{"version": h.info.Version})
}

func (h *HTTPHandler) handleOperator(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]string{"operator": h.info.Operator})
}

func (h *HTTPHandler) handleManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := h.server.Manifest(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("subfile %s not served", id))
		return
	}
	data, err := file.EncodeManifest(m)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *HTTPHandler) handleChunkByIndex(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid chunk index %q", r.PathValue("index")))
		return
	}
	idx := uint32(index)
	h.serveChunk(w, r, ChunkRequest{Index: &idx})
}

func (h *HTTPHandler) handleChunkByHash(w http.ResponseWriter, r *http.Request) {
	hash, err := chunker.ParseHash(r.PathValue("hash"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serveChunk(w, r, ChunkRequest{Hash: &hash})
}

func (h *HTTPHandler) serveChunk(w http.ResponseWriter, r *http.Request, req ChunkRequest) {
	req.ContentID = r.PathValue("id")
	req.RequestID = r.Header.Get(HeaderRequestID)

	if _, err := file.ParseContentID(req.ContentID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if value := r.Header.Get(receipt.HeaderName); value != "" {
		rec, err := receipt.DecodeHeader(value)
		if err != nil {
			// 无法解析的收据按付款被拒处理，与 libp2p 通道一致
			respondError(w, http.StatusPaymentRequired, fmt.Errorf("%w: %w", ErrPaymentRejected, err).Error())
			return
		}
		req.Receipt = rec
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		req.AuthToken = strings.TrimSpace(token)
	}

	resp, err := h.server.HandleChunkRequest(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logrus.WithField("requestId", req.RequestID).Errorf("Chunk request failed: %v", err)
		}
		respondError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Data)))
	w.Header().Set(HeaderChunkHash, resp.Hash.String())
	w.Header().Set(HeaderChunkIndex, strconv.FormatUint(uint64(resp.Index), 10))
	if resp.Proof != nil {
		encoded, err := encodeProofHeader(resp.Proof)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set(HeaderMerkleProof, encoded)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Data); err != nil {
		logrus.WithField("requestId", req.RequestID).Warnf("Send chunk failed: %v", err)
	}
}

func encodeProofHeader(p *merkleTree.MerkleProof) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode proof: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeProofHeader(value string) (*merkleTree.MerkleProof, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode proof header: %w", err)
	}
	var p merkleTree.MerkleProof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	return &p, nil
}
