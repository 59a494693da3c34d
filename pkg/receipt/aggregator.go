package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Accepted 已通过验证与防重放检查的收据，转发给结算聚合器
type Accepted struct {
	Receipt    Receipt           `json:"receipt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ContentID  string            `json:"content_id"`
	ChunkIndex uint32            `json:"chunk_index"`
	RequestID  string            `json:"request_id,omitempty"`
	AcceptedAt time.Time         `json:"accepted_at"`
}

// Aggregator 结算聚合器（外部协作方）
type Aggregator interface {
	Submit(ctx context.Context, a Accepted) error
}

// NopAggregator 丢弃所有收据
type NopAggregator struct{}

func (NopAggregator) Submit(context.Context, Accepted) error { return nil }

// HTTPAggregator 将收据 POST 到聚合器
type HTTPAggregator struct {
	URL    string
	Client *http.Client
}

func NewHTTPAggregator(url string, timeout time.Duration) *HTTPAggregator {
	return &HTTPAggregator{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPAggregator) Submit(ctx context.Context, a Accepted) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode accepted receipt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build aggregator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("submit receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("aggregator returned %d", resp.StatusCode)
	}
	return nil
}

// Forwarder 在后台异步提交收据，提交失败只记录日志，不影响接受/拒绝的结论
type Forwarder struct {
	target  Aggregator
	queue   chan Accepted
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewForwarder 启动一个后台 goroutine；buffer 满时丢弃并记录警告
func NewForwarder(target Aggregator, buffer int, timeout time.Duration) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	f := &Forwarder{
		target:  target,
		queue:   make(chan Accepted, buffer),
		timeout: timeout,
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Enqueue 将收据放入队列，永不阻塞；队列已满或已关闭时返回 false
func (f *Forwarder) Enqueue(a Accepted) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}

	select {
	case f.queue <- a:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"payer":    a.Receipt.PayerID,
			"sequence": a.Receipt.SequenceNumber,
		}).Warn("Settlement queue full, dropping receipt")
		return false
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for a := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		if err := f.target.Submit(ctx, a); err != nil {
			logrus.WithFields(logrus.Fields{
				"payer":    a.Receipt.PayerID,
				"sequence": a.Receipt.SequenceNumber,
			}).Errorf("Failed to forward receipt to aggregator: %v", err)
		}
		cancel()
	}
}

// Close 停止接收并等待队列中的收据提交完
func (f *Forwarder) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
