package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Verifier 外部付费验证能力；错误表示无法得出结论
type Verifier interface {
	Verify(ctx context.Context, r Receipt) (Verdict, error)
}

// StaticVerifier 对所有收据给出同一结论，用于未配置验证服务的节点
type StaticVerifier struct {
	Accept bool
	Reason string
}

func (s StaticVerifier) Verify(ctx context.Context, _ Receipt) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	return Verdict{Accepted: s.Accept, Reason: s.Reason}, nil
}

// HTTPVerifier 将收据 POST 到验证服务，响应为 JSON Verdict
type HTTPVerifier struct {
	URL    string
	Client *http.Client
}

func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, r Receipt) (Verdict, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Verdict{}, fmt.Errorf("encode receipt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("verify receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("verifier returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var verdict Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&verdict); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return verdict, nil
}
