// Package receipt 提供付费收据的数据模型、外部验证接口与防重放门控
//
// 核心功能:
//   - Receipt: 不透明的付费证明 (payer_id, sequence_number, payload)
//   - Verifier: 外部验证器，返回接受/拒绝及收据元数据
//   - Gate: 按付款方原子地检查并推进最后接受的序列号
//   - Aggregator: 接受的收据转发给结算聚合器
//
// 防重放规则:
//   - sequence_number <= lastAccepted[payer] 的收据被拒绝 (ErrReplayed)
//   - 否则 lastAccepted[payer] = sequence_number
//   - 序列号只增不减，不会回滚
//
// 使用示例:
//
//	gate := receipt.NewGate(receipt.NewMemorySequenceStore())
//	if err := gate.Admit(ctx, r.PayerID, r.SequenceNumber); err != nil {
//	    return err // errors.Is(err, receipt.ErrReplayed)
//	}
package receipt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// HeaderName HTTP 请求中携带收据的 header
const HeaderName = "X-Exchange-Receipt"

var (
	// ErrReplayed 收据序列号不大于最后接受的序列号
	ErrReplayed = errors.New("receipt replayed")
	// ErrMalformed 收据无法解析或缺少付款方
	ErrMalformed = errors.New("malformed receipt")
)

// Receipt payload 对本系统不透明，密码学校验交给 Verifier
type Receipt struct {
	PayerID        string `json:"payer_id"`
	SequenceNumber uint64 `json:"sequence_number"`
	Payload        []byte `json:"payload,omitempty"`
}

// Verdict 外部验证器的结论
type Verdict struct {
	Accepted bool              `json:"accepted"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r Receipt) Validate() error {
	if r.PayerID == "" {
		return fmt.Errorf("%w: empty payer id", ErrMalformed)
	}
	return nil
}

// EncodeHeader 编码为 base64url(JSON)，用于 HTTP header
func (r Receipt) EncodeHeader() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeHeader 解析 EncodeHeader 的输出
func DecodeHeader(value string) (*Receipt, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
