package exchange

import (
	"context"
	"sync/atomic"

	"subfileExchange/pkg/receipt"
)

// ReceiptSource 为每个出站请求提供一张新收据
type ReceiptSource interface {
	Next(ctx context.Context, endpoint string) (*receipt.Receipt, error)
}

// SequenceReceipts 为同一付款方签发严格递增的序列号，payload 固定。
// 起始值应大于服务端已记录的序列号，例如进程启动时的纳秒时间戳。
type SequenceReceipts struct {
	PayerID string
	Payload []byte
	last    atomic.Uint64
}

func NewSequenceReceipts(payerID string, payload []byte, start uint64) *SequenceReceipts {
	s := &SequenceReceipts{PayerID: payerID, Payload: payload}
	if start > 0 {
		s.last.Store(start - 1)
	}
	return s
}

func (s *SequenceReceipts) Next(ctx context.Context, _ string) (*receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &receipt.Receipt{
		PayerID:        s.PayerID,
		SequenceNumber: s.last.Add(1),
		Payload:        s.Payload,
	}, nil
}
