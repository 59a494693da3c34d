package receipt

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// SequenceStore 保存每个付款方最后接受的序列号。
// Advance 必须原子地完成“检查 + 设置”：只有 seq 大于已记录值（或尚无记录）时才写入并返回 true。
type SequenceStore interface {
	Advance(payer string, seq uint64) (admitted bool, last uint64, err error)
	Last(payer string) (last uint64, ok bool, err error)
}

// Gate 服务端防重放门控，是系统中唯一的共享可变状态
type Gate struct {
	seqs SequenceStore
}

func NewGate(seqs SequenceStore) *Gate {
	if seqs == nil {
		seqs = NewMemorySequenceStore()
	}
	return &Gate{seqs: seqs}
}

// Admit 推进 payer 的序列号；重放返回 ErrReplayed
func (g *Gate) Admit(ctx context.Context, payer string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if payer == "" {
		return fmt.Errorf("%w: empty payer id", ErrMalformed)
	}

	admitted, last, err := g.seqs.Advance(payer, seq)
	if err != nil {
		return fmt.Errorf("advance sequence for %s: %w", payer, err)
	}
	if !admitted {
		logrus.WithFields(logrus.Fields{
			"payer":        payer,
			"sequence":     seq,
			"lastAccepted": last,
		}).Warn("Rejected replayed receipt")
		return fmt.Errorf("%w: payer %s sequence %d <= %d", ErrReplayed, payer, seq, last)
	}
	return nil
}

// LastAccepted 返回 payer 最后接受的序列号
func (g *Gate) LastAccepted(payer string) (uint64, bool, error) {
	return g.seqs.Last(payer)
}

// MemorySequenceStore 进程内实现，用互斥锁串行化检查与设置
type MemorySequenceStore struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewMemorySequenceStore() *MemorySequenceStore {
	return &MemorySequenceStore{last: make(map[string]uint64)}
}

func (m *MemorySequenceStore) Advance(payer string, seq uint64) (bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.last[payer]
	if ok && seq <= last {
		return false, last, nil
	}
	m.last[payer] = seq
	return true, seq, nil
}

func (m *MemorySequenceStore) Last(payer string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[payer]
	return last, ok, nil
}
