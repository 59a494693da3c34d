package exchange

import (
	"math/rand"
	"sync"
)

// PeerSelector 节点选择策略
//
// 选择策略:
//   - Random: 每个 chunk 随机选择一个节点，请求均匀分布
//   - RoundRobin: 依次选择每个节点
//
// 注意事项:
//   - Go 1.20+ 不需要手动调用 rand.Seed()
//   - 轮询选择器在多个 goroutine 使用时不保证顺序
type PeerSelector interface {
	SelectPeer(peers []string) (string, error)
}

type RandomPeerSelector struct{}

func (s *RandomPeerSelector) SelectPeer(peers []string) (string, error) {
	if len(peers) == 0 {
		return "", ErrNoPeers
	}
	return peers[rand.Intn(len(peers))], nil
}

type RoundRobinPeerSelector struct {
	mu    sync.Mutex
	index int
}

func (s *RoundRobinPeerSelector) SelectPeer(peers []string) (string, error) {
	if len(peers) == 0 {
		return "", ErrNoPeers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	selected := peers[s.index%len(peers)]
	s.index++
	return selected, nil
}

// NewPeerSelector 按名称创建选择器，未知名称使用随机选择
func NewPeerSelector(name string) PeerSelector {
	if name == "roundrobin" || name == "round-robin" {
		return &RoundRobinPeerSelector{}
	}
	return &RandomPeerSelector{}
}

func removePeer(peers []string, target string) []string {
	result := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != target {
			result = append(result, p)
		}
	}
	return result
}
