package exchange

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ConnManager 管理每个节点的连接信息
//
// 功能:
//   - 并发控制: 限制对每个节点同时进行的请求数
//   - 统计记录: 记录请求成功率、响应时间等
//   - 熔断: 每个节点一个 gobreaker 熔断器，失败率过高时暂停向该节点发请求
//   - 清理功能: 清理长时间未使用的节点信息
//
// 熔断策略（默认）:
//   - 请求次数 >= 10 且失败率 >= 50% 时打开
//   - 打开 10 分钟后进入半开状态，试探成功即恢复
//   - 只有可重试错误（网络、超时、哈希不一致）计为失败；付费被拒、NotFound 不影响熔断
type ConnManager struct {
	mu         sync.RWMutex
	peerInfo   map[string]*PeerConnInfo
	maxStreams int // 每个节点的最大并发请求数，<= 0 表示不限制
	breaker    BreakerConfig
}

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	MinRequests      uint32
	FailureThreshold float64
	OpenTimeout      time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:      10,
		FailureThreshold: 0.5,
		OpenTimeout:      10 * time.Minute,
	}
}

// ConnStats 连接统计信息
type ConnStats struct {
	TotalRequests   int64
	SuccessfulReqs  int64
	FailedReqs      int64
	LastSuccessTime time.Time
	LastFailureTime time.Time
	AvgResponseTime time.Duration
}

// PeerConnInfo 节点连接信息
type PeerConnInfo struct {
	mu            sync.RWMutex
	stats         ConnStats
	activeStreams int
	breaker       *gobreaker.CircuitBreaker
}

// NewConnManager 创建连接管理器
func NewConnManager(maxStreams int, breaker BreakerConfig) *ConnManager {
	def := DefaultBreakerConfig()
	if breaker.MinRequests == 0 {
		breaker.MinRequests = def.MinRequests
	}
	if breaker.FailureThreshold <= 0 {
		breaker.FailureThreshold = def.FailureThreshold
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = def.OpenTimeout
	}
	return &ConnManager{
		peerInfo:   make(map[string]*PeerConnInfo),
		maxStreams: maxStreams,
		breaker:    breaker,
	}
}

func (cm *ConnManager) newBreaker(endpoint string) *gobreaker.CircuitBreaker {
	cfg := cm.breaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Endpoint circuit breaker state changed")
		},
	})
}

// info 获取或创建节点信息，调用方不能持有 cm.mu
func (cm *ConnManager) info(endpoint string) *PeerConnInfo {
	cm.mu.RLock()
	info, exists := cm.peerInfo[endpoint]
	cm.mu.RUnlock()
	if exists {
		return info
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if info, exists = cm.peerInfo[endpoint]; exists {
		return info
	}
	info = &PeerConnInfo{breaker: cm.newBreaker(endpoint)}
	cm.peerInfo[endpoint] = info
	return info
}

// Do 在并发配额与熔断器保护下执行一次请求，并记录统计信息
func (cm *ConnManager) Do(endpoint string, fn func() error) error {
	if !cm.AcquireStream(endpoint) {
		return NewRetryableError(fmt.Errorf("%w: endpoint %s busy", ErrNetwork, endpoint))
	}
	defer cm.ReleaseStream(endpoint)

	info := cm.info(endpoint)
	start := time.Now()
	_, err := info.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case err == nil:
		cm.RecordSuccess(endpoint, time.Since(start))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return NewRetryableError(fmt.Errorf("%w: endpoint %s: %w", ErrNetwork, endpoint, err))
	default:
		cm.RecordFailure(endpoint)
	}
	return err
}

// Available 熔断器未打开的节点可以接受请求
func (cm *ConnManager) Available(endpoint string) bool {
	return cm.info(endpoint).breaker.State() != gobreaker.StateOpen
}

// IsBlacklisted 节点当前处于熔断状态
func (cm *ConnManager) IsBlacklisted(endpoint string) bool {
	return !cm.Available(endpoint)
}

// RecordSuccess 记录成功请求
func (cm *ConnManager) RecordSuccess(endpoint string, responseTime time.Duration) {
	info := cm.info(endpoint)
	info.mu.Lock()
	defer info.mu.Unlock()

	info.stats.TotalRequests++
	info.stats.SuccessfulReqs++
	info.stats.LastSuccessTime = time.Now()

	// 简单移动平均
	if info.stats.AvgResponseTime == 0 {
		info.stats.AvgResponseTime = responseTime
	} else {
		info.stats.AvgResponseTime = (info.stats.AvgResponseTime*9 + responseTime) / 10
	}
}

// RecordFailure 记录失败请求
func (cm *ConnManager) RecordFailure(endpoint string) {
	info := cm.info(endpoint)
	info.mu.Lock()
	defer info.mu.Unlock()

	info.stats.TotalRequests++
	info.stats.FailedReqs++
	info.stats.LastFailureTime = time.Now()
}

// AcquireStream 尝试获取并发配额
func (cm *ConnManager) AcquireStream(endpoint string) bool {
	info := cm.info(endpoint)
	info.mu.Lock()
	defer info.mu.Unlock()

	if cm.maxStreams > 0 && info.activeStreams >= cm.maxStreams {
		return false
	}
	info.activeStreams++
	return true
}

// ReleaseStream 释放并发配额
func (cm *ConnManager) ReleaseStream(endpoint string) {
	cm.mu.RLock()
	info, exists := cm.peerInfo[endpoint]
	cm.mu.RUnlock()
	if !exists {
		return
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if info.activeStreams > 0 {
		info.activeStreams--
	}
}

// GetPeerStats 获取节点统计信息，未知节点返回 nil
func (cm *ConnManager) GetPeerStats(endpoint string) *ConnStats {
	cm.mu.RLock()
	info, exists := cm.peerInfo[endpoint]
	cm.mu.RUnlock()
	if !exists {
		return nil
	}

	info.mu.RLock()
	defer info.mu.RUnlock()
	statsCopy := info.stats
	return &statsCopy
}

// GetSuccessRate 获取节点成功率
func (cm *ConnManager) GetSuccessRate(endpoint string) float64 {
	stats := cm.GetPeerStats(endpoint)
	if stats == nil || stats.TotalRequests == 0 {
		return 0.0
	}
	return float64(stats.SuccessfulReqs) / float64(stats.TotalRequests)
}

// CleanupOldPeers 清理长时间未使用的节点信息
func (cm *ConnManager) CleanupOldPeers(maxIdleTime time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	for endpoint, info := range cm.peerInfo {
		info.mu.RLock()
		lastActivity := info.stats.LastSuccessTime
		if info.stats.LastFailureTime.After(lastActivity) {
			lastActivity = info.stats.LastFailureTime
		}
		isActive := info.activeStreams > 0
		info.mu.RUnlock()

		if !isActive && now.Sub(lastActivity) > maxIdleTime {
			delete(cm.peerInfo, endpoint)
			logrus.Debugf("Cleaned up inactive endpoint: %s", endpoint)
		}
	}
}

// GetTotalPeers 获取管理的节点总数
func (cm *ConnManager) GetTotalPeers() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.peerInfo)
}
