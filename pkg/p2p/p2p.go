// Package p2p 提供基于 libp2p 的 chunk 交换传输
//
// 核心功能:
//   - DHT (分布式哈希表): 节点发现，清单发布与检索
//   - Chunk 传输: 通过 libp2p 流提供付费 chunk 请求
//   - 可用性查询: 查询节点当前提供的 content id
//
// 主要组件:
//   - P2PService: 核心服务，整合 host、DHT 与交换服务端
//   - P2PFetcher: exchange.Fetcher 的 libp2p 实现
//   - DHTManifestProvider: 从 DHT 读取清单
//
// 使用示例:
//
//	config := p2p.NewP2PConfig()
//	config.Port = 0  // 随机端口
//
//	service, err := p2p.NewP2PService(context.Background(), config, server)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer service.Shutdown()
package p2p

import (
	"context"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"subfileExchange/pkg/exchange"
)

// 默认的 ProtocolPrefix 配置
var defaultPrefix = "/subfileExchange"

type P2PService struct {
	Host     host.Host
	DHT      *dht.IpfsDHT
	Config   *P2PConfig
	Exchange *exchange.Server  // 为 nil 时只作为客户端，不注册 chunk 协议
	Ctx      context.Context    // 服务上下文，用于优雅关闭
	Cancel   context.CancelFunc // 取消函数
}

type P2PConfig struct {
	Port              int
	Seed              int64
	BootstrapPeers    []multiaddr.Multiaddr
	ProtocolPrefix    string
	EnableAutoRefresh bool
	NameSpace         string           // 清单在 DHT 中的命名空间
	Validator         record.Validator // 为 nil 时使用 ManifestValidator
	RequestTimeout    time.Duration    // 读取请求超时
	DataTimeout       time.Duration    // 处理并发送 chunk 的超时
	DHTTimeout        time.Duration    // DHT 操作超时
}

// NewP2PConfig 返回一个包含默认配置的 P2PConfig 实例
// 返回值:
//   - P2PConfig: 包含默认配置的 P2PConfig 实例
func NewP2PConfig() P2PConfig {
	return P2PConfig{
		// 此处Port设为0，即可随机分配一个端口；指定可能会导致端口占用，从而连接失败
		Port:              0,
		Seed:              0,
		ProtocolPrefix:    defaultPrefix,
		EnableAutoRefresh: true,
		NameSpace:         "subfile",
		Validator:         ManifestValidator{},
		RequestTimeout:    5 * time.Second,
		DataTimeout:       30 * time.Second,
		DHTTimeout:        10 * time.Second,
	}
}

// NewP2PService 创建 host 与 DHT，并在 server 不为 nil 时注册交换协议
// 参数:
//   - ctx: 上下文，用于控制 DHT 引导
//   - config: P2P 配置
//   - server: 交换服务端，可为 nil
//
// 返回值:
//   - *P2PService: 服务实例
//   - error: 错误信息
func NewP2PService(ctx context.Context, config P2PConfig, server *exchange.Server) (*P2PService, error) {
	if config.Validator == nil {
		config.Validator = ManifestValidator{}
	}

	host, err := newBasicHost(config.Port, config.Seed)
	if err != nil {
		return nil, xerrors.Errorf("failed to create host: %w", err)
	}

	kdht, err := newDHT(ctx, host, config)
	if err != nil {
		host.Close()
		return nil, xerrors.Errorf("failed to create DHT instance: %w", err)
	}

	// 创建可取消的上下文用于服务生命周期管理
	serviceCtx, cancel := context.WithCancel(context.Background())

	p := &P2PService{
		Host:     host,
		DHT:      kdht,
		Config:   &config,
		Exchange: server,
		Ctx:      serviceCtx,
		Cancel:   cancel,
	}
	if server != nil {
		p.RegisterChunkHandler()
		p.RegisterStatusHandler()
	}
	logrus.WithFields(logrus.Fields{
		"peer":    host.ID(),
		"address": GetHostAddress(host),
		"serving": server != nil,
	}).Info("P2P service started")
	return p, nil
}

func (p *P2PService) GetMaddr() []multiaddr.Multiaddr {
	return p.Host.Addrs()
}

// Shutdown 优雅关闭 P2P 服务
// 关闭 DHT 与 Host，取消所有正在进行的操作
func (p *P2PService) Shutdown() error {
	logrus.Info("Shutting down P2P service...")

	// 1. 取消服务上下文，通知所有 goroutine 退出
	if p.Cancel != nil {
		p.Cancel()
	}

	if p.DHT != nil {
		if err := p.DHT.Close(); err != nil {
			logrus.Warnf("Error closing DHT: %v", err)
		}
	}

	// 2. 关闭 libp2p Host（会关闭所有连接和监听器）
	if p.Host != nil {
		if err := p.Host.Close(); err != nil {
			logrus.Errorf("Error closing host: %v", err)
			return err
		}
	}

	logrus.Info("P2P service shutdown complete")
	return nil
}
