// Package p2p 提供 DHT (分布式哈希表) 相关功能
//
// DHT 功能:
//   - 节点发现: 通过 Kademlia DHT 协议发现其他节点
//   - 清单发布: 以 content id 为键在 DHT 中存储清单 YAML
//   - 清单检索: DHTManifestProvider 实现 file.ManifestProvider
//
// 键格式:
//   - /<NameSpace>/<content id>，值为清单 YAML
//   - ManifestValidator 只接受 content id 与键一致的清单
package p2p

import (
	"context"
	"errors"
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"subfileExchange/pkg/file"
)

// newDHT 创建一个 DHT 实例
// 参数:
//   - ctx: 上下文，用于控制生命周期
//   - host: 主机实例
//   - config: DHT 配置
//
// 返回值:
//   - *dht.IpfsDHT: DHT 实例
//   - error: 错误信息
func newDHT(ctx context.Context, host host.Host, config P2PConfig) (*dht.IpfsDHT, error) {
	opts := []dht.Option{
		dht.ProtocolPrefix(protocol.ID(config.ProtocolPrefix)),
		dht.NamespacedValidator(config.NameSpace, config.Validator),
		// 所有节点以服务器模式启动，小规模网络中任一节点都可作为引导节点
		dht.Mode(dht.ModeServer),
	}

	if !config.EnableAutoRefresh {
		opts = append(opts, dht.DisableAutoRefresh())
	}

	// 生成一个 DHT 实例
	kdht, err := dht.New(ctx, host, opts...)
	if err != nil {
		return nil, err
	}

	// 启动 DHT 服务
	if err = kdht.Bootstrap(ctx); err != nil {
		kdht.Close()
		return nil, err
	}

	if len(config.BootstrapPeers) == 0 {
		logrus.Infoln("Start node as a bootstrap server. MultiAddr: ", GetHostAddress(host))
		return kdht, nil
	}

	// 遍历引导节点数组并尝试连接
	successCount := 0
	for _, peerAddr := range config.BootstrapPeers {
		peerinfo, err := peer.AddrInfoFromP2pAddr(peerAddr)
		if err != nil {
			logrus.Warnf("Invalid bootstrap peer address %q: %v", peerAddr, err)
			continue
		}

		if err := host.Connect(ctx, *peerinfo); err != nil {
			logrus.Warnf("Error while connecting to bootstrap node %q: %v", peerinfo, err)
			continue
		}

		// 连接成功
		successCount++
		logrus.Infof("Connection established with bootstrap node: %q", peerinfo)

		// 添加到路由表
		if added, err := kdht.RoutingTable().TryAddPeer(peerinfo.ID, true, true); err != nil {
			logrus.Warnf("Failed to add peer %q to routing table: %v", peerinfo.ID, err)
		} else if added {
			logrus.Debugf("Peer %q added to routing table", peerinfo.ID)
		}
	}

	// 如果没有任何一个引导节点连接成功，返回错误
	if successCount == 0 {
		kdht.Close()
		return nil, fmt.Errorf("failed to connect to any bootstrap nodes (attempted %d)", len(config.BootstrapPeers))
	}

	logrus.Infof("Successfully connected to %d/%d bootstrap nodes, routing table size %d",
		successCount, len(config.BootstrapPeers), kdht.RoutingTable().Size())
	return kdht, nil
}

func (d *P2PService) manifestKey(contentID string) string {
	return "/" + d.Config.NameSpace + "/" + contentID
}

// PutManifest 在 DHT 中发布清单
// 路由表为空时记录只保存在本地，之后连接的节点仍可查询到
// 参数:
//   - ctx: 上下文
//   - m: 已校验的清单
//
// 返回值:
//   - error: 错误信息
func (d *P2PService) PutManifest(ctx context.Context, m *file.SubfileManifest) error {
	value, err := file.EncodeManifest(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.Config.DHTTimeout)
	defer cancel()

	key := d.manifestKey(m.ContentID)
	if err := d.DHT.PutValue(ctx, key, value); err != nil {
		if errors.Is(err, kb.ErrLookupFailure) {
			logrus.WithField("contentId", m.ContentID).Warn("No DHT peers known, manifest stored locally only")
			return nil
		}
		return xerrors.Errorf("failed to put manifest: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"contentId": m.ContentID,
		"bytes":     len(value),
	}).Info("Manifest published to DHT")
	return nil
}

// GetManifest 从 DHT 中获取清单原始字节
// 参数:
//   - ctx: 上下文
//   - contentID: 清单 content id
//
// 返回值:
//   - []byte: 清单 YAML
//   - error: 未找到时包装 file.ErrManifestNotFound
func (d *P2PService) GetManifest(ctx context.Context, contentID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Config.DHTTimeout)
	defer cancel()

	value, err := d.DHT.GetValue(ctx, d.manifestKey(contentID))
	if err != nil {
		if errors.Is(err, routing.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", file.ErrManifestNotFound, contentID)
		}
		return nil, xerrors.Errorf("failed to get manifest: %w", err)
	}
	logrus.WithField("contentId", contentID).Debugf("Retrieved manifest from DHT (%d bytes)", len(value))
	return value, nil
}

// DHTManifestProvider 通过 DHT 读取清单
type DHTManifestProvider struct {
	service *P2PService
}

func NewDHTManifestProvider(service *P2PService) *DHTManifestProvider {
	return &DHTManifestProvider{service: service}
}

func (p *DHTManifestProvider) Cat(ctx context.Context, contentID string) ([]byte, error) {
	return p.service.GetManifest(ctx, contentID)
}

// ManifestValidator 校验 DHT 中的清单记录：值必须是有效清单，且 content id 与键一致
type ManifestValidator struct{}

var _ record.Validator = ManifestValidator{}

func (ManifestValidator) Validate(key string, value []byte) error {
	_, contentID, err := record.SplitKey(key)
	if err != nil {
		return err
	}
	m, err := file.DecodeManifest(value)
	if err != nil {
		return err
	}
	if m.ContentID != contentID {
		return fmt.Errorf("%w: record key %s holds manifest %s", file.ErrManifestInvalid, contentID, m.ContentID)
	}
	return nil
}

// Select 同一键下的有效清单内容相同，取第一个
func (ManifestValidator) Select(_ string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, errors.New("no values to select")
	}
	return 0, nil
}
