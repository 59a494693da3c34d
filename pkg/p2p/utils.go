// Package p2p 提供工具函数
//
// Utils 功能:
//   - 主机创建: 创建 libp2p 主机实例
//   - 地址生成: 生成可作为 exchange endpoint 的完整 multiaddr
//   - 密钥对生成: RSA 2048 位密钥对
//
// 注意事项:
//   - seed 为 0 时使用 crypto/rand，否则生成确定的节点 ID（仅用于测试）
package p2p

import (
	"crypto/rand"
	"fmt"
	"io"
	mrand "math/rand"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// newBasicHost creates a LibP2P host listening on the given TCP port.
// A non-zero seed yields a deterministic peer ID.
func newBasicHost(listenPort int, randseed int64) (host.Host, error) {
	var r io.Reader
	if randseed == 0 {
		r = rand.Reader
	} else {
		r = mrand.New(mrand.NewSource(randseed))
	}

	// Generate a key pair for this host. We will use it at least
	// to obtain a valid host ID.
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.RSA, 2048, r)
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
		libp2p.Identity(priv),
	}

	return libp2p.New(opts...)
}

// GetHostAddress 返回 host 第一个监听地址加上 /p2p/<id>，可直接作为 P2PFetcher 的 endpoint
func GetHostAddress(host host.Host) string {
	// Build host multiaddress
	hostAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/p2p/%s", host.ID()))
	if err != nil {
		logrus.Errorf("Failed to create host multiaddress: %v", err)
		return ""
	}

	// Now we can build a full multiaddress to reach this host
	// by encapsulating both addresses:
	addrs := host.Addrs()
	if len(addrs) == 0 {
		logrus.Error("Host has no addresses")
		return ""
	}

	addr := addrs[0]
	return addr.Encapsulate(hostAddr).String()
}
