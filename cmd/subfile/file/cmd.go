// Package file provides file operation commands for the subfile exchange node
package file

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"subfileExchange/pkg/config"
	"subfileExchange/pkg/p2p"
)

// FileCmd represents the file command group
var FileCmd = &cobra.Command{
	Use:   "file",
	Short: "File operations",
	Long: `Manage subfiles and their manifests.

This command group provides operations for:
  • Publishing a local file (manifest + chunk store)
  • Fetching a file from exchange servers
  • Validating a local file against a manifest`,
}

// loadConfig 读取 --config 指定的配置并初始化日志
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	configFile := config.GetConfigPath(configPath)

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	cfg.SetupLogging()

	logrus.Debugf("Configuration loaded from %q", configFile)
	return cfg, nil
}

// startNode 启动不提供 chunk 的 P2P 节点，用于 DHT 读写与 libp2p 下载
func startNode(ctx context.Context, cfg *config.Config) (*p2p.P2PService, error) {
	p2pConfig, err := cfg.ToP2PConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid network configuration: %w", err)
	}
	service, err := p2p.NewP2PService(ctx, *p2pConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2P service: %w", err)
	}
	return service, nil
}
