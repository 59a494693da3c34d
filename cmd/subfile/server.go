// Package main provides the CLI commands for the subfile exchange node
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"subfileExchange/pkg/config"
	"subfileExchange/pkg/exchange"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/p2p"
	"subfileExchange/pkg/receipt"
	"subfileExchange/pkg/store"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the exchange server",
	Long: `Start the subfile exchange server.

This command starts a node that can:
  • Verify served files against their manifests and seed the chunk store
  • Serve paid chunk requests over libp2p and HTTP
  • Publish served manifests into the DHT
  • Forward accepted receipts to the aggregator

The service will continue running until interrupted with Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startServer(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func startServer(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	configFile := config.GetConfigPath(configPath)

	logrus.Infof("Loading configuration from: %s", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	cfg.SetupLogging()

	logrus.Info("Configuration loaded successfully")
	logrus.Infof("Network: enabled=%v, port=%d", cfg.Network.Enabled, cfg.Network.Port)
	logrus.Infof("HTTP: port=%d, proofs=%v, metrics=%v", cfg.HTTP.Port, cfg.HTTP.IncludeProofs, cfg.HTTP.Metrics)
	logrus.Infof("Storage: chunk_path=%s, manifest_path=%s", cfg.Storage.ChunkPath, cfg.Storage.ManifestPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, err := store.NewFSChunkStore(cfg.Storage.ChunkPath)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}

	// 防重放门控：配置了 ledger 时持久化序列号
	var seqs receipt.SequenceStore = receipt.NewMemorySequenceStore()
	if cfg.Storage.LedgerPath != "" {
		ledger, err := receipt.OpenBoltSequenceStore(cfg.Storage.LedgerPath)
		if err != nil {
			return fmt.Errorf("failed to open receipt ledger: %w", err)
		}
		defer ledger.Close()
		seqs = ledger
	}

	var metrics *exchange.Metrics
	if cfg.HTTP.Metrics {
		metrics = exchange.NewMetrics()
	}

	server := exchange.NewServer(chunks, receipt.NewGate(seqs), cfg.ToServerOptions(metrics))
	defer server.Close()

	served, err := seedServedFiles(ctx, cfg, chunks, server)
	if err != nil {
		return err
	}

	var service *p2p.P2PService
	if cfg.Network.Enabled {
		p2pConfig, err := cfg.ToP2PConfig()
		if err != nil {
			return fmt.Errorf("invalid network configuration: %w", err)
		}

		logrus.Info("Starting P2P service...")
		service, err = p2p.NewP2PService(ctx, *p2pConfig, server)
		if err != nil {
			return fmt.Errorf("failed to create P2P service: %w", err)
		}

		for _, m := range served {
			if err := service.PutManifest(ctx, m); err != nil {
				logrus.Warnf("Failed to publish manifest %s: %v", m.ContentID, err)
			}
		}

		printNodeInfo(service)
	}

	handler := exchange.NewHTTPHandler(server, exchange.NodeInfo{
		Version:  version,
		Operator: cfg.HTTP.Operator,
	}, metrics)
	httpServer := exchange.NewHTTPServer(cfg.HTTP.Port, handler)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logrus.Infof("Exchange server is running with %d served files. Press Ctrl+C to stop.", len(served))
	var runErr error
	select {
	case <-sigChan:
		logrus.Info("Received shutdown signal, shutting down gracefully...")
	case err := <-httpErr:
		if err != nil {
			logrus.Errorf("HTTP server stopped: %v", err)
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Error during HTTP shutdown: %v", err)
	}

	if service != nil {
		if err := service.Shutdown(); err != nil {
			logrus.Errorf("Error during shutdown: %v", err)
			return err
		}
	}

	logrus.Info("Shutdown complete. Goodbye!")
	return runErr
}

// seedServedFiles 校验配置中的文件并写入存储，任何一个文件不完整都会中止启动
func seedServedFiles(ctx context.Context, cfg *config.Config, chunks store.ChunkStore, server *exchange.Server) ([]*file.SubfileManifest, error) {
	provider := file.DirProvider{Dir: cfg.Storage.ManifestPath}

	var served []*file.SubfileManifest
	for _, sf := range cfg.Served {
		m, err := file.LoadManifest(ctx, provider, sf.ContentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load manifest %s: %w", sf.ContentID, err)
		}
		if err := exchange.SeedFromFile(ctx, chunks, nil, sf.Path, m); err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", sf.Path, err)
		}
		if err := server.Serve(m); err != nil {
			return nil, fmt.Errorf("failed to serve %s: %w", sf.ContentID, err)
		}
		served = append(served, m)
	}
	return served, nil
}

// printNodeInfo prints node information to console
func printNodeInfo(service *p2p.P2PService) {
	peerID := service.Host.ID()

	fmt.Println("\n=== Node Information ===")
	fmt.Printf("Peer ID: %s\n", peerID)
	fmt.Println("\nListen Addresses:")
	for _, addr := range service.GetMaddr() {
		fmt.Printf("  - %s/p2p/%s\n", addr, peerID)
	}
	fmt.Println("========================")
}
