package file

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"subfileExchange/pkg/config"
	"subfileExchange/pkg/exchange"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/store"
)

var (
	publishChunkSize int
	publishDHT       bool
)

// publishCmd represents the file publish command
var publishCmd = &cobra.Command{
	Use:   "publish <file>",
	Short: "Build a manifest for a file and seed the chunk store",
	Long: `Publish a local file.

Steps:
  1. Split the file into fixed-size chunks and build its manifest
  2. Write the manifest as <content id>.yaml into the manifest directory
  3. Store every chunk in the local chunk store
  4. Optionally put the manifest into the DHT (--dht)

Add the printed content id to the 'served' list to serve the file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishFile(cmd, args[0])
	},
}

func init() {
	FileCmd.AddCommand(publishCmd)

	publishCmd.Flags().IntVar(&publishChunkSize, "chunk-size", 0, "Chunk size in bytes (defaults to storage.chunk_size)")
	publishCmd.Flags().BoolVar(&publishDHT, "dht", false, "Put the manifest into the DHT")
}

func publishFile(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	chunkSize := publishChunkSize
	if chunkSize <= 0 {
		chunkSize = cfg.Storage.ChunkSize
	}

	fmt.Printf("Building manifest for %s (chunk size %d)...\n", path, chunkSize)
	m, err := file.BuildManifest(path, chunkSize)
	if err != nil {
		return fmt.Errorf("failed to build manifest: %w", err)
	}

	manifestPath, err := file.SaveManifest(cfg.Storage.ManifestPath, m)
	if err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}

	chunks, err := store.NewFSChunkStore(cfg.Storage.ChunkPath)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}
	if err := exchange.SeedFromFile(ctx, chunks, nil, path, m); err != nil {
		return fmt.Errorf("failed to seed chunk store: %w", err)
	}

	if publishDHT {
		if err := putManifest(ctx, cfg, m); err != nil {
			return err
		}
	}

	fmt.Println("\n=== Published ===")
	fmt.Printf("Content ID:  %s\n", m.ContentID)
	fmt.Printf("Size:        %d bytes\n", m.TotalLength)
	fmt.Printf("Chunks:      %d x %d bytes\n", m.ChunkCount(), m.ChunkSize)
	fmt.Printf("Merkle Root: %s\n", m.MerkleRoot)
	fmt.Printf("Manifest:    %s\n", manifestPath)
	fmt.Println("=================")
	return nil
}

// putManifest 启动一个仅作客户端的 P2P 节点，将清单写入 DHT
func putManifest(ctx context.Context, cfg *config.Config, m *file.SubfileManifest) error {
	service, err := startNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	putCtx, cancel := context.WithTimeout(ctx, service.Config.DHTTimeout)
	defer cancel()
	if err := service.PutManifest(putCtx, m); err != nil {
		return fmt.Errorf("failed to put manifest into DHT: %w", err)
	}
	logrus.Infof("Manifest %s put into DHT", m.ContentID)
	return nil
}
