package file

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"subfileExchange/pkg/config"
	"subfileExchange/pkg/exchange"
	"subfileExchange/pkg/file"
	"subfileExchange/pkg/p2p"
	"subfileExchange/pkg/store"
)

var (
	fetchOutput      string
	fetchPeers       []string
	fetchTransport   string
	fetchManifestURL string
	fetchDHT         bool
)

// fetchCmd represents the file fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <content-id>",
	Short: "Fetch a file from exchange servers",
	Long: `Fetch a file by content id.

The manifest is loaded from one of:
  - an exchange server over HTTP (--manifest-url)
  - the DHT (--dht)
  - the local manifest directory (default)

Chunks are then requested from --peers over the chosen transport.
Endpoints are base URLs for http and /p2p multiaddrs for libp2p.
Chunks already present in the output file or the chunk store are reused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchFile(cmd, args[0])
	},
}

func init() {
	FileCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Output file path (required)")
	fetchCmd.Flags().StringSliceVarP(&fetchPeers, "peers", "p", nil, "Exchange endpoints to fetch from")
	fetchCmd.Flags().StringVarP(&fetchTransport, "transport", "t", "http", "Transport: http | libp2p")
	fetchCmd.Flags().StringVar(&fetchManifestURL, "manifest-url", "", "Exchange server to load the manifest from")
	fetchCmd.Flags().BoolVar(&fetchDHT, "dht", false, "Load the manifest from the DHT")

	fetchCmd.MarkFlagRequired("output")
	fetchCmd.MarkFlagRequired("peers")
}

func fetchFile(cmd *cobra.Command, contentID string) error {
	if fetchTransport != "http" && fetchTransport != "libp2p" {
		return fmt.Errorf("invalid transport: %s (must be 'http' or 'libp2p')", fetchTransport)
	}
	if _, err := file.ParseContentID(contentID); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var service *p2p.P2PService
	if fetchDHT || fetchTransport == "libp2p" {
		service, err = startNode(ctx, cfg)
		if err != nil {
			return err
		}
		defer service.Shutdown()
	}

	provider := manifestProvider(cfg, service)
	m, err := file.LoadManifest(ctx, provider, contentID)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	if _, err := file.SaveManifest(cfg.Storage.ManifestPath, m); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	fmt.Printf("Manifest loaded: %d bytes in %d chunks\n", m.TotalLength, m.ChunkCount())

	var fetcher exchange.Fetcher
	if fetchTransport == "libp2p" {
		fetcher = p2p.NewP2PFetcher(service.Host)
	} else {
		fetcher = exchange.NewHTTPFetcher(cfg.RequestTimeout())
	}

	chunks, err := store.NewFSChunkStore(cfg.Storage.ChunkPath)
	if err != nil {
		return fmt.Errorf("failed to open chunk store: %w", err)
	}

	opts := cfg.ToClientOptions(fetchOutput)
	opts.CheckAvailability = true
	client := exchange.NewClient(fetcher, opts)

	result, err := client.FetchFile(ctx, m, chunks, fetchPeers)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"contentId": contentID,
		"status":    result.Status,
		"fetched":   result.Fetched,
		"reused":    result.Reused,
	}).Info("Fetch finished")

	if result.Status == exchange.PartialFailure {
		return fmt.Errorf("%d chunks could not be recovered: %v", len(result.Unrecovered), result.Unrecovered)
	}

	fmt.Println("\n=== Fetched ===")
	fmt.Printf("Content ID: %s\n", contentID)
	fmt.Printf("Output:     %s\n", fetchOutput)
	fmt.Printf("Fetched:    %d chunks\n", result.Fetched)
	fmt.Printf("Reused:     %d chunks\n", result.Reused)
	fmt.Println("===============")
	return nil
}

func manifestProvider(cfg *config.Config, service *p2p.P2PService) file.ManifestProvider {
	switch {
	case fetchManifestURL != "":
		return exchange.NewHTTPManifestProvider(fetchManifestURL, cfg.RequestTimeout())
	case fetchDHT:
		return p2p.NewDHTManifestProvider(service)
	default:
		return file.DirProvider{Dir: cfg.Storage.ManifestPath}
	}
}
