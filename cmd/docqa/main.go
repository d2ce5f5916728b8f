// Package main is the docqa CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/finsight/docqa/internal/config"
	"github.com/finsight/docqa/internal/consistency"
	"github.com/finsight/docqa/internal/embedding"
	"github.com/finsight/docqa/internal/rerank"
	"github.com/finsight/docqa/internal/retrieval"
	"github.com/finsight/docqa/internal/server"
	"github.com/finsight/docqa/internal/storage"
	"github.com/finsight/docqa/internal/vector"
	"github.com/finsight/docqa/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/docqa/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used,
// so that "docqa server" from the project dir uses the project's config (including debug).
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// API keys live in .env during development; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "status":
		runStatus()
	case "check-sync":
		runCheckSync()
	case "repair":
		runRepair()
	case "version", "--version", "-v":
		fmt.Printf("docqa version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	srv := server.NewServer(
		components.Store,
		components.Retriever,
		components.Checker,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if err := components.Store.Save(); err != nil {
		logger.Warn("index save failed", zap.String("path", cfg.Storage.IndexPath), zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status map[string]interface{}
	if *serverURL != "" {
		res, err := getJSON(*serverURL + "/api/v1/stats")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = res
	} else {
		components, cfg := mustInitialize(*configPath)
		defer components.Close()
		stats, err := components.Store.Stats(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
			os.Exit(1)
		}
		status = map[string]interface{}{
			"total_vectors": stats.TotalVectors,
			"chunks_count":  stats.ChunksCount,
			"is_synced":     stats.IsSynced,
			"index_path":    stats.IndexPath,
			"index_exists":  stats.IndexExists,
			"metric":        string(components.Store.Metric()),
		}
		if diskBytes, err := storage.DiskUsageBytes(cfg.Storage.DatabasePath, cfg.Storage.IndexPath); err == nil {
			status["disk_usage_bytes"] = diskBytes
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("total_vectors:  %v   # vectors in the similarity index\n", status["total_vectors"])
		fmt.Printf("chunks_count:   %v   # rows in the metadata store\n", status["chunks_count"])
		fmt.Printf("is_synced:      %v   # both stores describe the same entries\n", status["is_synced"])
		if v, ok := status["metric"]; ok {
			fmt.Printf("metric:         %v\n", v)
		}
		if v, ok := status["index_path"]; ok {
			fmt.Printf("index_path:     %v\n", v)
		}
		if v, ok := status["disk_usage_bytes"]; ok {
			fmt.Printf("disk_usage:     %v bytes\n", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func runCheckSync() {
	fs := flag.NewFlagSet("check-sync", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	_ = fs.Parse(os.Args[2:])

	var report map[string]interface{}
	if *serverURL != "" {
		res, err := getJSON(*serverURL + "/api/v1/check-sync")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}
		report = res
	} else {
		components, _ := mustInitialize(*configPath)
		defer components.Close()
		r, err := components.Checker.CheckSync(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}
		raw, _ := json.Marshal(r)
		_ = json.Unmarshal(raw, &report)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if synced, ok := report["is_synced"].(bool); ok && !synced {
		os.Exit(2)
	}
}

func runRepair() {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	_ = fs.Parse(os.Args[2:])

	if !*yes {
		fmt.Print("Repair clears the vector index and all chunk metadata. The index file is backed up,\n" +
			"but every document must be re-ingested afterward. Continue? [y/N] ")
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	components, _ := mustInitialize(*configPath)
	defer components.Close()
	backup, err := components.Checker.Repair(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Repair failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Stores cleared. Index backup: %s\n", backup)
	fmt.Println("Re-ingest source documents to rebuild the index.")
}

func getJSON(url string) (map[string]interface{}, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func mustInitialize(configPath string) (*Components, *config.Config) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return components, cfg
}

// Components holds initialized services.
type Components struct {
	Storage   storage.Storage
	Embedder  embedding.Embedder
	Store     *retrieval.Store
	Retriever *retrieval.Retriever
	Checker   *consistency.Checker
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	meta, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var embedder embedding.Embedder
	switch cfg.Embedding.Provider {
	case "mock":
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	case "openai", "":
		openaiEmbedder, err := embedding.NewOpenAIEmbedder(cfg.Embedding.Model, cfg.Embedding.Dimensions)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		embedder = embedding.NewCachedEmbedder(openaiEmbedder, cfg.Embedding.CacheSize)
	default:
		meta.Close()
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	metric, err := vector.ParseMetric(cfg.Retrieval.Metric)
	if err != nil {
		meta.Close()
		return nil, err
	}
	index, err := vector.NewFlatIndex(cfg.Embedding.Dimensions, metric)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}
	if err := index.Load(cfg.Storage.IndexPath); err != nil {
		// A missing file is a first run; anything else means the persisted index
		// cannot be trusted and starting with an empty one would silently
		// desynchronize ordinals from the metadata store.
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("no persisted index found, initializing empty index",
				zap.String("path", cfg.Storage.IndexPath))
		} else {
			meta.Close()
			return nil, fmt.Errorf("index load failed, run repair to back up and reset: %w", err)
		}
	} else {
		logger.Info("vector index loaded",
			zap.String("path", cfg.Storage.IndexPath),
			zap.Int("vectors", index.Size()),
			zap.String("metric", string(index.Metric())))
	}

	store := retrieval.NewStore(index, meta, embedder, cfg.Storage.IndexPath, logger)

	var reranker rerank.Reranker
	if cfg.Retrieval.RerankerEnabled {
		llm, err := rerank.NewLLMReranker(cfg.Retrieval.RerankerModel)
		if err != nil {
			// Retrieval works without reranking; degrade rather than refuse to start.
			logger.Warn("reranker unavailable, continuing without reranking", zap.Error(err))
		} else {
			reranker = llm
		}
	}
	retriever := retrieval.NewRetriever(store, reranker, logger)
	checker := consistency.NewChecker(store, cfg.Storage.BackupDir, logger)

	return &Components{
		Storage:   meta,
		Embedder:  embedder,
		Store:     store,
		Retriever: retriever,
		Checker:   checker,
	}, nil
}

func printUsage() {
	fmt.Println(`docqa - document retrieval backend

Usage:
  docqa server [flags]        Start the HTTP server
  docqa status [flags]        Show index/store statistics
  docqa check-sync [flags]    Verify index and metadata store agree
  docqa repair [flags]        Back up the index, then clear both stores
  docqa version               Show version
  docqa help                  Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/docqa/config.yaml)
  --debug            Enable debug logging

Status / Check-Sync Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "") for direct storage.
  --output string    status only; text or json (default: text)

Repair Flags:
  --config string    Config file path
  --yes              Skip the confirmation prompt

Examples:
  docqa server
  docqa status
  docqa status --output json
  docqa check-sync
  docqa repair --yes`)
}
