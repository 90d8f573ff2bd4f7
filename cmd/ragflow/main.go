// =============================================================================
// ragflow 主入口
// =============================================================================
// 检索管线命令行入口，包含摄取、查询子命令与健康检查/指标服务
//
// 使用方法:
//
//	ragflow serve                        # 启动服务
//	ragflow serve --config config.yaml   # 指定配置文件
//	ragflow ingest --folder /docs a.md   # 摄取文档
//	ragflow query "What CPU ..."         # 执行一次查询
//	ragflow version                      # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow"
	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/types"
)

// 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "ingest":
		runIngest(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", ":8080", "HTTP listen address")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, cfg := mustEngine(ctx, *configPath)
	defer engine.Close()

	logger := mustLogger(cfg.Log)
	defer logger.Sync()
	logger.Info("Starting ragflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("addr", *addr))

	// 只暴露运维面：健康检查与指标。检索与摄取走 CLI 子命令。
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(engine.Metrics().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("ragflow stopped")
}

// =============================================================================
// 📥 ingest 命令
// =============================================================================

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	folder := fs.String("folder", "", "Logical folder for the documents")
	fs.Parse(args)
	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "ingest: no input files")
		os.Exit(1)
	}

	ctx := context.Background()
	engine, _ := mustEngine(ctx, *configPath)
	defer engine.Close()

	docs := make([]*types.Document, 0, len(files))
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
			os.Exit(1)
		}
		docs = append(docs, &types.Document{
			Filename: filepath.Base(path),
			Content:  string(content),
			Folder:   *folder,
		})
	}

	report := engine.IngestAll(ctx, docs)
	fmt.Printf("ingested %d/%d documents\n", report.Completed, len(docs))
	for id, err := range report.Failed {
		fmt.Fprintf(os.Stderr, "  failed %s: %v\n", id, err)
	}
	if len(report.Failed) > 0 {
		os.Exit(1)
	}
}

// =============================================================================
// 🔍 query 命令
// =============================================================================

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "query: missing query text")
		os.Exit(1)
	}

	ctx := context.Background()
	engine, _ := mustEngine(ctx, *configPath)
	defer engine.Close()

	result, err := engine.Query(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(result.Context)
	if len(result.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, src := range result.Sources {
			fmt.Printf("  [%d] %s (%s)\n", src.Index, src.Filename, src.DocumentID)
		}
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("ragflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ragflow - adaptive retrieval pipeline

Usage:
  ragflow <command> [options]

Commands:
  serve     Start the health/metrics service
  ingest    Ingest documents from files
  query     Run a single retrieval query
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  ragflow serve --config /etc/ragflow/config.yaml
  ragflow ingest --folder /manuals docs/specs.md docs/faq.md
  ragflow query "What CPU does the hub use?"`)
}

// mustEngine 加载配置并组装引擎，失败直接退出。
func mustEngine(ctx context.Context, configPath string) (*ragflow.Engine, *config.Config) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	engine, err := ragflow.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	return engine, cfg
}

func mustLogger(cfg config.LogConfig) *zap.Logger {
	logger, err := ragflow.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
