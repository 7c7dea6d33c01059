package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/api"
	"github.com/kalambet/convqa/internal/config"
	"github.com/kalambet/convqa/internal/engine"
	"github.com/kalambet/convqa/internal/kb"
	"github.com/kalambet/convqa/internal/logging"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis API server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipCheck, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(skipCheck)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running analysis API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve analysis tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Development knowledge base service",
}

var kbServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a directory of documents over the retrieval API",
	Long: `Serve a directory of documents over the retrieval API.

Files at the top of the directory form the "default" knowledge base; each
subdirectory is a knowledge base named after it. Markdown, text, HTML and
PDF files are indexed.

Examples:
  convqa kb serve --dir ./knowledge
  convqa kb serve --dir ./docs --port 4300`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		port, _ := cmd.Flags().GetInt("port")
		return runKB(dir, port)
	},
}

func init() {
	serveCmd.Flags().Bool("skip-model-check", false, "start without checking that the model backend is reachable")
	kbServeCmd.Flags().String("dir", "", "document directory (default kb.dir)")
	kbServeCmd.Flags().Int("port", 0, "listen port (default kb.port)")
	kbCmd.AddCommand(kbServeCmd)
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "convqa.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer(skipModelCheck bool) error {
	fmt.Fprintf(os.Stderr, "convqa version %s\n", version)

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Addr() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipModelCheck {
		if err := engine.EnsureReady(ctx, a.engine, cfg.Model.Name, os.Stderr); err != nil {
			return err
		}
	}
	if !a.retrieval.Healthy(ctx) {
		logger.Warn("retrieval service not reachable; answers will be drafted without grounding until it is",
			zap.String("url", cfg.Retrieval.BaseURL))
	}
	if cfg.Server.APIToken == "" {
		logger.Warn("server.api_token is empty; /v1 endpoints are unauthenticated")
	}

	handler := api.NewHandler(api.Deps{
		Analyzer:  a.analyzer,
		Store:     a.history(),
		Retrieval: a.retrieval,
		Token:     cfg.Server.APIToken,
		Logger:    logger.Named("api"),
	})
	return serveHTTP(ctx, cfg.Addr(), handler, logger)
}

// serveHTTP runs handler on addr until ctx is cancelled, then shuts down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Read(cfgFile)
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("convqa is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("could not stop convqa (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to convqa (PID %d)", pid)
	return nil
}

func runMCP() error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Analyzer: a.analyzer,
		Store:    a.history(),
		Logger:   a.logger.Named("mcp"),
	}, version)

	a.logger.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}

// runKB does not need model credentials, so it reads the config unvalidated.
func runKB(dir string, port int) error {
	cfg, err := config.Read(cfgFile)
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.KB.Dir
	}
	if port == 0 {
		port = cfg.KB.Port
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	idx, err := kb.Load(dir, logger.Named("kb"))
	if err != nil {
		return err
	}
	for _, id := range idx.Bases() {
		logger.Info("knowledge base loaded", zap.String("id", id), zap.Int("chunks", idx.Chunks(id)))
	}
	if len(idx.Bases()) == 0 {
		logger.Warn("no documents found", zap.String("dir", dir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
	return serveHTTP(ctx, addr, kb.NewHandler(idx, logger.Named("kb")), logger)
}
