package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thearchitectit/guardrail-mcp/internal/audit"
	"github.com/thearchitectit/guardrail-mcp/internal/catalog"
	"github.com/thearchitectit/guardrail-mcp/internal/circuitbreaker"
	"github.com/thearchitectit/guardrail-mcp/internal/config"
	"github.com/thearchitectit/guardrail-mcp/internal/layers/contextual"
	"github.com/thearchitectit/guardrail-mcp/internal/mcpserver"
	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	guardrailMiddleware "github.com/thearchitectit/guardrail-mcp/internal/middleware"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/transport"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// Version information, set by ldflags during build.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		showVersion   = flag.Bool("version", false, "Show version information")
		showHealth    = flag.Bool("health-check", false, "Run health check and exit")
		healthTimeout = flag.Duration("health-timeout", 5*time.Second, "Health check timeout")
		stdio         = flag.Bool("stdio", false, "Serve over stdio instead of HTTP/SSE")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Guardrail MCP Server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Build Time: %s\n", buildTime)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Go Version: %s\n", runtime.Version())
		os.Exit(0)
	}

	if *showHealth {
		if err := runHealthCheck(*healthTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Health check passed")
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setLogLevel(cfg.LogLevel)

	slog.Info("starting guardrail-mcp", "version", version, "build_time", buildTime, "git_commit", gitCommit,
		"config", cfg.Masked())

	var closers []func() error
	var auditOpts []audit.LoggerOption
	if cfg.UsesSQLiteAudit() {
		sqliteSink, err := audit.NewSQLiteSink(cfg.AuditSQLitePath)
		if err != nil {
			slog.Error("failed to open sqlite audit sink", "error", err)
			os.Exit(1)
		}
		closers = append(closers, sqliteSink.Close)
		auditOpts = append(auditOpts, audit.WithSQLiteSink(sqliteSink))
	}
	auditLogger := audit.NewLogger(cfg.AuditBufferSize, auditOpts...)
	breakerManager := circuitbreaker.NewManager(cfg)

	if cfg.UsesCatalogDatabase() {
		store, err := catalog.NewPatternStore(cfg.CatalogDatabaseDSN, breakerManager)
		if err != nil {
			slog.Error("failed to open catalog pattern store", "error", err)
			os.Exit(1)
		}
		closers = append(closers, store.Close)
		refreshCatalog(store)
		go runCatalogRefresh(store, 5*time.Minute)
	}

	if cfg.CatalogOverlayDir != "" {
		overlayPath := cfg.CatalogOverlayDir + "/patterns.yaml"
		watcher, err := catalog.NewWatcher(overlayPath)
		if err != nil {
			slog.Warn("catalog overlay watcher not started", "path", overlayPath, "error", err)
		} else {
			closers = append(closers, watcher.Close)
		}
	}

	var quotaProvider quota.Provider
	if cfg.UsesRedisQuota() {
		redisProvider, err := quota.NewRedisProvider(cfg.QuotaRedisAddr, cfg.QuotaRedisPassword, cfg.QuotaRedisDB, breakerManager, cfg.ClockSkew())
		if err != nil {
			slog.Error("failed to connect to redis quota backend", "error", err)
			os.Exit(1)
		}
		closers = append(closers, redisProvider.Close)
		quotaProvider = redisProvider
	} else {
		quotaProvider = quota.NewMemoryProvider(cfg.ClockSkew())
	}

	contextualLayer := contextual.New()
	contextualLayer.RegisterResponseSecretScrubber(true)

	srv := mcpserver.SecureMcpServer(
		mcpserver.ServerInfo{Name: "guardrail-mcp", Version: version},
		mcpserver.WithMaxMessageSize(cfg.MaxMessageSize),
		mcpserver.WithMaxStringLength(cfg.MaxStringLength),
		mcpserver.WithMaxParamEntries(cfg.MaxParamEntries),
		mcpserver.WithMaxNestingDepth(cfg.MaxNestingDepth),
		mcpserver.WithRateLimits(cfg.MaxRequestsPerMinute, cfg.MaxRequestsPerHour),
		mcpserver.WithBurstThreshold(cfg.BurstThreshold),
		mcpserver.WithBurstWindow(time.Duration(cfg.BurstWindowMs)*time.Millisecond),
		mcpserver.WithLogging(cfg.EnableLogging, cfg.VerboseLogging, cfg.LogPerformanceMetrics),
		mcpserver.WithLogLevel(cfg.LogLevel),
		mcpserver.WithDefaultPolicy(cfg.DefaultAllowNetwork, cfg.DefaultAllowWrites),
		mcpserver.WithChaining(cfg.ChainingEnabled),
		mcpserver.WithQuotaProvider(quotaProvider),
		mcpserver.WithSessions(cfg.MaxSessions, cfg.SessionTTL()),
		mcpserver.WithClockSkew(cfg.ClockSkew()),
		mcpserver.WithContextual(contextualLayer),
		mcpserver.WithSink(auditLogger),
	)
	if cfg.PolicyDir != "" {
		if err := srv.Registry().LoadDir(cfg.PolicyDir); err != nil {
			slog.Error("failed to load policy directory", "dir", cfg.PolicyDir, "error", err)
			os.Exit(1)
		}
	}
	registerDemoTools(srv)

	if cfg.HotReloadPath != "" {
		watcher, err := config.NewWatcher(cfg.HotReloadPath, srv.Behavior())
		if err != nil {
			slog.Warn("hot-reload watcher not started", "path", cfg.HotReloadPath, "error", err)
		} else {
			closers = append(closers, watcher.Close)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsEnabled {
		go runMetricsServer(ctx, cfg.MetricsPort)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("transport goroutine panicked", "panic", r)
				cancel()
			}
		}()
		var srvErr error
		if *stdio {
			slog.Info("serving over stdio")
			srvErr = transport.NewStdioServer(srv, "stdio-client", os.Stdin, os.Stdout).Serve(ctx)
		} else {
			addr := fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort)
			slog.Info("serving over HTTP/SSE", "addr", addr)
			srvErr = transport.NewHTTPServer(srv, transport.WithAddr(addr), transport.WithProductionMode(cfg.ProductionMode)).Serve(ctx)
		}
		if srvErr != nil && ctx.Err() == nil {
			slog.Error("transport error", "error", srvErr)
			cancel()
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	select {
	case sig := <-quitCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("context cancelled")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("mcpserver shutdown error", "error", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			slog.Error("dependency close error", "error", err)
		}
	}
	slog.Info("server stopped gracefully")
}

// registerDemoTools registers the standalone process's example tool
// set. An embedder linking internal/mcpserver directly registers its
// own tools instead; this demo tool exists so the standalone binary
// has something to validate end to end.
func registerDemoTools(srv *mcpserver.Server) {
	srv.RegisterTool(
		valtypes.ToolSpec{Name: "debug-echo", SideEffects: valtypes.SideEffectNone, MaxArgsSize: 4096},
		mcp.Tool{
			Name:        "debug-echo",
			Description: "Echoes the supplied text back, for exercising the validation pipeline end to end.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: mcp.ToolInputSchemaProperties{
					"text": map[string]interface{}{"type": "string", "description": "text to echo"},
				},
			},
		},
		func(ctx context.Context, name string, arguments map[string]interface{}) (*mcp.CallToolResult, error) {
			text, _ := arguments["text"].(string)
			return &mcp.CallToolResult{Content: []interface{}{mcp.TextContent{Type: "text", Text: text}}}, nil
		},
	)
}

func refreshCatalog(store *catalog.PatternStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	overrides, err := store.LoadOverrides(ctx)
	if err != nil {
		slog.Error("failed to load catalog overrides", "error", err)
		return
	}
	catalog.ApplyOverrides(overrides)
	slog.Info("loaded catalog overrides", "count", len(overrides))
}

func runCatalogRefresh(store *catalog.PatternStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		refreshCatalog(store)
	}
}

func runMetricsServer(ctx context.Context, port int) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(guardrailMiddleware.RequestLogger())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health/live", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server error", "error", err)
	}
}

func runHealthCheck(timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	port := os.Getenv("METRICS_PORT")
	if port == "" {
		port = "9090"
	}
	start := time.Now()
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health/live", port))
	if err != nil {
		metrics.RecordHealthCheck("liveness", time.Since(start), true)
		return fmt.Errorf("liveness check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordHealthCheck("liveness", time.Since(start), true)
		return fmt.Errorf("liveness check returned status %d", resp.StatusCode)
	}
	metrics.RecordHealthCheck("liveness", time.Since(start), false)
	return nil
}

func setLogLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
