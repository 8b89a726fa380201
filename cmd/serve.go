package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samsaffron/nohup/internal/agent"
	"github.com/samsaffron/nohup/internal/config"
	"github.com/samsaffron/nohup/internal/embedding"
	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/mcp"
	"github.com/samsaffron/nohup/internal/memory"
	"github.com/samsaffron/nohup/internal/observability"
	"github.com/samsaffron/nohup/internal/prompt"
	"github.com/samsaffron/nohup/internal/server"
	"github.com/samsaffron/nohup/internal/session"
	"github.com/samsaffron/nohup/internal/signal"
	"github.com/samsaffron/nohup/internal/tools"
	"github.com/samsaffron/nohup/internal/usage"
	"github.com/spf13/cobra"
)

var (
	serveHost    string
	servePort    int
	serveToken   string
	serveModel   string
	serveBrowser bool
	serveDebug   bool
)

const mcpStartTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent server",
	Long: `Run the WebSocket agent server.

Endpoints:
  GET /ws?chat_id=<uuid>          agent session
  GET /api/chats                  stored chats
  GET /api/chats/{id}/messages
  GET /healthz
  GET /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for API auth (overrides server.token)")
	serveCmd.Flags().StringVarP(&serveModel, "model", "m", "", "Default model for new chats")
	serveCmd.Flags().BoolVar(&serveBrowser, "browser", false, "Enable the browser_user tool (needs Chrome)")
	serveCmd.Flags().BoolVarP(&serveDebug, "debug", "d", false, "Enable debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	logger := newLogger(cfg.Logging, serveDebug, os.Stderr)
	slog.SetDefault(logger)

	if _, _, err := llm.ParseProviderModel(cfg.DefaultModel); err != nil {
		return fmt.Errorf("invalid default_model: %w", err)
	}
	if cfg.Server.Token == "" && !isLoopbackHost(cfg.Server.Host) {
		logger.Warn("serving without authentication on a non-loopback address", "host", cfg.Server.Host)
	}

	// A second signal cuts the graceful drain short.
	forceCtx, force := context.WithCancel(context.Background())
	defer force()
	ctx, stop := signal.ShutdownContext(context.Background(), logger, force)
	defer stop()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := server.New(server.Options{
		Addr:              cfg.Addr(),
		Token:             cfg.Server.Token,
		MessagesPerSecond: cfg.Server.MessagesPerSecond,
		MessageBurst:      cfg.Server.MessageBurst,
		Agent:             st.agent,
		Metrics:           st.metrics,
		Gatherer:          prometheus.DefaultGatherer,
		Logger:            logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("nohup listening",
		"addr", cfg.Addr(),
		"model", cfg.DefaultModel,
		"tools", len(st.agent.Tools.Names()),
		"auth", cfg.Server.Token != "")

	<-ctx.Done()
	logger.Info("draining sessions")

	shutdownCtx, cancel := context.WithTimeout(forceCtx, 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func applyServeFlags(cfg *config.Config) {
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveToken != "" {
		cfg.Server.Token = serveToken
	}
	if serveModel != "" {
		cfg.DefaultModel = serveModel
	}
	if serveBrowser {
		cfg.Tools.Browser.Enabled = true
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stack holds everything a server shares across sessions.
type stack struct {
	agent   *agent.Config
	metrics *observability.Metrics
	store   session.Store
	memory  *memory.Store
	mcp     *mcp.Manager
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	st := &stack{metrics: observability.NewMetrics(prometheus.DefaultRegisterer)}

	chatsPath, err := cfg.ChatsDBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve chats db path: %w", err)
	}
	store, err := session.NewSQLiteStore(session.Config{Path: chatsPath})
	if err != nil {
		return nil, fmt.Errorf("open chats db: %w", err)
	}
	st.store = session.NewLoggingStore(store, logger)

	if st.memory, err = openMemory(cfg, logger); err != nil {
		st.Close()
		return nil, err
	}

	pricing := usage.NewPricingFetcher()
	pricing.SetLogger(logger)

	var browser *tools.BrowserTool
	if cfg.Tools.Browser.Enabled {
		browserModel := cfg.Tools.Browser.Model
		if browserModel == "" {
			browserModel = cfg.DefaultModel
		}
		browser = tools.NewBrowserTool(tools.BrowserConfig{
			Launch: tools.ChromeLauncher(cfg.Tools.Browser.Headless),
			NewProvider: func() (llm.Provider, string, error) {
				p, err := llm.NewProviderForModel(cfg, browserModel, nil)
				return p, browserModel, err
			},
			MaxSteps:        cfg.Tools.Browser.MaxSteps,
			QuestionTimeout: cfg.Agent.QuestionTimeout,
			Logger:          logger.With("tool", tools.BrowserToolName),
			Recorder:        st.metrics,
			Pricer:          pricing,
		})
	}

	var extra []llm.Tool
	if len(cfg.MCP.Servers) > 0 {
		st.mcp = mcp.NewManager(mcp.ServersFromConfig(cfg.MCP), logger.With("component", "mcp"))
		st.mcp.StartAll(ctx, mcpStartTimeout)
		extra = st.mcp.Tools()
	}

	registry := tools.NewCatalog(tools.CatalogOptions{
		Search:  tools.NewWebSearchTool(cfg.APIKey(config.ProviderTavily), cfg.Tools.Search.MaxWords),
		Memory:  st.memory,
		Browser: browser,
		Extra:   extra,
		Logger:  logger,
	})

	systemPrompt := cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = prompt.SystemPrompt(registry)
	}

	st.agent = &agent.Config{
		Store:        st.store,
		Tools:        registry,
		SystemPrompt: systemPrompt,
		DefaultModel: cfg.DefaultModel,
		NewProvider: func(model string, keys map[string]string) (llm.Provider, error) {
			return llm.NewProviderForModel(cfg, model, keys)
		},
		Pricer:   pricing,
		Metrics:  st.metrics,
		Logger:   logger,
		MaxSteps: cfg.Agent.MaxSteps,
	}
	return st, nil
}

// openMemory opens the long-term memory database. Vector search is enabled
// when memory.embedding_model is set; a misconfigured embedder falls back to
// full-text search.
func openMemory(cfg *config.Config, logger *slog.Logger) (*memory.Store, error) {
	path, err := cfg.MemoryDBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve memory db path: %w", err)
	}
	store, err := memory.NewStore(memory.Config{Path: path})
	if err != nil {
		return nil, err
	}
	store.SetLogger(logger.With("component", "memory"))

	embedder, err := embedding.NewEmbeddingProvider(cfg)
	if err != nil {
		logger.Warn("memory embeddings disabled", "error", err)
		return store, nil
	}
	if embedder != nil {
		store.SetEmbedder(embedder)
	}
	return store, nil
}

func (st *stack) Close() {
	if st.mcp != nil {
		st.mcp.StopAll()
	}
	if st.memory != nil {
		_ = st.memory.Close()
	}
	if st.store != nil {
		_ = st.store.Close()
	}
}
