// Package app wires all rtxchat subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run runs the HTTP/SSE server until ctx is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithGraphStore,
// WithMCPHost, etc.). When an option is not provided, New creates a real
// implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtxchat/rtxchat/internal/agentstore"
	"github.com/rtxchat/rtxchat/internal/canonicalize"
	"github.com/rtxchat/rtxchat/internal/confirm"
	"github.com/rtxchat/rtxchat/internal/config"
	"github.com/rtxchat/rtxchat/internal/convostore"
	"github.com/rtxchat/rtxchat/internal/engine"
	"github.com/rtxchat/rtxchat/internal/mcp"
	"github.com/rtxchat/rtxchat/internal/mcp/mcphost"
	"github.com/rtxchat/rtxchat/internal/mcp/tools/codeexec"
	"github.com/rtxchat/rtxchat/internal/mcp/tools/fileio"
	"github.com/rtxchat/rtxchat/internal/mcp/tools/memorytool"
	"github.com/rtxchat/rtxchat/internal/mcp/tools/web"
	"github.com/rtxchat/rtxchat/internal/resilience"
	"github.com/rtxchat/rtxchat/internal/retriever"
	"github.com/rtxchat/rtxchat/internal/session"
	"github.com/rtxchat/rtxchat/pkg/memory"
	memorypostgres "github.com/rtxchat/rtxchat/pkg/memory/postgres"
	"github.com/rtxchat/rtxchat/pkg/provider/embeddings"
	"github.com/rtxchat/rtxchat/pkg/provider/llm"
)

// nodeLabels are the graph node types the memory store must have tables for.
// Must stay in sync with the labels pkg/memory/api.go writes and
// internal/retriever reads.
var nodeLabels = []string{"User", "Person", "Fact", "Preference", "Event", "KnowledgeChunk"}

// defaultEmbeddingDimensions is used when Memory.EmbeddingDimensions is zero,
// matching OpenAI's text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// defaultFileioBaseDir and defaultCodeexecBaseDir are used when the
// corresponding config fields are left empty.
const (
	defaultFileioBaseDir   = "./data/fileio"
	defaultCodeexecBaseDir = "./data/codeexec"
)

// httpFetcher is the shared client backing the "fetch_url" built-in tool.
var httpFetcher = &http.Client{}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the agent runtime.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	pool          *pgxpool.Pool
	graph         memory.GraphStore
	memoryAPI     *memory.API
	canonicalizer *canonicalize.Canonicalizer
	retriever     *retriever.Retriever
	mcpHost       mcp.Host
	broker        *confirm.Broker
	ctxMgr        *session.ContextManager
	engine        *engine.Engine
	convoStore    convostore.Store
	agentStore    agentstore.Store
	server        *Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGraphStore injects a graph store instead of connecting one from config.
func WithGraphStore(g memory.GraphStore) Option {
	return func(a *App) { a.graph = g }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithConvoStore injects a conversation store instead of connecting one from config.
func WithConvoStore(s convostore.Store) Option {
	return func(a *App) { a.convoStore = s }
}

// WithAgentStore injects an agent record store instead of connecting one from config.
func WithAgentStore(s agentstore.Store) Option {
	return func(a *App) { a.agentStore = s }
}

// Engine returns the turn engine. Exposed for the HTTP layer and for tests.
func (a *App) Engine() *engine.Engine { return a.engine }

// ConvoStore returns the conversation store.
func (a *App) ConvoStore() convostore.Store { return a.convoStore }

// AgentStore returns the agent record store.
func (a *App) AgentStore() agentstore.Store { return a.agentStore }

// Broker returns the tool confirmation broker.
func (a *App) Broker() *confirm.Broker { return a.broker }

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: memory store connection and
// migration, retrieval + canonicalization construction, MCP host
// construction and tool registration, the context manager, the turn engine,
// and the conversation/agent record stores.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	if err := a.seedAgents(ctx); err != nil {
		return nil, fmt.Errorf("app: seed agents: %w", err)
	}

	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	a.broker = confirm.New()

	a.initEngine()

	a.server = NewServer(a)

	return a, nil
}

// prepareSandboxDir resolves configured (or default) to an absolute path and
// ensures it exists, as required by the fileio and codeexec tool sandboxes.
func prepareSandboxDir(configured, defaultDir string) (string, error) {
	dir := configured
	if dir == "" {
		dir = defaultDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory connects the pgvector-backed knowledge graph, migrates its
// schema, and builds the canonicalizer and hybrid retriever on top of it.
func (a *App) initMemory(ctx context.Context) error {
	if a.providers.Embeddings == nil {
		return fmt.Errorf("an embeddings provider is required")
	}

	if a.graph == nil {
		dsn := a.cfg.Memory.PostgresDSN
		if dsn == "" {
			return fmt.Errorf("memory.postgres_dsn is required when no graph store is injected")
		}

		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})

		dims := a.cfg.Memory.EmbeddingDimensions
		if dims == 0 {
			dims = defaultEmbeddingDimensions
		}
		if err := memorypostgres.Migrate(ctx, pool, nodeLabels, dims); err != nil {
			return fmt.Errorf("migrate memory schema: %w", err)
		}

		a.graph = memory.NewCircuitBreakerStore(memorypostgres.New(pool), resilience.CircuitBreakerConfig{
			Name:         "postgres-graph-store",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		})
	}

	a.memoryAPI = memory.New(a.graph, a.providers.Embeddings)
	a.memoryAPI.DuplicateThreshold = a.cfg.Memory.DuplicateThreshold
	a.canonicalizer = canonicalize.New(a.graph, a.providers.Embeddings)
	a.retriever = retriever.New(a.graph, a.providers.Embeddings)
	return nil
}

// initStores connects the conversation and agent-record stores, reusing the
// memory pool's connection when one exists and no store was injected.
func (a *App) initStores(ctx context.Context) error {
	if a.convoStore == nil || a.agentStore == nil {
		if a.pool == nil {
			return fmt.Errorf("conversation/agent stores require a postgres connection (inject stores via options when using a non-postgres graph store)")
		}
	}

	if a.convoStore == nil {
		store := convostore.NewPostgresStore(a.pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate conversation store: %w", err)
		}
		a.convoStore = store
	}

	if a.agentStore == nil {
		store := agentstore.NewPostgresStore(a.pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate agent store: %w", err)
		}
		a.agentStore = store
	}

	return nil
}

// seedAgents inserts any agent defined in the YAML config that has no
// matching record (by name) in the agent store yet, so agents declared only
// in config.yaml are immediately selectable through the CRUD API. Existing
// records are left untouched — the store, not the file, is authoritative
// once a record exists.
func (a *App) seedAgents(ctx context.Context) error {
	if len(a.cfg.Agents) == 0 {
		return nil
	}

	existing, err := a.agentStore.List(ctx, true)
	if err != nil {
		return fmt.Errorf("list existing agent records: %w", err)
	}
	byName := make(map[string]bool, len(existing))
	for _, rec := range existing {
		byName[rec.Name] = true
	}

	for _, agentCfg := range a.cfg.Agents {
		if byName[agentCfg.Name] {
			continue
		}
		rec := &agentstore.Record{
			ID:                  uuid.NewString(),
			Name:                agentCfg.Name,
			Prompt:              agentCfg.Prompt,
			EnabledTools:        agentCfg.EnabledTools,
			MaxMemories:         agentCfg.MaxMemories,
			MaxToolRuns:         agentCfg.MaxToolRuns,
			MinSimilarity:       agentCfg.MinSimilarity,
			ContextCompression:  agentCfg.ContextCompression,
			ContextMaxTokens:    agentCfg.ContextMaxTokens,
			ContextWindowTokens: agentCfg.ContextWindowTokens,
			IsTemplate:          agentCfg.IsTemplate,
		}
		if err := a.agentStore.Create(ctx, rec); err != nil {
			return fmt.Errorf("seed agent %q: %w", agentCfg.Name, err)
		}
		slog.Info("seeded agent record from config", "name", agentCfg.Name)
	}
	return nil
}

// initMCP sets up the MCP host and registers the built-in tools and any
// configured external MCP servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		host := mcphost.New()
		a.mcpHost = host

		for _, t := range memorytool.NewTools(a.memoryAPI, a.retriever) {
			if err := host.RegisterBuiltin(mcphost.BuiltinTool(t)); err != nil {
				return fmt.Errorf("register memory tool %q: %w", t.Definition.Name, err)
			}
		}
		fileioBaseDir, err := prepareSandboxDir(a.cfg.MCP.FileioBaseDir, defaultFileioBaseDir)
		if err != nil {
			return fmt.Errorf("prepare fileio sandbox dir: %w", err)
		}
		for _, t := range fileio.NewTools(fileioBaseDir) {
			if err := host.RegisterBuiltin(mcphost.BuiltinTool(t)); err != nil {
				return fmt.Errorf("register fileio tool %q: %w", t.Definition.Name, err)
			}
		}
		for _, t := range web.NewTools(httpFetcher) {
			if err := host.RegisterBuiltin(mcphost.BuiltinTool(t)); err != nil {
				return fmt.Errorf("register web tool %q: %w", t.Definition.Name, err)
			}
		}
		codeexecBaseDir, err := prepareSandboxDir(a.cfg.MCP.CodeexecBaseDir, defaultCodeexecBaseDir)
		if err != nil {
			return fmt.Errorf("prepare codeexec sandbox dir: %w", err)
		}
		for _, t := range codeexec.NewTools(codeexecBaseDir, codeexec.NewSubprocessRunner(), nil) {
			if err := host.RegisterBuiltin(mcphost.BuiltinTool(t)); err != nil {
				return fmt.Errorf("register codeexec tool %q: %w", t.Definition.Name, err)
			}
		}
	}
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		serverCfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: mcp.Transport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.mcpHost.RegisterServer(ctx, serverCfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	return nil
}

// initEngine builds the context manager and turn engine. The context
// manager's rolling summary is process-wide; multi-tenant deployments that
// need per-conversation compaction state should run one App per tenant.
func (a *App) initEngine() {
	var summariser session.Summariser
	if a.providers.LLM != nil {
		summariser = session.NewLLMSummariser(a.providers.LLM)
	}

	a.ctxMgr = session.NewContextManager(session.ContextManagerConfig{
		MaxContextTokens: 0,
		WindowTokens:     0,
		Summariser:       summariser,
		Disabled:         true, // per-agent settings override this via engine.AgentConfig
	})

	a.engine = engine.New(a.providers.LLM, a.retriever, a.memoryAPI, a.mcpHost, a.broker, a.ctxMgr)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP/SSE server and blocks until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	return a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, then runs the closers in the order they
// were registered during init (the Postgres pool before the MCP host). It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
