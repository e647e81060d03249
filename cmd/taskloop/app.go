package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/taskloop/internal/action"
	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/config"
	"github.com/nugget/taskloop/internal/connwatch"
	"github.com/nugget/taskloop/internal/llm"
	"github.com/nugget/taskloop/internal/memory"
	"github.com/nugget/taskloop/internal/mqtt"
	"github.com/nugget/taskloop/internal/prompts"
	"github.com/nugget/taskloop/internal/reflection"
	"github.com/nugget/taskloop/internal/retry"
	"github.com/nugget/taskloop/internal/runtime"
	"github.com/nugget/taskloop/internal/taskstore"
	"github.com/nugget/taskloop/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds the components shared by every command that runs tasks.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	messages  *memory.SQLiteStore
	runs      *taskstore.Store
	usage     *usage.Store
	tokens    *mqtt.DailyTokens
	client    llm.Client
	ollama    *llm.OllamaClient
	anthropic *llm.AnthropicClient
	runtime   *runtime.Runtime
	parser    *action.Parser
	evaluator reflection.Evaluator
}

// newApp opens the database and builds the model clients, tool runtime,
// and stores described by cfg. The caller must Close it.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "taskloop.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	a := &app{cfg: cfg, logger: logger, db: db, tokens: mqtt.NewDailyTokens(nil)}
	if err := a.openStores(); err != nil {
		db.Close()
		return nil, err
	}

	a.client = a.createLLMClient()
	a.runtime = a.createRuntime()
	a.parser = action.NewParser(a.runtime.Registry().Names()...)

	switch cfg.Loop.Reflection {
	case "llm":
		a.evaluator = reflection.NewLLMEvaluator(a.client, a.reflectionModel(), logger)
	default:
		a.evaluator = reflection.StatusEvaluator{}
	}

	logger.Info("database opened", "path", dbPath)
	return a, nil
}

func (a *app) openStores() error {
	var err error
	if a.messages, err = memory.NewSQLiteStore(a.db); err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	if a.runs, err = taskstore.New(a.db); err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	if a.usage, err = usage.NewStore(a.db); err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	return nil
}

// createLLMClient routes each configured model to its provider. Models
// not listed fall through to Ollama.
func (a *app) createLLMClient() llm.Client {
	cfg := a.cfg
	a.ollama = llm.NewOllamaClient(cfg.Models.OllamaURL, a.logger)
	multi := llm.NewMultiClient(a.ollama)
	multi.AddProvider("ollama", a.ollama)

	if cfg.Anthropic.APIKey != "" {
		a.anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.MaxTokens, a.logger)
		multi.AddProvider("anthropic", a.anthropic)
		a.logger.Info("Anthropic provider configured")
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	a.logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
	)
	return multi
}

// createRuntime registers the file tools and, when enabled, the shell.
func (a *app) createRuntime() *runtime.Runtime {
	cfg := a.cfg
	registry := runtime.NewRegistry()

	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = filepath.Join(cfg.DataDir, "workspace")
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		a.logger.Warn("workspace unavailable, file tools disabled", "path", workspace, "error", err)
	} else {
		runtime.NewFileTools(workspace).Register(registry)
	}

	if cfg.ShellExec.Enabled {
		shellCfg := runtime.DefaultShellExecConfig()
		shellCfg.Enabled = true
		shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
		if shellCfg.WorkingDir == "" {
			shellCfg.WorkingDir = workspace
		}
		shellCfg.AllowedCmds = cfg.ShellExec.AllowedCommands
		shellCfg.DeniedCmds = append(shellCfg.DeniedCmds, cfg.ShellExec.DeniedPatterns...)
		if cfg.ShellExec.DefaultTimeoutSec > 0 {
			shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
		}
		runtime.NewShellExec(shellCfg).Register(registry)
		a.logger.Info("shell exec enabled", "working_dir", shellCfg.WorkingDir)
	}

	a.logger.Info("tools registered", "tools", registry.Names(), "workspace", workspace)
	return runtime.New(registry, a.logger)
}

func (a *app) reflectionModel() string {
	if a.cfg.Models.ReflectionModel != "" {
		return a.cfg.Models.ReflectionModel
	}
	return a.cfg.Models.Default
}

// newLoop builds a loop wired to the run store and usage recorders.
func (a *app) newLoop(opts ...agent.Option) *agent.Loop {
	cfg := a.cfg
	recorder := usage.NewRecorder(a.usage, cfg.Pricing, cfg.ProviderFor)
	opts = append([]agent.Option{
		agent.WithRecorder(a.runs),
		agent.WithUsageRecorder(usageRecorders{recorder, a.tokens}),
	}, opts...)

	return agent.NewLoop(a.client, a.parser, a.evaluator, agent.Config{
		Model: cfg.Models.Default,
		Limits: retry.Limits{
			MaxConsecutive: cfg.Loop.MaxConsecutiveRetries,
			MaxTotal:       cfg.Loop.MaxTotalRetries,
			Delay:          cfg.Loop.RetryDelay,
		},
		MaxOutputBytes:   cfg.Loop.MaxOutputBytes,
		MaxContinuations: cfg.Loop.MaxContinuations,
		SystemPrompt:     prompts.SystemPrompt(a.runtime.Registry().Specs()),
		TerminalTool:     cfg.Loop.TerminalTool,
	}, a.logger, opts...)
}

// newContext opens the conversation convID and binds it to the shared
// tool runtime.
func (a *app) newContext(convID string) (*agent.ExecutionContext, error) {
	var opts []memory.ConversationOption
	if a.cfg.Loop.Summarize {
		opts = append(opts, memory.WithSummarizer(memory.NewLLMSummarizer(a.client, a.reflectionModel())))
	}
	conv := memory.NewConversation(a.messages, convID, a.logger, opts...)
	return agent.NewExecutionContext(conv, a.runtime, convID), nil
}

// watch registers reachability probes for the configured providers.
func (a *app) watch(ctx context.Context, mon *connwatch.Monitor) {
	if _, err := mon.Watch(ctx, connwatch.Check{Name: "ollama", Probe: a.ollama.Ping}); err != nil {
		a.logger.Warn("watch ollama failed", "error", err)
	}
	if a.anthropic != nil {
		if _, err := mon.Watch(ctx, connwatch.Check{Name: "anthropic", Probe: a.anthropic.Ping}); err != nil {
			a.logger.Warn("watch anthropic failed", "error", err)
		}
	}
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// usageRecorders fans token usage out to several recorders. A failing
// recorder does not stop the others.
type usageRecorders []agent.UsageRecorder

func (u usageRecorders) RecordUsage(ctx context.Context, taskID, conversationID, model string, inputTokens, outputTokens int) error {
	var first error
	for _, r := range u {
		if err := r.RecordUsage(ctx, taskID, conversationID, model, inputTokens, outputTokens); err != nil && first == nil {
			first = err
		}
	}
	return first
}
