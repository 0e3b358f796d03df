package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/towdyouso/internal/config"
	ctxengine "github.com/user/towdyouso/internal/context"
	"github.com/user/towdyouso/internal/observability"
	"github.com/user/towdyouso/internal/orchestrator"
	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/runtime/tools"
	"github.com/user/towdyouso/internal/scheduler"
	"github.com/user/towdyouso/internal/server"
	"github.com/user/towdyouso/internal/state"
	"github.com/user/towdyouso/internal/telegram"
	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
	"github.com/user/towdyouso/pkg/llm/anthropic"
	"github.com/user/towdyouso/pkg/llm/openai"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP, WebSocket and Telegram server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// stores holds the session and entry stores chosen by storage.driver.
type stores struct {
	sessions types.SessionStore
	entries  types.EntryStore
	close    func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "", "jsonl":
		return &stores{
			sessions: state.NewSessionStore(cfg.DataDir),
			entries:  state.NewEntryStore(cfg.DataDir),
			close:    func() error { return nil },
		}, nil
	case "sqlite":
		dsn := cfg.Storage.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "towdyouso.db")
		}
		db, err := state.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &stores{sessions: db, entries: db.Entries(), close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		return openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}), nil
	case "anthropic":
		return anthropic.New(&llm.Config{
			APIKey:      cfg.Anthropic.APIKey,
			Model:       cfg.Anthropic.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer st.close()

	files := state.NewFileStore(cfg.UploadDir(), cfg.HTTP.BaseURL)
	memories := state.NewMemoryStore(filepath.Join(cfg.DataDir, "memories.json"))
	signs := state.NewSignStore(filepath.Join(cfg.DataDir, "parking_signs.json"))
	metrics := observability.NewMetrics()

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, cfg.SystemPromptPath)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}
	engine.SetMemoryStore(memories)
	engine.SetFileStore(files)

	registry := runtime.NewRegistry()
	if err := tools.RegisterAll(registry, tools.Deps{
		Provider:            provider,
		Memories:            memories,
		Signs:               signs,
		Files:               files,
		MapboxToken:         cfg.Mapbox.AccessToken,
		RoboflowAPIKey:      cfg.Roboflow.APIKey,
		RoboflowWorkflowURL: cfg.Roboflow.WorkflowURL,
		BraveAPIKey:         cfg.Brave.APIKey,
		Rounds: tools.Rounds{
			MemoryManager: cfg.Agents.MemoryManagerRounds,
			LocationAgent: cfg.Agents.LocationAgentRounds,
			SignReader:    cfg.Agents.SignReaderRounds,
		},
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	rt := runtime.NewSessionRuntime(ctx, st.entries, registry, runtime.NewBatchTracker(), runtime.Options{
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Metrics:       metrics,
	})
	defer rt.Stop()

	orch := orchestrator.New(st.entries, files, provider, engine, registry, rt, metrics)

	sweeper := scheduler.New(cfg.Sweep.Schedule, st.sessions, st.entries, rt.Attached, metrics)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, orch, st.sessions, st.entries, files)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           server.NewServer(ctx, st.sessions, st.entries, files, signs, orch, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}()

	slog.Info("towdyouso started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Driver,
		"listen", cfg.HTTP.Listen,
		"base_url", cfg.HTTP.BaseURL,
		"llm_provider", cfg.LLM.Provider,
		"tools", len(registry.Names()),
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}
