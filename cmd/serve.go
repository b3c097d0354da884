package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qninhdt/scene-loom/server/internal/agents"
	"github.com/qninhdt/scene-loom/server/internal/api"
	"github.com/qninhdt/scene-loom/server/internal/config"
	"github.com/qninhdt/scene-loom/server/internal/conversation"
	"github.com/qninhdt/scene-loom/server/internal/db"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

const shutdownTimeout = 15 * time.Second

// newProvider picks the completion backend named by LLM_PROVIDER
func newProvider(c *config.Config) agents.Provider {
	if c.Provider == config.ProviderOpenAI {
		return agents.NewOpenAIProvider(c.APIKey(), c.BaseURL)
	}
	return agents.NewOpenRouterClient(c.APIKey(), c.BaseURL)
}

// buildServer wires the generation pipeline behind the HTTP API
func buildServer(c *config.Config, database *db.DB, provider agents.Provider, log *zap.Logger) (*api.Server, error) {
	selection, err := agents.NewModelSelection(story.Tier(c.DefaultTier))
	if err != nil {
		return nil, err
	}

	client := agents.NewGenerationClient(provider, selection, agents.GenerationConfig{
		Models:            c.Models(),
		MaxTokens:         c.GenerationMaxTokens,
		Timeout:           c.GenerationTimeout,
		RequestsPerSecond: c.ProviderRPS,
	}, log.Named("generation"))

	builder, err := agents.NewPromptBuilder(c.PromptsDir)
	if err != nil {
		return nil, err
	}

	policy, err := story.NewDistillPolicy(c.DistillCondition)
	if err != nil {
		return nil, err
	}
	distiller, err := agents.NewMemoryDistiller(client, builder, policy, c.DistillMaxTokens, log.Named("distiller"))
	if err != nil {
		return nil, err
	}

	hub := api.NewHub(log.Named("hub"))
	manager := conversation.NewManager(conversation.Config{
		Store:                database,
		Generator:            client,
		Builder:              builder,
		Parser:               agents.NewResponseParser(log.Named("parser")),
		Distiller:            distiller,
		Notifier:             hub,
		Logger:               log.Named("conversation"),
		HistoryLimit:         c.HistoryLimit,
		MemoriesPerCharacter: c.MemoriesPerCharacter,
	})

	return api.NewServer(api.Options{
		DB:                database,
		Manager:           manager,
		Selection:         selection,
		Models:            c.Models(),
		Hub:               hub,
		AdminSecret:       c.AdminSecret,
		RequestsPerSecond: c.RequestRPS,
		Logger:            log.Named("api"),
	}), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	provider := newProvider(cfg)
	if cfg.APIKey() == "" {
		logger.Warn("no API key configured, generation requests will be rejected", zap.String("provider", provider.Name()))
	}
	if cfg.AdminSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET is empty, the model tier cannot be changed over HTTP")
	}

	server, err := buildServer(cfg, database, provider, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server",
			zap.String("addr", httpServer.Addr),
			zap.String("provider", provider.Name()),
			zap.String("tier", cfg.DefaultTier))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		server.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	logger.Info("database ready", zap.String("path", cfg.DBPath))
	return nil
}
