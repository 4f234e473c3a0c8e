package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/handlers"
	"github.com/MegaGrindStone/deep-research-ui/internal/research"
	"github.com/MegaGrindStone/deep-research-ui/internal/services"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "deep-research-ui",
		Short:        "Web UI and orchestration engine for deep research sessions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:          "serve",
		Short:        "Start the research server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})
	rootCmd.AddCommand(chatsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, "deep-research-ui")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return dir, nil
}

func resolveConfig() (config, string, error) {
	dir, err := configDir()
	if err != nil {
		return config{}, "", err
	}

	path := cfgFile
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return config{}, "", err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dir, "research.db")
	}
	return cfg, dir, nil
}

func runServe() error {
	cfg, _, err := resolveConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	// Configuration problems must surface before the server binds.
	roleCfgs, err := cfg.roleConfigs()
	if err != nil {
		return err
	}
	tavilyKey, err := cfg.tavilyAPIKey()
	if err != nil {
		return err
	}

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	gateway := services.NewOpenAI(roleCfgs, cfg.modelTimeout(), logger)
	search := services.NewTavily(tavilyKey, logger)
	controller := research.NewController(logger)
	pipeline := research.NewPipeline(gateway, search, boltDB, cfg.pipelineConfig(), logger)

	m := handlers.NewMain(boltDB, controller, pipeline, gateway, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.HandleWS)
	mux.Handle("/sse/chats", m.HandleSSE())
	mux.HandleFunc("GET /api/chats", m.HandleListChats)
	mux.HandleFunc("POST /api/chats", m.HandleCreateChat)
	mux.HandleFunc("GET /api/chats/{id}/messages", m.HandleChatMessages)
	mux.HandleFunc("DELETE /api/chats/{id}", m.HandleDeleteChat)
	mux.HandleFunc("GET /api/reports/{name}", m.HandleReport)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}
	return nil
}
