// Package commands – serve.go starts the relay server: the websocket hub the
// agent connects to, plus the OpenAI-compatible chat endpoint.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server. It accepts one agent connection on /ws and serves
chat completion requests on /v1/chat/completions, relaying each prompt to
the agent and streaming its replies back.

Examples:
  promptrelay serve
  promptrelay serve --config ./config.yaml
  promptrelay serve --api-key sk-local-123`,
		RunE: runServe,
	}

	cmd.Flags().String("api-key", "", "require 'Authorization: Bearer <key>' on chat requests")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	if key, _ := cmd.Flags().GetString("api-key"); key != "" {
		cfg.APIKey = key
	}

	store, err := server.OpenStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	hub := server.NewHub(cfg.WebSocket, logger)
	tasks := server.NewTaskManager(logger)
	tasks.StartDispatcher(hub)
	chat := server.NewChatHandler(hub, tasks, store, cfg.APIKey, logger)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", hub.HandleWS)
	r.POST("/v1/chat/completions", chat.Handle)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "auth", cfg.APIKey != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}
	return nil
}
