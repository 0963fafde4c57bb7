package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicegate/internal/app"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/livekit"
	"github.com/ent0n29/voicegate/internal/memory"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "voicegate",
		Short:        "Real-time voice and chat agent gateway",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newLiveKitCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Twilio media stream, chat socket and operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(room, true)
		},
	}
	cmd.Flags().StringVar(&room, "livekit-room", "", "also join this LiveKit room as the agent")
	return cmd
}

func newLiveKitCmd() *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "livekit",
		Short: "Join a LiveKit room as the agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(room) == "" {
				return errors.New("--room is required")
			}
			return run(room, false)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "LiveKit room name")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			return memory.Migrate(cmd.Context(), cfg.DatabaseURL)
		},
	}
}

// run serves until SIGINT or SIGTERM. With a room it also joins LiveKit; the
// HTTP server is skipped when serveHTTP is false.
func run(room string, serveHTTP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if room != "" && !cfg.LiveKitEnabled() {
		return errors.New("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required to join a room")
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(runCtx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()
	log.Printf("providers: llm=%s tts=%s stt=%s turn=%s", built.Voice.LLM, built.Voice.TTS, built.Voice.STT, built.Voice.Turn)

	built.Sessions.StartKeepAlive(runCtx, cfg.KeepAliveEvery)

	errCh := make(chan error, 2)
	var httpServer *http.Server
	if serveHTTP {
		httpServer = &http.Server{Addr: cfg.BindAddr, Handler: built.API.Router()}
		go func() {
			log.Printf("server listening on %s", cfg.BindAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen error: %w", err)
			}
		}()
	}

	if room != "" {
		prompt := cfg.DefaultPrompt
		if strings.TrimSpace(prompt) == "" {
			prompt = conversation.DefaultPrompt(cfg.StoreName)
		}
		agent, err := livekit.NewAgent(livekit.Config{
			URL:       cfg.LiveKitURL,
			APIKey:    cfg.LiveKitAPIKey,
			APISecret: cfg.LiveKitAPISecret,
			Identity:  cfg.LiveKitIdentity,
			Room:      room,
		}, built.Sessions, built.Hub, prompt, built.Registry.Descriptors())
		if err != nil {
			return err
		}
		go func() {
			if err := agent.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("livekit agent: %w", err)
			}
		}()
	}

	select {
	case <-runCtx.Done():
		log.Printf("shutdown signal received")
	case err = <-errCh:
		log.Printf("stopping: %v", err)
	}
	stop()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
	}
	log.Printf("shutdown complete")
	return err
}
