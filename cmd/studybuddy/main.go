package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mkravets/studybuddy/internal/chat"
	"github.com/mkravets/studybuddy/internal/config"
	"github.com/mkravets/studybuddy/internal/hint"
	"github.com/mkravets/studybuddy/internal/httpapi"
	"github.com/mkravets/studybuddy/internal/identity"
	"github.com/mkravets/studybuddy/internal/llm"
	"github.com/mkravets/studybuddy/internal/observability"
	"github.com/mkravets/studybuddy/internal/prompt"
	"github.com/mkravets/studybuddy/internal/session"
	"github.com/mkravets/studybuddy/internal/transcript"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	accessStore, err := identity.NewStore(ctx, identity.StoreConfig{
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		DatabaseURL:   cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("identity store init failed: %v", err)
	}
	defer accessStore.Close()

	transcriptStore, err := transcript.NewStore(ctx, transcript.StoreConfig{
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		DatabaseURL:   cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcriptStore.Close()

	adapter, err := llm.NewAdapter(llm.Config{
		Mode:    cfg.LLMMode,
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		log.Fatalf("llm adapter init failed: %v", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	orchestrator, err := chat.NewOrchestrator(chat.Options{
		Sessions:        sessions,
		Prompts:         prompt.NewCatalog(cfg.PromptsDir),
		Hints:           hint.NewDispenser(cfg.HintScriptPath),
		Adapter:         adapter,
		Access:          accessStore,
		Transcripts:     transcriptStore,
		Metrics:         metrics,
		Logger:          log.Default(),
		Model:           cfg.Model,
		MaxOutputTokens: cfg.MaxOutputTokens,
		ReasoningEffort: cfg.ReasoningEffort,
		MaxResponses:    cfg.MaxResponses,
	})
	if err != nil {
		log.Fatalf("orchestrator init failed: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sessions.SetExpireHook(func(s *session.Session) {
		hookCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		defer cancel()
		orchestrator.PersistFinal(hookCtx, s)
	})
	sessions.StartJanitor(runCtx, 15*time.Second)

	api := httpapi.New(cfg, orchestrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
