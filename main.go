package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"go-relay/config"
	"go-relay/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services.InitMetrics()

	// Initialize Firebase
	var store services.CallStore
	if cfg.Firebase.Enabled() {
		fs, err := services.NewFirestoreStore(ctx, cfg.Firebase)
		if err != nil {
			log.Printf("Warning: Failed to initialize Firestore: %v", err)
		} else {
			defer fs.Close()
			store = fs
			log.Println("Firestore initialized successfully")
		}
	}

	var notifier services.Notifier
	if cfg.Mail.Enabled() {
		notifier = services.NewSMTPMailer(cfg.Mail)
	} else {
		log.Println("Warning: SMTP is not configured, call summaries will not be emailed")
	}

	hub := services.NewWebSocketHub()
	go hub.Run(ctx)

	srv := &server{
		cfg:      cfg,
		dial:     dialRealtime,
		reporter: services.NewReporter(services.NewSummarizer(cfg.Realtime.APIKey, cfg.Summary.Model), notifier, store),
		store:    store,
		hub:      hub,
	}

	callsCtx, cancelCalls := context.WithCancel(context.Background())
	defer cancelCalls()
	srv.ctx = callsCtx

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown does not track hijacked websockets; cancelling callsCtx ends
	// their relays so the post-call reports still run.
	httpServer.RegisterOnShutdown(cancelCalls)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		log.Println("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		if err := srv.waitForCalls(shutdownCtx); err != nil {
			log.Printf("Gave up waiting for active calls: %v", err)
		}
	}()

	log.Printf("Server listening on port %s", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
	<-done
}
