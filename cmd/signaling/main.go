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

	"github.com/studycircle/voice-signaling/config"
	"github.com/studycircle/voice-signaling/internal/middleware"
	"github.com/studycircle/voice-signaling/internal/presence"
	"github.com/studycircle/voice-signaling/internal/registry"
	"github.com/studycircle/voice-signaling/internal/relay"
)

func main() {
	cfg := config.Load()

	// Redis is optional: without it presence is served from memory only.
	var store *presence.Store
	if rdb, err := presence.Dial(cfg.Redis); err != nil {
		log.Printf("Redis unavailable, presence mirror disabled: %v", err)
	} else {
		store = presence.NewStore(rdb, cfg.PresenceTTL)
		defer store.Close()
		log.Println("Redis connection established")
	}

	reg := registry.New()
	reg.MaxOccupancy = cfg.RoomOccupancy

	r := relay.New(relay.Config{
		Registry:     reg,
		Presence:     store,
		PingInterval: cfg.PingInterval,
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": reg.RoomCount()})
	})

	// Presence query (public): poll fallback for membership.
	router.GET("/api/rooms/:roomId/participants", presence.Handler(reg))

	// Control channel: identity must match the JWT's subject.
	router.GET("/ws/rooms/:roomId/:participantId",
		middleware.Identity(cfg.JWTSecret), r.Handler())

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Starting voice signaling server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	// Close live control connections first so clients see a clean
	// going-away, then let in-flight HTTP requests drain.
	r.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
}
