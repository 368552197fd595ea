package application

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/astroconnect/consult-service/internal/config"
	"github.com/astroconnect/consult-service/internal/database"
	"github.com/astroconnect/consult-service/internal/handler"
	"github.com/astroconnect/consult-service/internal/metrics"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/internal/router"
	"github.com/astroconnect/consult-service/internal/service"
	"github.com/astroconnect/consult-service/internal/wallet"
)

// API is the HTTP + WebSocket API application.
type API struct {
	cfg  *config.Config
	srv  *http.Server
	db   *gorm.DB
	sess *service.SessionService
}

// NewAPI creates the API application: validates config, runs migrations,
// opens the DB, wires services, builds the router.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	genID, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("snowflake: %w", err)
	}

	reg := presence.NewRegistry(logger)
	walletSvc := wallet.NewService(db, genID, logger)
	met := metrics.Billing()
	matcher := service.NewMatcher(reg, cfg.RequestTimeout, logger)
	clock := service.NewBillingClock(walletSvc, reg, met, cfg.BillingTickInterval, cfg.SessionGracePeriod, logger)
	sessionSvc := service.NewSessionService(db, reg, walletSvc, matcher, clock, logger)

	chatHandler := handler.NewChatHandler(sessionSvc)
	walletHandler := handler.NewWalletHandler(walletSvc, sessionSvc)
	chatWS := handler.NewChatWSHandler(reg, sessionSvc, clock,
		cfg.WSReadBufferSize, cfg.WSWriteBufferSize, cfg.WSMaxMessageSize, logger)
	health := handler.NewHealthHandler()

	r := router.New(chatHandler, walletHandler, chatWS, health)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{cfg: cfg, srv: srv, db: db, sess: sessionSvc}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled; then shuts
// down gracefully. Billing clocks for sessions active at the previous
// shutdown are resumed before serving.
func (a *API) Run(ctx context.Context) error {
	if err := a.sess.ResumeActiveSessions(ctx); err != nil {
		return fmt.Errorf("resume sessions: %w", err)
	}

	addr := a.srv.Addr
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", addr)
	log.Printf("  Health:        %s/health", base)
	log.Printf("  Ready:         %s/ready", base)
	log.Printf("  Metrics:       %s/metrics", base)
	log.Printf("  Chat API:      %s/api/chat", base)
	log.Printf("  WebSocket:     ws://%s:%s/ws/chat/:role/:participant_id", host, a.cfg.HTTPPort)

	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
