package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ahnafnafee/eas-discord-build-notify/internal/discord"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/eas"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/notify"
)

// Delivery posts notifications to the resolved Discord channel.
type Delivery interface {
	Ready(ctx context.Context) (*discord.Channel, error)
	Send(ctx context.Context, ch *discord.Channel, n notify.Notification) error
}

// Builder renders a parsed event into a notification.
type Builder interface {
	Build(ev eas.Event) (notify.Notification, error)
}

type Config struct {
	Port            int
	WebhookSecret   string
	ReadyTimeout    time.Duration
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg      Config
	delivery Delivery
	builder  Builder
	logger   *zap.Logger
}

func New(cfg Config, delivery Delivery, builder Builder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, delivery: delivery, builder: builder, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(s.accessLog)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	s.logger.Info("listening", zap.Int("port", s.cfg.Port))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	cancel()
	if _, err := s.delivery.Ready(ctx); err != nil {
		respond(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	respond(w, http.StatusOK, "ok")
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
