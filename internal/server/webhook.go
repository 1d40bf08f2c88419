package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ahnafnafee/eas-discord-build-notify/internal/eas"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/notify"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/signature"
)

const maxBodyBytes = 1 << 20

const (
	msgProcessed = "Webhook processed successfully"
	msgMismatch  = "Signatures didn't match"
	msgError     = "Server Error"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With(zap.String("request_id", requestIDFrom(r.Context())))

	readyCtx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	channel, err := s.delivery.Ready(readyCtx)
	cancel()
	if err != nil {
		logger.Error("discord channel unavailable", zap.Error(err))
		respond(w, http.StatusInternalServerError, msgError)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.Error("failed to read body", zap.Error(err))
		respond(w, http.StatusInternalServerError, msgError)
		return
	}
	if len(body) == 0 {
		logger.Error("webhook rejected", zap.Error(signature.ErrEmptyBody))
		respond(w, http.StatusInternalServerError, msgError)
		return
	}

	if err := signature.Check(body, r.Header.Get(signature.Header), s.cfg.WebhookSecret); err != nil {
		logger.Warn("webhook signature verification failed", zap.Error(err), zap.Int("bytes", len(body)))
		respond(w, http.StatusUnauthorized, msgMismatch)
		return
	}

	ev, err := eas.Parse(body)
	if err != nil {
		logger.Error("failed to parse webhook payload", zap.Error(err))
		respond(w, http.StatusInternalServerError, msgError)
		return
	}
	common := ev.Common()
	logger = logger.With(
		zap.Stringer("kind", ev.Kind),
		zap.String("status", string(common.Status)),
		zap.String("project", common.ProjectName),
		zap.String("platform", common.Platform),
	)

	n, err := s.builder.Build(ev)
	if errors.Is(err, notify.ErrUnsupportedStatus) {
		logger.Info("webhook ignored: no notification for status")
		respond(w, http.StatusOK, msgProcessed)
		return
	}
	if err != nil {
		logger.Error("failed to build notification", zap.Error(err))
		respond(w, http.StatusInternalServerError, msgError)
		return
	}

	sendCtx, cancel := context.WithTimeout(r.Context(), s.cfg.SendTimeout)
	err = s.delivery.Send(sendCtx, channel, n)
	cancel()
	if err != nil {
		logger.Error("failed to post notification", zap.Error(err))
		respond(w, http.StatusInternalServerError, msgError)
		return
	}

	logger.Info("webhook processed", zap.Bool("attachment", n.Attachment != nil))
	respond(w, http.StatusOK, msgProcessed)
}
