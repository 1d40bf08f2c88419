package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahnafnafee/eas-discord-build-notify/internal/config"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/discord"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/logging"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/notify"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/server"
	"github.com/ahnafnafee/eas-discord-build-notify/internal/signature"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.code)
}

func (e exitError) ExitCode() int {
	return e.code
}

func runWithSignals(run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case sig := <-sigCh:
		cancel()
		_ = <-errCh
		if sig == os.Interrupt {
			return exitError{code: 130}
		}
		return exitError{code: 143}
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.HasWebhookSecret() {
		logger.Warn("EAS_SECRET_WEBHOOK_KEY is not set: every webhook will be rejected")
	}

	client := discord.New(discord.Config{
		Token:      cfg.DiscordBotToken,
		ChannelID:  cfg.DiscordChannelID,
		APIBase:    cfg.DiscordAPIBase,
		GatewayURL: cfg.DiscordGatewayURL,
		Logger:     logger,
	})
	defer func() {
		if err := client.Close(); err != nil {
			logger.Debug("discord close", zap.Error(err))
		}
	}()
	client.Start()
	go func() {
		if _, err := client.Ready(ctx); err != nil && ctx.Err() == nil {
			logger.Error("discord handshake failed, webhooks will answer 500", zap.Error(err))
		}
	}()

	srv := server.New(server.Config{
		Port:            cfg.Port,
		WebhookSecret:   cfg.WebhookSecret,
		ReadyTimeout:    cfg.ReadyTimeout,
		SendTimeout:     cfg.SendTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, client, notify.NewBuilder(logger), logger)

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "eas-notify",
		Short:         "Post Expo EAS build and submit webhooks to a Discord channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var port int
	var envFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return runWithSignals(func(ctx context.Context) error {
				return serve(ctx, cfg)
			})
		},
	}
	serveCmd.Flags().IntVar(&port, "port", config.DefaultPort, "Port to listen on (overrides PORT)")
	serveCmd.Flags().StringVar(&envFile, "env-file", "", "Load environment variables from this file")

	var secret string
	signCmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Print the expo-signature header for a payload (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("EAS_SECRET_WEBHOOK_KEY")
			}
			if secret == "" {
				return errors.New("a secret is required: pass --secret or set EAS_SECRET_WEBHOOK_KEY")
			}

			var body []byte
			var err error
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			if len(body) == 0 {
				return signature.ErrEmptyBody
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(body, secret))
			return err
		},
	}
	signCmd.Flags().StringVar(&secret, "secret", "", "Webhook secret (defaults to EAS_SECRET_WEBHOOK_KEY)")

	rootCmd.AddCommand(serveCmd, signCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
