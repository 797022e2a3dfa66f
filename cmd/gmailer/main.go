package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/International-Combat-Archery-Alliance/gmailer"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/app"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/config"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/logger"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/trigger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "gmailer",
		Short:        "Send plain-text email through Gmail as an OAuth2-authorized user",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	root.AddCommand(
		newAuthorizeCmd(&configPath),
		newSendCmd(&configPath),
		newServeCmd(&configPath),
	)
	return root
}

func setup(cmd *cobra.Command, configPath string, interactive bool) (*config.Config, *slog.Logger, *app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, trigger.RequestIDExtractor)

	a, err := app.New(cmd.Context(), cfg, app.Options{
		Interactive: interactive,
		In:          cmd.InOrStdin(),
		Out:         cmd.OutOrStdout(),
		Logger:      log,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, a, nil
}

func newAuthorizeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "authorize",
		Short: "Run the consent flow and store the resulting token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, a, err := setup(cmd, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			tok, err := a.Pipeline.Authorize(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token stored, valid until %s\n", tok.Expiry().Format(time.RFC3339))
			return nil
		},
	}
}

func newSendCmd(configPath *string) *cobra.Command {
	var override gmailer.OutgoingMessage

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message, using configured defaults for omitted fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, a, err := setup(cmd, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			msg := override.WithDefaults(a.Defaults)
			if err := msg.Validate(); err != nil {
				return err
			}

			res, err := a.Pipeline.Send(cmd.Context(), msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Email sent successfully: id=%s thread=%s\n", res.ID, res.ThreadID)
			return nil
		},
	}
	cmd.Flags().StringVar(&override.From, "from", "", "sender address")
	cmd.Flags().StringVar(&override.To, "to", "", "recipient address")
	cmd.Flags().StringVar(&override.Subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&override.Body, "body", "", "message body")
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP send trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, a, err := setup(cmd, *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           trigger.NewRouter(a.Pipeline, a.Defaults, log, promhttp.Handler()),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("listening", slog.String("addr", addr), slog.String("transport", cfg.Transport))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			log.Info("shutting down")
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
