package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/llamachat/llamachat/api"
	"github.com/ZanzyTHEbar/llamachat/llamachat/config"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API and web page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := service.New(ctx, cfg, service.WithLogger(logger))
			if err != nil {
				return err
			}
			defer app.Close()

			if watch {
				config.Watch(func(next *config.Config, e fsnotify.Event) {
					app.ApplyConfig(next)
					logger.Info().Str("file", e.Name).Msg("Applied config change")
				}, func(err error) {
					logger.Warn().Err(err).Msg("Ignoring invalid config change")
				})
			}

			server, err := api.NewServer(app, cfg.Web, app.Metrics().Handler(), logger)
			if err != nil {
				return err
			}
			srv := server.HTTPServer()

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", srv.Addr).Str("mode", string(app.Status().Mode)).Msg("Starting server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		},
	}

	cmd.Flags().BoolVar(&watch, "watch-config", false, "Apply sampling and prompt changes when the config file changes")
	cmd.Flags().String("log-format", "console", "Log output format (console, json)")
	cmd.Flags().String("host", "127.0.0.1", "Listen host")
	cmd.Flags().Int("port", 5000, "Listen port")
	_ = viper.BindPFlag("app.log_format", cmd.Flags().Lookup("log-format"))
	_ = viper.BindPFlag("web.host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("web.port", cmd.Flags().Lookup("port"))
	return cmd
}
