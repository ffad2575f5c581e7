package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpadapter "github.com/melih/lighthouse-builder/internal/adapters/http"
)

func newServeCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the build API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := o.connect()
			if err != nil {
				return err
			}

			handlers := httpadapter.Handlers{
				Containers: httpadapter.NewContainerHandler(e.docker, o.contract.Port),
				Builds:     httpadapter.NewBuildHandler(e.builds, e.verifier, o.contract, o.cfg.Build.VerifyTimeout),
			}
			if o.cfg.Server.PreviewDomain != "" {
				handlers.Proxy = httpadapter.NewProxyHandler(e.docker, o.cfg.Server.PreviewDomain, o.contract.Port)
			}
			app := httpadapter.NewApp(handlers)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Listen(o.cfg.Server.Listen)
			}()
			log.Info().
				Str("listen", o.cfg.Server.Listen).
				Str("preview_domain", o.cfg.Server.PreviewDomain).
				Int("build_concurrency", o.cfg.Server.BuildConcurrency).
				Msg("Server starting")

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("Shutting down, waiting for running builds")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Server shutdown incomplete")
			}
			e.builds.Wait()
			return nil
		},
	}
}
