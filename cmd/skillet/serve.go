package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/pipeline"
	"github.com/jingkaihe/skillet/pkg/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local skill API server",
	Long: `Start a local HTTP server exposing the skill library, metadata, key
bindings and invocation over a JSON API. The skills directory is watched and
reloaded when files change.

The server will be available at http://localhost:8080 by default.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		serverConfig := &server.ServerConfig{
			Host:          viper.GetString("server.host"),
			Port:          viper.GetInt("server.port"),
			WatchDebounce: server.DefaultWatchDebounce,
		}
		if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
			serverConfig.WatchDebounce = 0
		}
		if err := serverConfig.Validate(); err != nil {
			return errors.Wrap(err, "invalid server configuration")
		}

		// Results are returned in the HTTP response; callbacks only log.
		p, err := a.newPipeline(serverCallbacks(ctx))
		if err != nil {
			return err
		}

		srv, err := server.NewServer(serverConfig, a.library, a.store, p)
		if err != nil {
			return errors.Wrap(err, "failed to create api server")
		}

		logger.G(ctx).WithFields(logrus.Fields{
			"host": serverConfig.Host,
			"port": serverConfig.Port,
		}).Info("starting skill api server")

		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().String("host", "localhost", "Host to bind the server to")
	serveCmd.Flags().Int("port", 8080, "Port to bind the server to")
	serveCmd.Flags().Bool("no-watch", false, "Do not reload skills when the skills directory changes")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func serverCallbacks(ctx context.Context) pipeline.Callbacks {
	return pipeline.CallbackFuncs{
		OnError: func(failure pipeline.Failure) {
			logger.G(ctx).WithError(failure.Err).WithField("skill_id", failure.Definition.ID).Warn("skill invocation failed")
		},
	}
}
