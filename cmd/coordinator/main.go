package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pg-sharding/reshard/coordinator/app"
	coord "github.com/pg-sharding/reshard/coordinator/pkg"
	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/pkg/tracing"
	"github.com/pg-sharding/reshard/qdb"
)

var (
	cfgPath   string
	logLevel  string
	prettyLog bool
)

// applyFlags lets explicitly passed flags override the config file.
func applyFlags(cmd *cobra.Command, cfg *config.Coordinator) {
	if cmd.Flags().Changed("pretty-log") {
		cfg.PrettyLogging = prettyLog
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

var rootCmd = &cobra.Command{
	Use: "reshard-coordinator --config `path-to-config`",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgStr, err := config.LoadCoordinatorCfg(cfgPath)
		if err != nil {
			return errors.Wrap(err, "load coordinator config")
		}
		cfg := config.CoordinatorConfig()
		applyFlags(cmd, cfg)
		rslog.ReloadLogger(cfg.LogFile, cfg.LogLevel, cfg.PrettyLogging)
		rslog.Zero.Info().Msg("Running config: " + cfgStr)

		if cfg.JaegerConfig.JaegerUrl != "" {
			closer, err := tracing.InitJaegerTracer("reshard-coordinator", cfg.JaegerConfig)
			if err != nil {
				return errors.Wrap(err, "init jaeger tracer")
			}
			defer closer.Close()
		}

		db, err := qdb.NewQDB(cfg.QdbType, cfg.QdbAddr, cfg.QdbBackupPath)
		if err != nil {
			return errors.Wrap(err, "open qdb")
		}

		host, err := config.GetHostOrHostname(cfg.Host)
		if err != nil {
			return err
		}
		pool := participant.NewPool(cfg.Participants, participant.DialRetrying(cfg.RetryAttempts, cfg.RetryBaseDelay))
		defer pool.Close()

		qc := coord.NewReshardCoordinator(db, pool,
			coord.OptionsFromConfig(cfg, net.JoinHostPort(host, cfg.GrpcApiPort)))

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		go func() {
			for s := range sigs {
				rslog.Zero.Info().Str("signal", s.String()).Msg("received signal")
				if s == syscall.SIGHUP {
					rslog.ReloadLogger(cfg.LogFile, cfg.LogLevel, cfg.PrettyLogging)
					continue
				}
				cancelCtx()
				return
			}
		}()

		return app.NewApp(qc).Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/reshard/coordinator.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().BoolVarP(&prettyLog, "pretty-log", "P", false, "write logs in human readable format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rslog.Zero.Fatal().Err(err).Msg("")
	}
}
