package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"

	"github.com/pg-sharding/reshard/participant/app"
	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/datashard/memshard"
	"github.com/pg-sharding/reshard/pkg/datashard/pgshard"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/pkg/tracing"
	"github.com/pg-sharding/reshard/qdb"
)

var (
	cfgPath   string
	daemonize bool
	logLevel  string
	prettyLog bool
)

func openStore(ctx context.Context, cfg config.DataShardCfg) (datashard.Store, error) {
	switch cfg.Type {
	case config.DataShardMemory, "":
		return memshard.New(nil), nil
	case config.DataShardPostgres:
		return pgshard.New(ctx, cfg.ConnString)
	default:
		return nil, errors.Errorf("unknown data shard type %q", cfg.Type)
	}
}

var rootCmd = &cobra.Command{
	Use: "reshard-participant --config `path-to-config`",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgStr, err := config.LoadParticipantCfg(cfgPath)
		if err != nil {
			return errors.Wrap(err, "load participant config")
		}
		cfg := config.ParticipantConfig()
		if cmd.Flags().Changed("pretty-log") {
			cfg.PrettyLogging = prettyLog
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("daemonize") {
			cfg.Daemonize = daemonize
		}

		if cfg.Daemonize {
			cntxt := &daemon.Context{
				PidFileName: cfg.PidFileName,
				PidFilePerm: 0644,
				LogFileName: cfg.LogFileName,
				LogFilePerm: 0640,
				WorkDir:     "./",
				Umask:       027,
			}
			d, err := cntxt.Reborn()
			if err != nil {
				return errors.Wrap(err, "daemonize")
			}
			if d != nil {
				// parent
				return nil
			}
			defer func() {
				_ = cntxt.Release()
			}()
		}

		rslog.ReloadLogger(cfg.LogFile, cfg.LogLevel, cfg.PrettyLogging)
		rslog.Zero.Info().Msg("Running config: " + cfgStr)

		if cfg.JaegerConfig.JaegerUrl != "" {
			closer, err := tracing.InitJaegerTracer("reshard-participant-"+cfg.ShardID, cfg.JaegerConfig)
			if err != nil {
				return errors.Wrap(err, "init jaeger tracer")
			}
			defer closer.Close()
		}

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		db, err := qdb.NewQDB(cfg.QdbType, cfg.QdbAddr, cfg.QdbBackupPath)
		if err != nil {
			return errors.Wrap(err, "open qdb")
		}
		store, err := openStore(ctx, cfg.DataShard)
		if err != nil {
			return errors.Wrap(err, "open data shard")
		}

		peers := participant.NewPool(cfg.Participants, participant.DialRetrying(cfg.RetryAttempts, cfg.RetryBaseDelay))
		defer peers.Close()

		writeMode := config.ValueOrDefaultString(cfg.WriteBlockMode, config.WriteBlockReject)
		node := participant.NewNode(cfg.ShardID, db, store, peers, writeMode, recipient.OptionsFromConfig(cfg))

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

		return app.NewApp(node).Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/reshard/participant.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&daemonize, "daemonize", "d", false, "daemonize the participant")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().BoolVarP(&prettyLog, "pretty-log", "P", false, "write logs in human readable format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rslog.Zero.Fatal().Err(err).Msg("")
	}
}
