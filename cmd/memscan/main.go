package main

import (
	"os"

	"github.com/duskpoint/memscan/internal/config"
	"github.com/duskpoint/memscan/internal/logger"
	"github.com/duskpoint/memscan/internal/rpcserver"
	"github.com/duskpoint/memscan/internal/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "memscan",
		Short: "line-oriented JSON-RPC memory scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")

			if configPath == "" {
				p, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = p
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-file") {
				cfg.LogFile = logFile
			}

			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return err
			}
			// One run id per process lifetime, so log lines from concurrent
			// memscan instances sharing a log file can be told apart.
			logger.Log = logger.Log.With("run_id", uuid.New().String())

			sess := session.New(cfg.RegionWindowLimit)
			defer sess.Close()

			logger.Info("memscan starting", "region_window_limit", cfg.RegionWindowLimit)
			srv := rpcserver.New(os.Stdin, os.Stdout, sess)
			if err := srv.Serve(); err != nil {
				logger.Error("rpc server exited", "error", err)
				return err
			}
			return nil
		},
	}

	root.Flags().String("config", "", "path to config.yaml (default ~/.memscan/config.yaml)")
	root.Flags().String("log-level", "", "override the configured log level (debug|info|warn|error)")
	root.Flags().String("log-file", "", "override the configured log file path")

	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
