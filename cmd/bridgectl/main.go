package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/config"
)

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

func unwrapConfig(ctx context.Context) *config.Config {
	return ctx.Value(configKey).(*config.Config)
}

func unwrapLogger(ctx context.Context) *zap.Logger {
	return ctx.Value(loggerKey).(*zap.Logger)
}

func CmdBridgectl() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "bridgectl",
		Short:        "Operate the tri-chain bridge",
		Args:         cobra.ExactArgs(0),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "convert", "master-key", "help":
				// no config needed
				return nil
			}
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			logger := zap.NewNop()
			if verbose {
				if logger, err = config.NewLogger(config.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"}); err != nil {
					return err
				}
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().String("config", "config.yaml", "Path to configuration file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stderr")

	cmd.AddCommand(CmdConvert())
	cmd.AddCommand(CmdQuote())
	cmd.AddCommand(CmdTransfer())
	cmd.AddCommand(CmdOutcomes())
	cmd.AddCommand(CmdToken())
	cmd.AddCommand(CmdMasterKey())
	cmd.AddCommand(CmdSeal())
	return cmd
}

func main() {
	if err := CmdBridgectl().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
