package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/rl1809/token-marketplace/internal/config"
)

var log = logging.Logger("marketd")

var rootCmd = &cobra.Command{
	Use:   "marketd",
	Short: "Token marketplace ledger service",
	Long: `marketd runs a marketplace where sellers list fungible-token lots for a
fixed native-currency price, buyers purchase whole lots, and sellers withdraw
their proceeds. Actions may be relayed on a principal's behalf with an
EIP-712 signature.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

var (
	configPath string
	debug      bool
	grpcTarget string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	addOperatorCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
		return nil
	}

	level := logging.LevelInfo
	if cfg, err := config.Load(configPath); err == nil {
		if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
			level = lvl
		}
	}
	logging.SetAllLoggers(level)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}
