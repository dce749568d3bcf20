// Command mcpud is the thin process entrypoint for MCPU: it loads the
// Config View, wires the Pool/Cache/Router/Batch/Exec graph, and either
// serves the Daemon Endpoint, serves the MCP façade over stdio, or runs as
// a hidden exec helper. It contains no business logic of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpud",
	Short: "mcpud multiplexes MCP servers behind one compact command surface",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the MCPU config file (default $XDG_CONFIG_HOME/mcpu/config.json)")
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:8765", "daemon listen address (http mode only)")
	rootCmd.PersistentFlags().Int("max-batch-size", 0, "override the batch engine's max call count (0 = default)")
	rootCmd.PersistentFlags().Int("max-concurrent-servers", 0, "override the batch engine's per-batch server concurrency cap (0 = default)")

	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("max_batch_size", rootCmd.PersistentFlags().Lookup("max-batch-size"))
	_ = viper.BindPFlag("max_concurrent_servers", rootCmd.PersistentFlags().Lookup("max-concurrent-servers"))

	viper.SetEnvPrefix("MCPU")
	viper.AutomaticEnv()
}

func initConfig() {
	if cfgFile != "" {
		viper.Set("config_path", cfgFile)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
