package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

var serveMode string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCPU daemon or MCP façade",
	Long:  `serve wires the Config View into the Pool/Cache/Router/Batch graph and exposes it over HTTP (--mode=http) or the MCP façade over stdio (--mode=stdio).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := buildGraph()
		if err != nil {
			return fmt.Errorf("mcpud: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			log.Println("mcpud: shutting down")
			cancel()
		}()

		switch serveMode {
		case "http":
			d := newDaemon(g)
			addr := viper.GetString("addr")
			log.Printf("mcpud: serving on %s", addr)
			return d.ListenAndServe(ctx, addr)
		case "stdio":
			f := newFacade(g)
			return f.Serve(ctx)
		default:
			return fmt.Errorf("mcpud: unknown --mode %q, must be http or stdio", serveMode)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveMode, "mode", "http", "serve mode: http or stdio")
	rootCmd.AddCommand(serveCmd)
}
