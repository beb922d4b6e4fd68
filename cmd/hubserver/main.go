// MIT License
//
// Copyright (c) 2025 DaggerTech
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package main provides the hub server. It serves the hub at the configured
// path (default /myhub on 0.0.0.0:5005) and logs every message a client
// sends until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/markoxley/beacon/config"
	"github.com/markoxley/beacon/hub"
	"github.com/markoxley/beacon/logging"
)

var (
	configPath string
	broadcast  bool
)

var rootCmd = &cobra.Command{
	Use:   "hubserver",
	Short: "Serve the message hub",
	Long: `hubserver accepts hub connections and logs each SendMessage invocation. ` +
		`With --broadcast, received messages are relayed to the other connected clients.`,
	Args: cobra.NoArgs,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file")
	rootCmd.Flags().BoolVar(&broadcast, "broadcast", false, "relay received messages to other clients")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func run(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("broadcast") {
		cfg.Server.Broadcast = broadcast
	}

	logger, err := logging.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	atexit.Register(func() { _ = logger.Sync() })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := hub.New(cfg.Server, logger)
	hub.RegisterDefaults(s, logging.NewSink(logger), cfg.Server.Broadcast)
	return s.ListenAndServe(ctx)
}
