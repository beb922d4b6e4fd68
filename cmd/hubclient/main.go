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

// Package main provides the hub client. Each line read from standard input
// sends one timestamp message to the hub; typing "exit" or closing the input
// ends the program. A new line while a send is still in flight cancels the
// earlier send.
//
// Usage:
//
//	hubclient [target] [--config file] [--async]
//
// The target is a host:port pair and defaults to the configured
// client.target (192.168.145.50:5005).
package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"

	"github.com/markoxley/beacon/config"
	"github.com/markoxley/beacon/hubconn"
	"github.com/markoxley/beacon/logging"
	"github.com/markoxley/beacon/msg"
	"github.com/markoxley/beacon/sender"
)

var (
	configPath string
	async      bool
)

var rootCmd = &cobra.Command{
	Use:   "hubclient [target]",
	Short: "Send a timestamp message to a hub for every line of input",
	Long: `hubclient connects to the hub at target (host:port), invokes SendMessage ` +
		`with the current time and disconnects, once per line read from standard input. ` +
		`Type 'exit' to quit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file")
	rootCmd.Flags().BoolVar(&async, "async", false, "do not wait for a send to finish before reading the next line")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Client.Target = args[0]
	}

	logger, err := logging.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	atexit.Register(func() { _ = logger.Sync() })
	sink := logging.NewSink(logger)

	msg.SelfTest(sink)

	m := sender.NewManager(cfg.Client, sink, sender.HubDialer(hubconn.FromClientConfig(cfg.Client, logger)))

	var wg sync.WaitGroup
	sendOnce := m.SendOnce
	if async {
		sendOnce = func(target string) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.SendOnce(target)
			}()
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Press Enter to send a message to the hub or type 'exit' to quit.")
	err = readLoop(cmd.InOrStdin(), guardTarget(cfg.Client.Target, sink, sendOnce))
	drain(m, &wg, logger)
	return err
}

// guardTarget returns the per-line action. An invalid target is reported on
// every line and no connection is attempted.
func guardTarget(target string, sink logging.Sink, sendOnce func(string)) func() {
	if err := sender.ValidateTarget(target); err != nil {
		return func() {
			sink.LogError("Invalid hub address", err, zap.String("target", target))
		}
	}
	return func() { sendOnce(target) }
}

// readLoop calls send once for every line of input until a line reading
// exactly "exit" or the end of input.
func readLoop(in io.Reader, send func()) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if strings.TrimSuffix(scanner.Text(), "\r") == "exit" {
			return nil
		}
		send()
	}
	return scanner.Err()
}

// drain cancels in-flight sends until every background send has returned.
func drain(m *sender.Manager, wg *sync.WaitGroup, logger *zap.Logger) {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	for {
		m.Shutdown()
		select {
		case <-finished:
			return
		case <-time.After(50 * time.Millisecond):
			logger.Debug("waiting for pending sends")
		}
	}
}
