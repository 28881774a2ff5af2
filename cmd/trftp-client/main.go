/*
Copyright (c) trftp authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command trftp-client is an illustrative front-end for the client
// package: it listens on one port for a single file transfer, moves the
// staged file to the --out path on success when one is given, and exits
// with a status reflecting the outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shkwon98/trftp/client"
)

var (
	logLevel   string
	outputPath string
	waitFor    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "trftp-client",
	Short: "receive one file pushed by a TRFTP server",
}

var listenCmd = &cobra.Command{
	Use:   "listen <port>",
	Short: "listen on port for an incoming file transfer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runListen(args[0]))
	},
}

func init() {
	listenCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warning, error")
	listenCmd.Flags().StringVar(&outputPath, "out", "", "path to move the received file to (default: leave staged)")
	listenCmd.Flags().DurationVar(&waitFor, "timeout", 30*time.Second, "how long to wait for a transfer before giving up")
	rootCmd.AddCommand(listenCmd)
}

func runListen(portArg string) int {
	if lvl, err := log.ParseLevel(logLevel); err == nil {
		log.SetLevel(lvl)
	}

	port := 0
	if _, err := fmt.Sscanf(portArg, "%d", &port); err != nil {
		log.Errorf("invalid port %q: %v", portArg, err)
		return 1
	}

	c, err := client.New(client.DefaultConfig(port))
	if err != nil {
		log.Errorf("failed to start client: %v", err)
		return 1
	}
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	received := false
	c.AttachHandler(func(path string, version uint32) {
		defer wg.Done()
		received = true
		log.Infof("received file version %d at %s", version, path)
		if outputPath != "" {
			if err := os.Rename(path, outputPath); err != nil {
				log.Errorf("failed to move staged file: %v", err)
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	go func() {
		if err := c.Run(ctx); err != nil {
			log.Debugf("dispatcher stopped: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received {
			return 0
		}
		return 1
	case <-ctx.Done():
		log.Warn("timed out waiting for a transfer")
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
