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

// Command trftp-server is an illustrative front-end for the server
// package: it pushes one file to one listening client and exits with a
// status reflecting the outcome (spec section 6).
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shkwon98/trftp/protocol"
	"github.com/shkwon98/trftp/server"
)

var (
	version    uint32
	deviceID   uint16
	bindPort   int
	logLevel   string
	metricPort int
)

var rootCmd = &cobra.Command{
	Use:   "trftp-server",
	Short: "push a file to a waiting TRFTP client",
}

var pushCmd = &cobra.Command{
	Use:   "push <file> <peer:port>",
	Short: "transfer a file to a client listening at peer:port",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPush(args[0], args[1]))
	},
}

func init() {
	pushCmd.Flags().Uint32Var(&version, "version", 1, "version number announced with the file")
	pushCmd.Flags().Uint16Var(&deviceID, "device", 0, "destination device id")
	pushCmd.Flags().IntVar(&bindPort, "bind-port", 0, "local UDP port to bind (0 = ephemeral)")
	pushCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warning, error")
	pushCmd.Flags().IntVar(&metricPort, "metrics-port", 0, "if set, serve Prometheus metrics on this port")
	rootCmd.AddCommand(pushCmd)
}

func runPush(file, peer string) int {
	if lvl, err := log.ParseLevel(logLevel); err == nil {
		log.SetLevel(lvl)
	}

	cfg := server.DefaultConfig()
	cfg.BindPort = bindPort

	stats := server.NewPromStats()
	if metricPort != 0 {
		exporter := server.NewPrometheusExporter(stats, metricPort)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Errorf("metrics exporter stopped: %v", err)
			}
		}()
	}

	srv, err := server.New(cfg, stats)
	if err != nil {
		log.Errorf("failed to start server: %v", err)
		return 1
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Debugf("dispatcher stopped: %v", err)
		}
	}()

	status, err := srv.StartTransfer(peer, file, version, server.Device{ID: deviceID})
	if err != nil {
		log.Errorf("transfer failed: %v", err)
		return 1
	}

	fmt.Printf("transfer finished with status %s\n", status)
	switch status {
	case protocol.KindFIN:
		return 0
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
