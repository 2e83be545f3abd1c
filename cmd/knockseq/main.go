/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carverauto/knockseq/pkg/config"
	"github.com/carverauto/knockseq/pkg/knock"
	"github.com/carverauto/knockseq/pkg/logger"
	"github.com/carverauto/knockseq/pkg/models"
)

const (
	exitOK    = 0
	exitKnock = 1 // at least one knock did not succeed
	exitSetup = 2 // configuration or resolution failure before dispatch
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to JSON config file")
	host := flag.String("host", "", "Target host (IP or hostname) to knock on")
	protocol := flag.String("protocol", "", "Protocol to use for knocks: tcp or udp")
	sequence := flag.String("sequence", "", "Comma-separated port sequence (e.g. \"7000,8000,9000\")")
	timeout := flag.Duration("timeout", 0, "Timeout per knock attempt")
	delay := flag.Duration("delay", 0, "Inter-knock dispatch delay")
	jitter := flag.Duration("jitter", 0, "Upper bound on random extra delay per dispatch")
	concurrency := flag.Int("concurrency", 0, "Max concurrent knocks")
	payload := flag.String("payload", "", "Optional UDP payload as hex (e.g. \"deadbeef\")")
	retries := flag.Int("retries", -1, "Extra attempts per knock beyond the first")
	backoff := flag.Duration("backoff", 0, "Base backoff between retries")
	family := flag.String("family", "", "Address family preference: 4 or 6")
	logLevel := flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog, err := logger.New(logger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitSetup
	}

	cfg, err := config.Load(ctx, *configPath, bootLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitSetup
	}

	// Flags set explicitly on the command line win over file and env.
	var flagErr error

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "protocol":
			proto, err := models.ParseProtocol(*protocol)
			if err != nil {
				flagErr = err
				return
			}

			cfg.Protocol = proto
		case "sequence":
			seq, err := config.ParseSequence(*sequence)
			if err != nil {
				flagErr = err
				return
			}

			cfg.Sequence = seq
		case "timeout":
			cfg.Timeout = models.Duration(*timeout)
		case "delay":
			cfg.Delay = models.Duration(*delay)
		case "jitter":
			cfg.Jitter = models.Duration(*jitter)
		case "concurrency":
			cfg.Concurrency = *concurrency
		case "payload":
			cfg.Payload = *payload
		case "retries":
			cfg.Retries = *retries
		case "backoff":
			cfg.Backoff = models.Duration(*backoff)
		case "family":
			cfg.Family = *family
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if flagErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", flagErr)
		return exitSetup
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitSetup
	}

	logCfg := logger.DefaultConfig()
	if cfg.LogLevel != "" {
		logCfg.Level = cfg.LogLevel
	}

	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitSetup
	}

	scheduler, err := knock.NewScheduler(cfg, nil, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitSetup
	}

	outcomes, runErr := scheduler.Run(ctx)
	if outcomes == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return exitSetup
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "knock run cancelled")
	}

	printReport(os.Stdout, cfg, outcomes)

	for _, o := range outcomes {
		if !o.Kind.OK() {
			return exitKnock
		}
	}

	return exitOK
}

func printReport(w io.Writer, cfg *models.Config, outcomes []models.Outcome) {
	fmt.Fprintf(w, "knock %s %s [%s]\n\n", cfg.Protocol, cfg.Host, formatSequence(cfg.Sequence))
	fmt.Fprintf(w, "%-4s %-6s %-6s %-22s %-9s %s\n", "SEQ", "PORT", "PROTO", "RESULT", "ATTEMPTS", "TIME")

	for _, o := range outcomes {
		result := string(o.Kind)
		if o.Kind == models.KindSuccessWithResponse {
			result = fmt.Sprintf("%s (%dB)", o.Kind, len(o.Response))
		}

		fmt.Fprintf(w, "%-4d %-6d %-6s %-22s %-9d %v\n",
			o.Seq+1, o.Port, o.Protocol, result, o.Attempts, o.Elapsed.Round(time.Microsecond))
	}
}

func formatSequence(seq []uint16) string {
	parts := make([]string, len(seq))
	for i, p := range seq {
		parts[i] = fmt.Sprintf("%d", p)
	}

	return strings.Join(parts, ",")
}
