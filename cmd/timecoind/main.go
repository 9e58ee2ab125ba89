// TimeCoin full node daemon.
//
// Usage:
//
//	timecoind [--mine --validator-key=...] Run node
//	timecoind --help                       Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/time-coin/timecoin/config"
	klog "github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "timecoind: %v\n", err)
		os.Exit(1)
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "timecoind: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := config.EnsureDataDirs(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "timecoind: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "timecoind: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		klog.Error().Err(err).Msg("Node start failed")
		n.Stop()
		os.Exit(1)
	}

	// Block until interrupted, then shut down in order. Stop flushes the
	// chain store before exiting; a failed flush is fatal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	klog.Info().Str("signal", sig.String()).Msg("Shutting down")

	n.Stop()
}
