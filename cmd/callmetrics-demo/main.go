package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nikiz24/callmetrics"
)

var errTooSlow = errors.New("execution took too long")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "callmetrics-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String(
		"config",
		os.Getenv("CALLMETRICS_CONFIG"),
		"path to the configuration file on disk",
	)
	calls := flag.Int("calls", 1, "number of times to invoke the example function")
	verbosity := flag.String(
		"verbosity",
		"info",
		"desired logging verbosity: one of error, warn, info, debug",
	)
	reportOnly := flag.Bool("report", false, "print every persisted function and exit")
	flag.Parse()

	logger, err := newLogger(*verbosity)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := callmetrics.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.Logger = logger

	collector, err := callmetrics.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The drain must run before the process exits, including on a signal.
	defer func() {
		timeout := cfg.DrainTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := collector.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", zap.Error(err))
		}
	}()

	if *reportOnly {
		return printReport(collector.All())
	}

	example := callmetrics.Wrap(collector, "example_function", exampleFunction)
	for i := 0; i < *calls; i++ {
		if ctx.Err() != nil {
			logger.Info("interrupted", zap.Int("completed", i))
			break
		}
		example()
	}

	stats, err := collector.GetMetrics("example_function")
	if err != nil {
		fmt.Println(collector.Describe("example_function"))
		return nil
	}
	return printReport([]callmetrics.Stats{stats})
}

// exampleFunction sleeps for a random fraction of a second and fails when
// the sleep exceeds 0.7s.
func exampleFunction() (float64, error) {
	sleep := rand.Float64()
	time.Sleep(time.Duration(sleep * float64(time.Second)))
	if sleep > 0.7 {
		return 0, errTooSlow
	}
	return sleep, nil
}

func printReport(stats []callmetrics.Stats) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(stats)
}
