// -----------------------------------------------------------------------
// strata - distributed job orchestration engine for geospatial ETL
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/strata/internal/app"
	"github.com/ternarybob/strata/internal/common"
	"github.com/ternarybob/strata/internal/server"
)

// configPaths collects repeated -config flags in order.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func main() {
	var configFiles configPaths
	flag.Var(&configFiles, "config", "Path to TOML config file (repeatable, later files override earlier)")
	flag.Var(&configFiles, "c", "Path to TOML config file (shorthand)")
	port := flag.Int("port", 0, "HTTP port override")
	flag.IntVar(port, "p", 0, "HTTP port override (shorthand)")
	host := flag.String("host", "", "HTTP host override")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		os.Exit(0)
	}

	// No explicit config: pick up strata.toml beside the binary, then the
	// local deployment default.
	if len(configFiles) == 0 {
		for _, candidate := range []string{"strata.toml", "deployments/local/strata.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *port, *host)

	logger := common.SetupLogger(config)
	common.PrintBanner(common.GetVersion())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start engine")
	}

	srv := server.New(application, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-srv.ShutdownRequested():
		logger.Info().Msg("Shutdown requested via API")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown error")
	}
	if err := application.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("Application shutdown error")
	}
}
